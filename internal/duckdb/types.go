package duckdb

import "github.com/netos-community/appcatalog/internal/model"

// Compile-time check that Store satisfies the data-plane contract.
var _ model.CatalogStore = (*Store)(nil)
