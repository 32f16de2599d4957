package model

// Defaults applied to uploaded apps until an editor changes them.
const (
	DefaultAppVersion  = "1.0.0"
	DefaultAppCategory = "utility"
	AnonymousAuthor    = "Anonymous"
)

// Canonical data-plane tables. A store with zero rows in all of them is empty.
const (
	TableUsers = "users"
	TableApps  = "apps"
)

// CanonicalTables lists the tables that decide whether the local store holds data.
var CanonicalTables = []string{TableUsers, TableApps}
