package model

// UserStore provides account persistence.
type UserStore interface {
	CreateUser(u User) error
	UserByUsername(username string) (User, error)
	UserByID(id string) (User, error)
}

// AppStore provides catalog entry persistence.
type AppStore interface {
	CreateApp(a App) error
	ListApprovedApps() ([]App, error)
}

// CatalogStore is the full data-plane contract used by the HTTP API.
type CatalogStore interface {
	UserStore
	AppStore
	TableRowCounts() (map[string]int64, error)
}
