// Package backup keeps the local catalog database and a single remote backup
// object in sync.
//
// At boot the Orchestrator decides whether to trust the local database,
// restore it from the remote object, or start fresh. Afterwards it ships
// snapshots on a timer, after data-plane mutations, and on operator request,
// all through one single-flight code path.
package backup

import (
	"context"
	"time"
)

// Handle identifies the remote backup object.
type Handle string

// Envelope is the unit stored remotely: the encoded database plus metadata.
type Envelope struct {
	Payload     string           `json:"payload"`
	Encoding    string           `json:"encoding"`
	CreatedAt   time.Time        `json:"created_at"`
	SizeBytes   int64            `json:"size_bytes"`
	TableCounts map[string]int64 `json:"table_counts,omitempty"`
}

// RestorePolicy decides what happens at boot when the local store already has data.
type RestorePolicy string

const (
	// RestoreLocalWins keeps a populated local store and backs it up.
	RestoreLocalWins RestorePolicy = "local-wins"
	// RestoreRemoteWins restores the remote object over a populated local store.
	RestoreRemoteWins RestorePolicy = "remote-wins"
)

// Config is read-only after boot.
type Config struct {
	Handle        Handle        // configured object id, may be empty
	Tag           string        // description substring used by Discover
	Interval      time.Duration // periodic backup interval
	RestorePolicy RestorePolicy

	// LocalDir receives a copy of a populated local store before an
	// operator restore overwrites it. Empty disables safety copies.
	LocalDir string
	KeepLast int
}

// LocalStore is the local database as seen by the backup layer.
type LocalStore interface {
	Exists() bool
	TableRowCounts() (map[string]int64, error)
	Snapshot() ([]byte, error)
	SnapshotTo(dstPath string) error
	Replace(data []byte) error
	EnsureSchema() error
}

// SchemaReporter is implemented by local stores that track schema migrations.
type SchemaReporter interface {
	SchemaVersion() (current, pending int, err error)
}

// Repository is a remote object store holding at most one backup per deployment.
//
// Implementations return errors wrapping ErrRemoteUnavailable for
// connectivity or auth failures and ErrNotFound for absent objects.
type Repository interface {
	// Probe checks connectivity and credentials.
	Probe(ctx context.Context) error
	Exists(ctx context.Context, h Handle) (bool, error)
	Fetch(ctx context.Context, h Handle) (*Envelope, error)
	Create(ctx context.Context, tag string, env *Envelope) (Handle, error)
	// Update overwrites h. When h no longer exists remotely the envelope is
	// stored as a new object and its handle returned.
	Update(ctx context.Context, h Handle, env *Envelope) (Handle, error)
	// Discover returns the first object, in sorted key order, whose
	// description contains tag, or ErrNotFound.
	Discover(ctx context.Context, tag string) (Handle, error)
}

// Result describes one backup or restore attempt.
type Result struct {
	Handle      Handle           `json:"handle,omitempty"`
	SizeBytes   int64            `json:"size_bytes"`
	TableCounts map[string]int64 `json:"table_counts,omitempty"`
	At          time.Time        `json:"at"`
	Shared      bool             `json:"shared,omitempty"`
}

// Status is a point-in-time view of the backup subsystem.
type Status struct {
	State         string           `json:"state"`
	BackupEnabled bool             `json:"backup_enabled"`
	RemoteHandle  Handle           `json:"remote_handle,omitempty"`
	LocalExists   bool             `json:"local_exists"`
	LocalEmpty    bool             `json:"local_empty"`
	TableCounts   map[string]int64 `json:"table_counts"`
	LastBackupAt  *time.Time       `json:"last_backup_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	// SchemaVersion and PendingMigrations are reported when the local store
	// exposes its migration state.
	SchemaVersion     int `json:"schema_version,omitempty"`
	PendingMigrations int `json:"pending_migrations,omitempty"`
}
