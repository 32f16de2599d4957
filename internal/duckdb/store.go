package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/netos-community/appcatalog/internal/duckdb/migrate"
	"github.com/netos-community/appcatalog/internal/logging"
)

// ErrNotReady is returned by data-plane calls before EnsureSchema has attached a database.
var ErrNotReady = errors.New("duckdb: store not initialized")

// Store manages the DuckDB catalog database and the single file it lives in.
//
// The file is attached lazily: NewStore only opens a file that already exists
// and never runs migrations, so the backup layer can classify the local state
// before anything is written. EnsureSchema creates the file and schema.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	QueryTimeout time.Duration
	log          zerolog.Logger
}

// NewStore prepares a store for dbPath.
// If dbPath is empty, an in-memory database is opened and migrated immediately.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}
	s := &Store{
		dbPath:       dbPath,
		QueryTimeout: qt,
		log:          logging.Component("duckdb"),
	}

	if dbPath == "" {
		if err := s.EnsureSchema(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dbPath); err == nil {
		s.mu.Lock()
		if err := s.attachLocked(); err != nil {
			// Left detached; the emptiness check reports it and startup
			// either restores over it or quarantines it in EnsureSchema.
			s.log.Warn().Err(err).Str("path", dbPath).Msg("existing database could not be opened")
		}
		s.mu.Unlock()
	}
	return s, nil
}

// attachLocked opens the database file. Caller holds s.mu for writing.
func (s *Store) attachLocked() error {
	db, err := sql.Open("duckdb", s.dbPath)
	if err != nil {
		return err
	}
	ctx, cancel := s.queryCtx()
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

// EnsureSchema attaches the database (creating the file if needed) and applies
// pending migrations. A file that exists but cannot be opened is renamed aside
// with a ".corrupt-<timestamp>" suffix rather than deleted, and a fresh
// database is created in its place.
func (s *Store) EnsureSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		if err := s.attachLocked(); err != nil {
			if s.dbPath == "" {
				return fmt.Errorf("open in-memory duckdb: %w", err)
			}
			aside := fmt.Sprintf("%s.corrupt-%s", s.dbPath, time.Now().UTC().Format("20060102-150405"))
			if rerr := os.Rename(s.dbPath, aside); rerr != nil {
				return fmt.Errorf("open duckdb: %w (quarantine failed: %v)", err, rerr)
			}
			_ = os.Remove(s.dbPath + ".wal")
			s.log.Warn().Err(err).Str("moved_to", aside).Msg("unreadable database moved aside")
			if err := s.attachLocked(); err != nil {
				return fmt.Errorf("open duckdb: %w", err)
			}
		}
	}

	return s.migrateLocked()
}

func (s *Store) migrateLocked() error {
	ctx, cancel := s.queryCtx()
	defer cancel()
	if err := migrate.NewRunner(s.db).Run(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Exists reports whether the database file is present on disk.
// In-memory stores exist once attached.
func (s *Store) Exists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dbPath == "" {
		return s.db != nil
	}
	_, err := os.Stat(s.dbPath)
	return err == nil
}

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SchemaVersion reports the applied migration version and how many embedded
// migrations are still pending.
func (s *Store) SchemaVersion() (current, pending int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, 0, ErrNotReady
	}
	ctx, cancel := s.queryCtx()
	defer cancel()
	return migrate.NewRunner(s.db).Status(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// queryCtx returns a context with the store's configured query timeout.
func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}
