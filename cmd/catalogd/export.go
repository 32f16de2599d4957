package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/netos-community/appcatalog/internal/backup"
	"github.com/netos-community/appcatalog/internal/duckdb"
	"github.com/netos-community/appcatalog/internal/logging"
)

// runExport writes the local database to dst in the remote envelope format,
// for moving a catalog by hand or seeding a file:// remote.
func runExport(cfg appConfig, dst string) error {
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("export")

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	if !store.Exists() {
		return fmt.Errorf("no database at %s", store.DBPath())
	}
	counts, err := store.TableRowCounts()
	if err != nil {
		return fmt.Errorf("read %s: %w", store.DBPath(), err)
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return fmt.Errorf("%s: %w", store.DBPath(), backup.ErrEmptySnapshot)
	}

	tmp, err := os.CreateTemp("", "catalog-export-*.duckdb")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := store.SnapshotTo(tmpPath); err != nil {
		return fmt.Errorf("snapshot %s: %w", store.DBPath(), err)
	}
	env, err := backup.EncodeFile(tmpPath, counts)
	if err != nil {
		return err
	}
	data, err := backup.MarshalEnvelope(env)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}

	log.Info().Str("db_path", store.DBPath()).Str("out", dst).
		Int64("size_bytes", env.SizeBytes).Interface("table_counts", env.TableCounts).
		Msg("exported catalog database")
	return nil
}
