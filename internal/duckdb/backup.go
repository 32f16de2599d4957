package duckdb

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/netos-community/appcatalog/internal/model"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// Snapshot flushes the WAL and returns the full contents of the database file.
// The file is read under the store write lock so concurrent writes cannot tear
// the copy.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkpointLocked(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("read duckdb file: %w", err)
	}
	return data, nil
}

// SnapshotTo flushes and copies the on-disk DuckDB database file to dstPath.
func (s *Store) SnapshotTo(dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkpointLocked(); err != nil {
		return err
	}
	src, err := os.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("open duckdb file: %w", err)
	}
	defer src.Close()

	if err := writeFileAtomic(dstPath, src); err != nil {
		return fmt.Errorf("copy duckdb file: %w", err)
	}
	return nil
}

func (s *Store) checkpointLocked() error {
	if s.dbPath == "" {
		return ErrInMemoryStore
	}
	if s.db == nil {
		return nil
	}
	ctx, cancel := s.queryCtx()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Replace swaps the database file for data and reopens it.
//
// The new contents are written to a temporary file in the same directory and
// opened read-only before the live file is touched; bytes that do not open as
// a DuckDB database fail with model.ErrInvalidDatabase and leave the store as
// it was. The live file and its WAL are moved aside during the swap and put
// back if the new file cannot be attached. Data-plane calls block on the store
// lock until the new file is attached and migrated.
func (s *Store) Replace(data []byte) error {
	if len(data) == 0 {
		return errors.New("duckdb: refusing to replace database with empty data")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dbPath == "" {
		return ErrInMemoryStore
	}

	tmp, err := stageFile(s.dbPath, data)
	if err != nil {
		return fmt.Errorf("stage restored database: %w", err)
	}
	if err := s.verifyFile(tmp); err != nil {
		removeDBFiles(tmp)
		return fmt.Errorf("%w: %v", model.ErrInvalidDatabase, err)
	}

	wasAttached := s.db != nil
	if wasAttached {
		if err := s.db.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close before replace")
		}
		s.db = nil
	}

	aside := fmt.Sprintf("%s.replaced-%s", s.dbPath, time.Now().UTC().Format("20060102-150405.000"))
	hadFile, err := moveDBFiles(s.dbPath, aside)
	if err != nil {
		removeDBFiles(tmp)
		s.reattachAfterFailure()
		return fmt.Errorf("move live database aside: %w", err)
	}

	if err := os.Rename(tmp, s.dbPath); err != nil {
		removeDBFiles(tmp)
		s.rollbackReplace(aside, hadFile)
		return fmt.Errorf("rename restored database: %w", err)
	}

	if err := s.attachLocked(); err != nil {
		s.rollbackReplace(aside, hadFile)
		return fmt.Errorf("open restored database: %w", err)
	}
	if err := s.migrateLocked(); err != nil {
		s.db.Close()
		s.db = nil
		s.rollbackReplace(aside, hadFile)
		return err
	}

	if hadFile && !wasAttached {
		// The replaced file never opened; keep it for inspection.
		s.log.Warn().Str("moved_to", aside).Msg("unreadable database kept after restore")
		return nil
	}
	removeDBFiles(aside)
	return nil
}

// verifyFile opens path read-only and reads its catalog.
func (s *Store) verifyFile(path string) error {
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := s.queryCtx()
	defer cancel()
	var n int64
	return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM information_schema.tables").Scan(&n)
}

// rollbackReplace puts the moved-aside database back and reattaches it.
// Caller holds s.mu for writing and s.db is nil.
func (s *Store) rollbackReplace(aside string, hadFile bool) {
	removeDBFiles(s.dbPath)
	if hadFile {
		if _, err := moveDBFiles(aside, s.dbPath); err != nil {
			s.log.Error().Err(err).Str("aside", aside).Msg("could not restore previous database")
			return
		}
	}
	s.reattachAfterFailure()
}

func (s *Store) reattachAfterFailure() {
	if _, err := os.Stat(s.dbPath); err != nil {
		return
	}
	if err := s.attachLocked(); err != nil {
		s.log.Warn().Err(err).Msg("previous database could not be reopened")
	}
}

// moveDBFiles renames a database file and its WAL. It reports whether the
// database file existed.
func moveDBFiles(from, to string) (bool, error) {
	if err := os.Rename(from, to); err != nil {
		if os.IsNotExist(err) {
			_ = os.Remove(from + ".wal")
			return false, nil
		}
		return false, err
	}
	if err := os.Rename(from+".wal", to+".wal"); err != nil && !os.IsNotExist(err) {
		_ = os.Rename(to, from)
		return false, err
	}
	return true, nil
}

func removeDBFiles(path string) {
	_ = os.Remove(path)
	_ = os.Remove(path + ".wal")
}

func stageFile(dbPath string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(dbPath), filepath.Base(dbPath)+".restore-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func writeFileAtomic(dstPath string, src io.Reader) error {
	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}
