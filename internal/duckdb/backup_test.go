package duckdb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/netos-community/appcatalog/internal/model"
)

func TestSnapshotTo_CreatesBackupFile(t *testing.T) {
	t.Parallel()

	store, _ := newFileStore(t)
	if err := store.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := store.CreateUser(testUser("u1", "alice")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	snapshotPath := filepath.Join(t.TempDir(), "backups", "snapshot.duckdb")
	if err := store.SnapshotTo(snapshotPath); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("snapshot file is empty")
	}
}

func TestSnapshot_InMemoryStore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.Snapshot(); err != ErrInMemoryStore {
		t.Fatalf("err = %v, want %v", err, ErrInMemoryStore)
	}
	if err := store.Replace([]byte("x")); err != ErrInMemoryStore {
		t.Fatalf("Replace err = %v, want %v", err, ErrInMemoryStore)
	}
}

func TestSnapshotReplace_RoundTrip(t *testing.T) {
	t.Parallel()

	src, _ := newFileStore(t)
	if err := src.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	for _, u := range []string{"alice", "bob", "carol"} {
		if err := src.CreateUser(testUser("id-"+u, u)); err != nil {
			t.Fatalf("CreateUser(%s): %v", u, err)
		}
	}

	data, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst, dstPath := newFileStore(t)
	if err := dst.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema dst: %v", err)
	}
	if err := dst.Replace(data); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	counts, err := dst.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	if counts["users"] != 3 {
		t.Fatalf("users after replace = %d, want 3", counts["users"])
	}
	if _, err := dst.UserByUsername("bob"); err != nil {
		t.Fatalf("UserByUsername after replace: %v", err)
	}

	leftovers, _ := filepath.Glob(dstPath + ".restore-*")
	if len(leftovers) != 0 {
		t.Fatalf("temporary restore files left behind: %v", leftovers)
	}
}

func TestReplace_OntoMissingFile(t *testing.T) {
	t.Parallel()

	src, srcPath := newFileStore(t)
	if err := src.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	data, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read source file: %v", err)
	}
	if !bytes.Equal(raw, data) {
		t.Fatal("Snapshot bytes differ from file contents after checkpoint")
	}

	dst, _ := newFileStore(t)
	if err := dst.Replace(data); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !dst.Exists() {
		t.Fatal("Exists() = false after Replace")
	}
}

func TestReplace_RejectsEmptyData(t *testing.T) {
	t.Parallel()

	store, _ := newFileStore(t)
	if err := store.Replace(nil); err == nil {
		t.Fatal("expected error replacing with empty data")
	}
}

func TestReplace_InvalidDataKeepsLiveDatabase(t *testing.T) {
	t.Parallel()

	store, dbPath := newFileStore(t)
	if err := store.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	for i, name := range []string{"alice", "bob"} {
		if err := store.CreateUser(testUser(string(rune('a'+i)), name)); err != nil {
			t.Fatalf("CreateUser %s: %v", name, err)
		}
	}

	err := store.Replace([]byte("definitely not a duckdb database file"))
	if !errors.Is(err, model.ErrInvalidDatabase) {
		t.Fatalf("Replace(garbage) error = %v, want ErrInvalidDatabase", err)
	}

	counts, err := store.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts after rejected replace: %v", err)
	}
	if counts["users"] != 2 {
		t.Fatalf("users after rejected replace = %d, want 2", counts["users"])
	}
	if _, err := store.UserByUsername("bob"); err != nil {
		t.Fatalf("UserByUsername after rejected replace: %v", err)
	}

	leftovers, _ := filepath.Glob(dbPath + ".re*")
	if len(leftovers) != 0 {
		t.Fatalf("staging files left behind: %v", leftovers)
	}
}

func TestReplace_LeavesNoMovedAsideFiles(t *testing.T) {
	t.Parallel()

	src, _ := newFileStore(t)
	if err := src.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema src: %v", err)
	}
	data, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst, dstPath := newFileStore(t)
	if err := dst.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema dst: %v", err)
	}
	if err := dst.CreateUser(testUser("x", "mallory")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := dst.Replace(data); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := dst.UserByUsername("mallory"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UserByUsername(mallory) after replace = %v, want ErrNotFound", err)
	}

	aside, _ := filepath.Glob(dstPath + ".replaced-*")
	if len(aside) != 0 {
		t.Fatalf("moved-aside files left behind: %v", aside)
	}
}
