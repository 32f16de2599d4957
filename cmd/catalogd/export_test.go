package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/netos-community/appcatalog/internal/backup"
	"github.com/netos-community/appcatalog/internal/duckdb"
	"github.com/netos-community/appcatalog/internal/model"
)

func exportConfig(dbPath string) appConfig {
	return appConfig{
		DBPath:       dbPath,
		QueryTimeout: defaultQueryTimeout,
		LogLevel:     "error",
		LogFormat:    "json",
	}
}

func TestRunExport_WritesDecodableEnvelope(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.duckdb")

	store, err := duckdb.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := store.CreateUser(model.User{
		ID: "u1", Username: "alice", Email: "alice@example.com", PasswordHash: "hash", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := filepath.Join(dir, "exports", "catalog.json")
	if err := runExport(exportConfig(dbPath), out); err != nil {
		t.Fatalf("runExport: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	env, err := backup.UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if env.TableCounts[model.TableUsers] != 1 {
		t.Fatalf("table_counts = %v", env.TableCounts)
	}
	raw, err := backup.Decode(env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	restoredPath := filepath.Join(dir, "restored.duckdb")
	if err := os.WriteFile(restoredPath, raw, 0644); err != nil {
		t.Fatal(err)
	}
	restored, err := duckdb.NewStore(restoredPath)
	if err != nil {
		t.Fatalf("NewStore(restored): %v", err)
	}
	defer restored.Close()
	if _, err := restored.UserByUsername("alice"); err != nil {
		t.Fatalf("UserByUsername in exported copy: %v", err)
	}
}

func TestRunExport_RefusesMissingOrEmpty(t *testing.T) {
	dir := t.TempDir()

	if err := runExport(exportConfig(filepath.Join(dir, "absent.duckdb")), filepath.Join(dir, "a.json")); err == nil {
		t.Fatal("export of a missing database succeeded")
	}

	emptyPath := filepath.Join(dir, "empty.duckdb")
	store, err := duckdb.NewStore(emptyPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureSchema(); err != nil {
		t.Fatal(err)
	}
	store.Close()

	out := filepath.Join(dir, "b.json")
	if err := runExport(exportConfig(emptyPath), out); !errors.Is(err, backup.ErrEmptySnapshot) {
		t.Fatalf("export of empty database = %v, want ErrEmptySnapshot", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("export file written for empty database: %v", err)
	}
}
