package backup

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type staticCounter struct {
	exists bool
	counts map[string]int64
	err    error
}

func (s staticCounter) Exists() bool { return s.exists }

func (s staticCounter) TableRowCounts() (map[string]int64, error) { return s.counts, s.err }

func TestOracleInspect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		store      staticCounter
		wantEmpty  bool
		wantExists bool
	}{
		{name: "missing file", store: staticCounter{}, wantEmpty: true},
		{name: "no tables", store: staticCounter{exists: true, counts: map[string]int64{}}, wantEmpty: true, wantExists: true},
		{name: "zero rows", store: staticCounter{exists: true, counts: map[string]int64{"users": 0, "apps": 0}}, wantEmpty: true, wantExists: true},
		{name: "only unrelated rows", store: staticCounter{exists: true, counts: map[string]int64{"schema_migrations": 2}}, wantEmpty: true, wantExists: true},
		{name: "users only", store: staticCounter{exists: true, counts: map[string]int64{"users": 1, "apps": 0}}, wantExists: true},
		{name: "apps only", store: staticCounter{exists: true, counts: map[string]int64{"apps": 4}}, wantExists: true},
		{name: "unreadable", store: staticCounter{exists: true, err: errors.New("not a database")}, wantEmpty: true, wantExists: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NewOracle(tt.store, zerolog.Nop()).Inspect()
			if got.Empty != tt.wantEmpty {
				t.Fatalf("Empty = %v, want %v", got.Empty, tt.wantEmpty)
			}
			if got.Exists != tt.wantExists {
				t.Fatalf("Exists = %v, want %v", got.Exists, tt.wantExists)
			}
			if got.Counts == nil {
				t.Fatal("Counts is nil")
			}
		})
	}
}
