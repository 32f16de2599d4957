package backup

import (
	"github.com/rs/zerolog"

	"github.com/netos-community/appcatalog/internal/model"
)

// RowCounter is the part of the local store the emptiness check reads.
type RowCounter interface {
	Exists() bool
	TableRowCounts() (map[string]int64, error)
}

// Inspection is the classified state of the local store.
type Inspection struct {
	Exists bool
	Empty  bool
	Counts map[string]int64
}

// Oracle classifies the local store as empty or populated.
type Oracle struct {
	store  RowCounter
	tables []string
	log    zerolog.Logger
}

// NewOracle returns an oracle over the canonical catalog tables.
func NewOracle(store RowCounter, log zerolog.Logger) *Oracle {
	return &Oracle{store: store, tables: model.CanonicalTables, log: log}
}

// Inspect reports existence, emptiness and row counts.
//
// The store is empty when the file does not exist, none of the canonical
// tables exist, or all of them have zero rows. A store that cannot be read is
// treated as empty and reported at warn level.
func (o *Oracle) Inspect() Inspection {
	if !o.store.Exists() {
		return Inspection{Empty: true, Counts: map[string]int64{}}
	}

	counts, err := o.store.TableRowCounts()
	if err != nil {
		o.log.Warn().Err(err).Msg("local store unreadable, treating as empty")
		return Inspection{Exists: true, Empty: true, Counts: map[string]int64{}}
	}

	var total int64
	for _, table := range o.tables {
		total += counts[table]
	}
	return Inspection{Exists: true, Empty: total == 0, Counts: counts}
}

// IsEmpty reports whether the local store holds no catalog data.
func (o *Oracle) IsEmpty() bool {
	return o.Inspect().Empty
}
