package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/fault"
)

var (
	monday  = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	tuesday = monday.AddDate(0, 0, 1)
)

func type1Record(id string, updated time.Time, status string) Record {
	return Record{
		ID:      id,
		Version: updated,
		Fields: map[string]interface{}{
			"tenant_id":     "acme",
			"id":            id,
			"status":        status,
			"last_updated":  updated,
			"source_system": "psa",
		},
	}
}

func type1Batch(records ...Record) Batch {
	return Batch{
		TenantID:      "acme",
		Table:         "fct_tickets",
		SCDType:       config.SCDType1,
		VersionColumn: "last_updated",
		Records:       records,
	}
}

func TestType1InsertUpdateSkip(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	// First load: both rows are new.
	stats, err := Type1{}.Apply(ctx, type1Batch(
		type1Record("t-1", monday, "open"),
		type1Record("t-2", monday, "open"),
	), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Inserted: 2}, stats)
	require.Len(t, store.Rows("fct_tickets"), 2)

	// Same versions again: skipped, no growth.
	stats, err = Type1{}.Apply(ctx, type1Batch(
		type1Record("t-1", monday, "open"),
		type1Record("t-2", monday, "open"),
	), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Skipped: 2}, stats)
	require.Len(t, store.Rows("fct_tickets"), 2)

	// One newer version: updated in place, exactly one row per id remains.
	stats, err = Type1{}.Apply(ctx, type1Batch(
		type1Record("t-1", tuesday, "closed"),
		type1Record("t-2", monday, "open"),
	), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Updated: 1, Skipped: 1}, stats)

	var rows = store.Rows("fct_tickets")
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row["id"] == "t-1" {
			require.Equal(t, "closed", row["status"])
			require.Equal(t, tuesday, row["last_updated"])
		}
	}
}

func TestType1CollapsesDuplicateIDsWithinBatch(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	stats, err := Type1{}.Apply(ctx, type1Batch(
		type1Record("t-1", monday, "open"),
		type1Record("t-1", tuesday, "closed"),
	), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Inserted: 1, Skipped: 1}, stats)

	var rows = store.Rows("fct_tickets")
	require.Len(t, rows, 1)
	require.Equal(t, "closed", rows[0]["status"])
}

func type2Record(id, name, hash string) Record {
	return Record{
		ID:   id,
		Hash: hash,
		Fields: map[string]interface{}{
			"tenant_id":   "acme",
			"id":          id,
			"name":        name,
			"record_hash": hash,
		},
	}
}

func type2Batch(records ...Record) Batch {
	return Batch{
		TenantID:      "acme",
		Table:         "dim_companies",
		SCDType:       config.SCDType2,
		VersionColumn: "last_updated",
		Records:       records,
	}
}

func TestType2VersioningLifecycle(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	stats, err := Type2{}.Apply(ctx, type2Batch(type2Record("c-1", "Acme Corp", "h1")), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Inserted: 1}, stats)

	var rows = store.Rows("dim_companies")
	require.Len(t, rows, 1)
	require.Equal(t, 1, rows[0]["record_version"])
	require.Equal(t, true, rows[0]["is_current"])
	require.Nil(t, rows[0]["expiration_date"])

	// Unchanged hash: a pure skip, even across reloads.
	stats, err = Type2{}.Apply(ctx, type2Batch(type2Record("c-1", "Acme Corp", "h1")), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Skipped: 1}, stats)
	require.Len(t, store.Rows("dim_companies"), 1)

	// Changed hash: prior row expires, successor inserts at version 2.
	stats, err = Type2{}.Apply(ctx, type2Batch(type2Record("c-1", "Acme Corporation", "h2")), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Versioned: 1}, stats)

	rows = store.Rows("dim_companies")
	require.Len(t, rows, 2)

	var current = store.CurrentRows("dim_companies")
	require.Len(t, current, 1)
	require.Equal(t, "Acme Corporation", current[0]["name"])
	require.Equal(t, 2, current[0]["record_version"])

	for _, row := range rows {
		if row["record_version"] == 1 {
			require.Equal(t, false, row["is_current"])
			require.NotNil(t, row["expiration_date"])
		}
	}
}

func TestType2DuplicateIDsLastWriteWins(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	stats, err := Type2{}.Apply(ctx, type2Batch(
		type2Record("c-1", "Acme", "h1"),
		type2Record("c-1", "Acme Corp", "h2"),
	), store)
	require.NoError(t, err)
	require.Equal(t, Stats{Inserted: 1, Skipped: 1}, stats)

	var current = store.CurrentRows("dim_companies")
	require.Len(t, current, 1)
	require.Equal(t, "Acme Corp", current[0]["name"])
}

// conflictStore injects sink conflicts into the first |failures| inserts.
type conflictStore struct {
	*MemoryStore
	failures int
}

func (s *conflictStore) Insert(ctx context.Context, table string, rows []map[string]interface{}) error {
	if s.failures > 0 {
		s.failures--
		return fault.New(fault.KindSinkConflict, "mutation collided on %s", table)
	}
	return s.MemoryStore.Insert(ctx, table, rows)
}

func TestSinkConflictRetriesOnce(t *testing.T) {
	var ctx = context.Background()

	var store = &conflictStore{MemoryStore: NewMemoryStore(), failures: 1}
	stats, err := Type1{}.Apply(ctx, type1Batch(type1Record("t-1", monday, "open")), store)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Inserted)

	// A conflict on both attempts escalates to the transient policy.
	store = &conflictStore{MemoryStore: NewMemoryStore(), failures: 2}
	_, err = Type1{}.Apply(ctx, type1Batch(type1Record("t-1", monday, "open")), store)
	require.True(t, fault.Is(err, fault.KindTransientExternal))
}

func TestMemoryStoreMergeCollapsesDuplicates(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	// Two loads of the same logical row, as a crashed-and-repeated load
	// would produce before the engine's background merge.
	var row = type1Record("t-1", monday, "open").Fields
	require.NoError(t, store.Insert(ctx, "fct_tickets", []map[string]interface{}{row}))
	require.NoError(t, store.Insert(ctx, "fct_tickets", []map[string]interface{}{row}))
	require.Len(t, store.Rows("fct_tickets"), 2)

	store.Merge("fct_tickets", "last_updated")
	require.Len(t, store.Rows("fct_tickets"), 1)
}
