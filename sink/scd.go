// Package sink upserts canonical record batches into the analytics store
// with SCD-correct semantics. The store's table engine collapses duplicate
// sort keys on background merges, so the application-level dedup here is a
// fast path rather than the only line of defense: repeated loads of the
// same raw files converge to the same row set either way.
package sink

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/fault"
)

// Record is one canonical record prepared for the sink.
type Record struct {
	ID string
	// Hash is the record_hash over business fields.
	Hash string
	// Version is the parsed value of the version column, zero when the
	// source doesn't carry one.
	Version time.Time
	// Fields is the full canonical row, metadata included.
	Fields map[string]interface{}
}

// Batch is the unit the sink processes atomically per record id.
type Batch struct {
	TenantID      string
	Table         string
	SCDType       config.SCDType
	VersionColumn string
	Records       []Record
}

// Stats counts sink effects. Updated is type-1 only; Versioned is type-2
// only.
type Stats struct {
	Inserted  int
	Updated   int
	Versioned int
	Skipped   int
}

func (s Stats) add(other Stats) Stats {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Versioned += other.Versioned
	s.Skipped += other.Skipped
	return s
}

// CurrentRow is the store's view of the live row for one id.
type CurrentRow struct {
	ID string
	// Version is the version-column value (type-1 comparisons).
	Version time.Time
	// Hash and RecordVersion describe the current type-2 row.
	Hash           string
	RecordVersion  int
	EffectiveStart time.Time
}

// CurrentQuery parameterizes a LookupCurrent call.
type CurrentQuery struct {
	Table         string
	TenantID      string
	SCDType       config.SCDType
	VersionColumn string
	IDs           []string
}

// FieldUpdate mutates the business columns of one existing row in place
// (type-1 semantics).
type FieldUpdate struct {
	ID     string
	Fields map[string]interface{}
}

// Store is the analytics-store surface the SCD strategies run against.
type Store interface {
	// LookupCurrent batch-reads the live row per id: the row itself for
	// type-1 tables, the is_current row for type-2 tables.
	LookupCurrent(ctx context.Context, q CurrentQuery) (map[string]CurrentRow, error)
	// Insert appends rows. Rows of one call share an identical column set.
	Insert(ctx context.Context, table string, rows []map[string]interface{}) error
	// Update rewrites business columns of existing rows (type-1).
	Update(ctx context.Context, table, tenantID string, updates []FieldUpdate) error
	// Expire flips is_current and stamps expiration_date on the current
	// rows of |ids| (type-2).
	Expire(ctx context.Context, table, tenantID string, ids []string, at time.Time) error
}

// SCD is the tagged strategy selected by a mapping's scd_type.
type SCD interface {
	Apply(ctx context.Context, batch Batch, store Store) (Stats, error)
}

// ForMapping returns the SCD strategy of |mapping|.
func ForMapping(mapping *config.Mapping) SCD {
	if mapping.SCDType == config.SCDType2 {
		return Type2{}
	}
	return Type1{}
}

// Type1 is overwrite semantics: newer versions update the row in place,
// older or equal versions are skipped.
type Type1 struct{}

// Type2 is versioning semantics: a changed record expires the current row
// and inserts a successor with an incremented record_version.
type Type2 struct{}

func (Type1) Apply(ctx context.Context, batch Batch, store Store) (Stats, error) {
	return applyWithConflictRetry(ctx, batch, store, applyType1)
}

func (Type2) Apply(ctx context.Context, batch Batch, store Store) (Stats, error) {
	return applyWithConflictRetry(ctx, batch, store, applyType2)
}

// applyWithConflictRetry retries a sink conflict exactly once, then
// escalates it to the transient policy of the caller.
func applyWithConflictRetry(ctx context.Context, batch Batch, store Store,
	apply func(context.Context, Batch, Store) (Stats, error)) (Stats, error) {

	stats, err := apply(ctx, batch, store)
	if err != nil && fault.KindOf(err) == fault.KindSinkConflict {
		log.WithFields(log.Fields{
			"tenant": batch.TenantID,
			"table":  batch.Table,
		}).Warn("sink conflict, retrying once")
		stats, err = apply(ctx, batch, store)
		if err != nil && fault.KindOf(err) == fault.KindSinkConflict {
			return stats, fault.Wrap(fault.KindTransientExternal, err,
				"sink conflict persisted across retry on %s", batch.Table)
		}
	}
	return stats, err
}

func applyType1(ctx context.Context, batch Batch, store Store) (Stats, error) {
	var stats Stats

	// Collapse the batch to one record per id, keeping the newest version.
	// Later loads of the same raw files then classify as SKIP.
	var byID = make(map[string]Record, len(batch.Records))
	var ids []string
	for _, record := range batch.Records {
		prior, ok := byID[record.ID]
		if ok && !record.Version.After(prior.Version) {
			stats.Skipped++
			continue
		}
		if !ok {
			ids = append(ids, record.ID)
		} else {
			stats.Skipped++
		}
		byID[record.ID] = record
	}
	sort.Strings(ids)

	existing, err := store.LookupCurrent(ctx, CurrentQuery{
		Table:         batch.Table,
		TenantID:      batch.TenantID,
		SCDType:       config.SCDType1,
		VersionColumn: batch.VersionColumn,
		IDs:           ids,
	})
	if err != nil {
		return stats, err
	}

	var inserts []map[string]interface{}
	var updates []FieldUpdate
	for _, id := range ids {
		var record = byID[id]
		current, ok := existing[id]
		switch {
		case !ok:
			inserts = append(inserts, record.Fields)
		case record.Version.After(current.Version):
			updates = append(updates, FieldUpdate{ID: id, Fields: businessFields(record.Fields)})
		default:
			stats.Skipped++
		}
	}

	if len(inserts) > 0 {
		if err = store.Insert(ctx, batch.Table, inserts); err != nil {
			return stats, err
		}
		stats.Inserted = len(inserts)
	}
	if len(updates) > 0 {
		if err = store.Update(ctx, batch.Table, batch.TenantID, updates); err != nil {
			return stats, err
		}
		stats.Updated = len(updates)
	}
	return stats, nil
}

func applyType2(ctx context.Context, batch Batch, store Store) (Stats, error) {
	var stats Stats
	var now = time.Now().UTC()

	var byID = make(map[string]Record, len(batch.Records))
	var ids []string
	for _, record := range batch.Records {
		if _, ok := byID[record.ID]; ok {
			// Same id twice in one batch: last write wins within the batch,
			// the earlier one never becomes a version.
			stats.Skipped++
		} else {
			ids = append(ids, record.ID)
		}
		byID[record.ID] = record
	}
	sort.Strings(ids)

	existing, err := store.LookupCurrent(ctx, CurrentQuery{
		Table:         batch.Table,
		TenantID:      batch.TenantID,
		SCDType:       config.SCDType2,
		VersionColumn: batch.VersionColumn,
		IDs:           ids,
	})
	if err != nil {
		return stats, err
	}

	var expire []string
	var inserts []map[string]interface{}
	for _, id := range ids {
		var record = byID[id]
		current, ok := existing[id]
		if !ok {
			var row = withVersioning(record.Fields, 1, now)
			inserts = append(inserts, row)
			stats.Inserted++
			continue
		}
		if current.Hash == record.Hash {
			stats.Skipped++
			continue
		}
		expire = append(expire, id)
		var row = withVersioning(record.Fields, current.RecordVersion+1, now)
		inserts = append(inserts, row)
		stats.Versioned++
	}

	// Best effort at one logical step: expire immediately before insert.
	// A crash between the two leaves a transient row set that the engine's
	// collapsing merge repairs; readers filter is_current anyway.
	if len(expire) > 0 {
		if err = store.Expire(ctx, batch.Table, batch.TenantID, expire, now); err != nil {
			return stats, err
		}
	}
	if len(inserts) > 0 {
		if err = store.Insert(ctx, batch.Table, inserts); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// withVersioning stamps type-2 versioning metadata onto a copy of the row.
func withVersioning(fields map[string]interface{}, version int, start time.Time) map[string]interface{} {
	var row = make(map[string]interface{}, len(fields))
	for key, value := range fields {
		row[key] = value
	}
	row["record_version"] = version
	row["effective_start_date"] = start
	row["effective_end_date"] = nil
	row["expiration_date"] = nil
	row["is_current"] = true
	return row
}

// businessFields strips metadata columns from a row, leaving what a type-1
// update may mutate.
func businessFields(fields map[string]interface{}) map[string]interface{} {
	var out = make(map[string]interface{}, len(fields))
	for key, value := range fields {
		if !isMetaColumn(key) {
			out[key] = value
		}
	}
	return out
}

var metaColumns = map[string]bool{
	"source_system":        true,
	"source_table":         true,
	"ingestion_timestamp":  true,
	"effective_start_date": true,
	"effective_end_date":   true,
	"expiration_date":      true,
	"is_current":           true,
	"record_hash":          true,
	"record_version":       true,
}

func isMetaColumn(column string) bool { return metaColumns[column] }
