package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory analytics store for tests. It emulates the
// engine's collapsing merge through Merge, so tests can assert convergent
// invariants the way the real store settles them.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][]map[string]interface{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]map[string]interface{})}
}

func (m *MemoryStore) LookupCurrent(_ context.Context, q CurrentQuery) (map[string]CurrentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wanted = make(map[string]bool, len(q.IDs))
	for _, id := range q.IDs {
		wanted[id] = true
	}

	var out = make(map[string]CurrentRow)
	for _, row := range m.tables[q.Table] {
		if rowString(row, "tenant_id") != q.TenantID {
			continue
		}
		var id = rowString(row, "id")
		if !wanted[id] {
			continue
		}
		// Type-2 rows carry is_current; skip expired versions.
		if current, ok := row["is_current"].(bool); ok && !current {
			continue
		}
		var candidate = CurrentRow{
			ID:            id,
			Hash:          rowString(row, "record_hash"),
			RecordVersion: rowInt(row, "record_version"),
		}
		if version, ok := row[q.VersionColumn].(time.Time); ok {
			candidate.Version = version
		}
		if start, ok := row["effective_start_date"].(time.Time); ok {
			candidate.EffectiveStart = start
		}
		prior, ok := out[id]
		if !ok || candidate.RecordVersion > prior.RecordVersion || candidate.Version.After(prior.Version) {
			out[id] = candidate
		}
	}
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, table string, rows []map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		var cp = make(map[string]interface{}, len(row))
		for key, value := range row {
			cp[key] = value
		}
		m.tables[table] = append(m.tables[table], cp)
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, table, tenantID string, updates []FieldUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var byID = make(map[string]FieldUpdate, len(updates))
	for _, update := range updates {
		byID[update.ID] = update
	}
	for _, row := range m.tables[table] {
		if rowString(row, "tenant_id") != tenantID {
			continue
		}
		update, ok := byID[rowString(row, "id")]
		if !ok {
			continue
		}
		for key, value := range update.Fields {
			row[key] = value
		}
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, table, tenantID string, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wanted = make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, row := range m.tables[table] {
		if rowString(row, "tenant_id") != tenantID {
			continue
		}
		if !wanted[rowString(row, "id")] {
			continue
		}
		if current, ok := row["is_current"].(bool); ok && current {
			row["is_current"] = false
			row["expiration_date"] = at
		}
	}
	return nil
}

// Rows returns a copy of all rows of |table|, for assertions.
func (m *MemoryStore) Rows(table string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]interface{}
	for _, row := range m.tables[table] {
		var cp = make(map[string]interface{}, len(row))
		for key, value := range row {
			cp[key] = value
		}
		out = append(out, cp)
	}
	return out
}

// CurrentRows returns rows where is_current is true (or absent, for type-1
// tables), for assertions.
func (m *MemoryStore) CurrentRows(table string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, row := range m.Rows(table) {
		if current, ok := row["is_current"].(bool); ok && !current {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Merge emulates the engine's background collapse: for each
// (tenant_id, id), rows sharing an identical version-column value fold to
// one, keeping the last inserted. It mirrors ReplacingMergeTree keyed on
// (tenant_id, id, version).
func (m *MemoryStore) Merge(table, versionColumn string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type sortKey struct {
		tenant, id, version string
	}
	var kept = make(map[sortKey]int)
	var order []sortKey
	for i, row := range m.tables[table] {
		var key = sortKey{
			tenant:  rowString(row, "tenant_id"),
			id:      rowString(row, "id"),
			version: versionValue(row, versionColumn),
		}
		if _, ok := kept[key]; !ok {
			order = append(order, key)
		}
		kept[key] = i
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].tenant != order[j].tenant {
			return order[i].tenant < order[j].tenant
		}
		if order[i].id != order[j].id {
			return order[i].id < order[j].id
		}
		return order[i].version < order[j].version
	})

	var merged []map[string]interface{}
	for _, key := range order {
		merged = append(merged, m.tables[table][kept[key]])
	}
	m.tables[table] = merged
}

func rowString(row map[string]interface{}, column string) string {
	if value, ok := row[column].(string); ok {
		return value
	}
	return ""
}

func rowInt(row map[string]interface{}, column string) int {
	switch v := row[column].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func versionValue(row map[string]interface{}, column string) string {
	switch v := row[column].(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case int:
		return fmt.Sprintf("%012d", v)
	default:
		return rowString(row, column)
	}
}
