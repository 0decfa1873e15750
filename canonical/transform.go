// Package canonical turns raw object files into canonical record batches by
// interpreting declarative mappings, and drives the SCD-aware sink. There is
// no generated per-table code: the mapping document is the program.
package canonical

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/fault"
	"github.com/tributary-data/tributary/objstore"
	"github.com/tributary-data/tributary/sink"
)

// MappingSource resolves a canonical table name to its mapping document.
type MappingSource interface {
	Lookup(ctx context.Context, table string) (*config.Mapping, error)
}

// StaticMappings is a MappingSource over a fixed set, for tests and for
// deployments that ship mappings with the binary.
type StaticMappings map[string]*config.Mapping

func (s StaticMappings) Lookup(_ context.Context, table string) (*config.Mapping, error) {
	m, ok := s[table]
	if !ok {
		return nil, fault.New(fault.KindConfigurationError, "no canonical mapping for table %s", table)
	}
	return m, nil
}

// ObjectMappings loads mapping documents from the object store under
// |Prefix|/{table}.json. Mappings-as-data: adding a table is a document
// write, not a deploy.
type ObjectMappings struct {
	Store  objstore.Store
	Prefix string
}

func (o *ObjectMappings) Lookup(ctx context.Context, table string) (*config.Mapping, error) {
	var key = strings.TrimSuffix(o.Prefix, "/") + "/" + table + ".json"
	m, err := config.LoadMappingObject(ctx, o.Store, key)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfigurationError, err, "loading mapping for table %s", table)
	}
	return m, nil
}

// TransformResult reports one TransformAndLoad invocation.
type TransformResult struct {
	CanonicalKey   string
	RecordsRead    int
	RecordsSkipped int
	FilesMissing   int
	Stats          sink.Stats
}

// Transformer converts raw files into canonical batches and loads them.
type Transformer struct {
	Store    objstore.Store
	Mappings MappingSource
	Sink     sink.Store
	// Now is the time source, swappable in tests.
	Now func() time.Time
}

func (t *Transformer) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

// TransformAndLoad reads |sourceFiles|, applies the declarative mapping for
// |table|, writes the canonical Parquet object, and upserts the batch into
// the analytics store with the mapping's SCD semantics. Missing or
// unreadable source objects are skipped with a warning; a missing mapping
// fails the invocation.
func (t *Transformer) TransformAndLoad(ctx context.Context, tenantID, service, table string, sourceFiles []string) (*TransformResult, error) {
	var mapping, err = t.Mappings.Lookup(ctx, table)
	if err != nil {
		return nil, err
	}
	rules, err := mapping.Rules(service)
	if err != nil {
		return nil, err
	}

	var result = &TransformResult{}
	var ingestedAt = t.now()
	var rows []map[string]interface{}

	for _, key := range sourceFiles {
		body, err := t.Store.Get(ctx, key)
		if err != nil {
			log.WithFields(log.Fields{
				"tenant": tenantID,
				"table":  table,
				"key":    key,
				"err":    err,
			}).Warn("skipping unreadable raw object")
			result.FilesMissing++
			continue
		}
		records, err := objstore.DecodeRecords(ctx, body)
		if err != nil {
			log.WithFields(log.Fields{
				"tenant": tenantID,
				"table":  table,
				"key":    key,
				"err":    err,
			}).Warn("skipping undecodable raw object")
			result.FilesMissing++
			continue
		}
		result.RecordsRead += len(records)

		for _, raw := range records {
			row, err := applyRules(raw, rules)
			if err != nil {
				result.RecordsSkipped++
				continue
			}
			row[MetaSourceSystem] = service
			row[MetaSourceTable] = table
			row[MetaIngestionTimestamp] = ingestedAt
			row[MetaRecordHash] = RecordHash(row)
			if mapping.SCDType == config.SCDType2 {
				row[MetaEffectiveStart] = ingestedAt
				row[MetaEffectiveEnd] = nil
				row[MetaExpirationDate] = nil
				row[MetaIsCurrent] = true
				row[MetaRecordVersion] = 1
			}
			rows = append(rows, row)
		}
	}

	if len(rows) == 0 {
		log.WithFields(log.Fields{
			"tenant": tenantID,
			"table":  table,
			"files":  len(sourceFiles),
		}).Info("canonical transform produced no records, nothing to load")
		return result, nil
	}

	// Canonical object first: the sink is idempotent, so a crash between the
	// write and the load is repaired by re-invoking with the same files.
	var canonicalKey = objstore.CanonicalKey(tenantID, mapping.CanonicalTable, ingestedAt)
	encoded, err := objstore.EncodeParquet(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical parquet for %s: %w", table, err)
	}
	if err = t.Store.Put(ctx, canonicalKey, encoded); err != nil {
		return nil, fmt.Errorf("writing canonical object %s: %w", canonicalKey, err)
	}
	result.CanonicalKey = canonicalKey

	var batch = buildBatch(tenantID, mapping, rows)
	stats, err := sink.ForMapping(mapping).Apply(ctx, batch, t.Sink)
	if err != nil {
		return nil, err
	}
	result.Stats = stats

	log.WithFields(log.Fields{
		"tenant":    tenantID,
		"table":     table,
		"canonical": canonicalKey,
		"records":   len(rows),
		"inserted":  stats.Inserted,
		"updated":   stats.Updated,
		"versioned": stats.Versioned,
		"skipped":   stats.Skipped,
	}).Info("canonical transform loaded")
	return result, nil
}

// applyRules maps one raw record through the field rules and constants.
func applyRules(raw map[string]interface{}, rules config.SourceRules) (map[string]interface{}, error) {
	var row = make(map[string]interface{}, len(rules.FieldMap)+len(rules.Constants))
	for _, rule := range rules.FieldMap {
		value, ok := lookupField(raw, rule.Source)
		if !ok {
			row[rule.Canonical] = nil
			continue
		}
		coerced, err := coerce(value, rule.Coerce)
		if err != nil {
			return nil, fault.Wrap(fault.KindDataFormatError, err,
				"coercing field %s to %s", rule.Source, rule.Coerce)
		}
		row[rule.Canonical] = coerced
	}
	for key, value := range rules.Constants {
		row[key] = value
	}
	return row, nil
}

// lookupField resolves a possibly dotted path ("status.name") in the raw
// record.
func lookupField(raw map[string]interface{}, path string) (interface{}, bool) {
	if value, ok := raw[path]; ok {
		return value, true
	}
	var parts = strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cursor interface{} = raw
	for _, part := range parts {
		asMap, ok := cursor.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cursor, ok = asMap[part]; !ok {
			return nil, false
		}
	}
	return cursor, true
}

func coerce(value interface{}, to config.Coercion) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch to {
	case "", config.CoerceString:
		if to == "" {
			return value, nil
		}
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			return fmt.Sprint(v), nil
		}
	case config.CoerceInt:
		switch v := value.(type) {
		case float64:
			return int64(v), nil
		case string:
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		case int64:
			return v, nil
		}
	case config.CoerceFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case config.CoerceBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(v))
		}
	case config.CoerceTime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			return parseTime(v)
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", value, to)
}

// parseTime accepts the timestamp shapes PSA APIs actually emit.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// buildBatch lifts canonical rows into the sink's batch form, extracting
// the primary key, hash, and version column per the mapping.
func buildBatch(tenantID string, mapping *config.Mapping, rows []map[string]interface{}) sink.Batch {
	var batch = sink.Batch{
		TenantID:      tenantID,
		Table:         mapping.CanonicalTable,
		SCDType:       mapping.SCDType,
		VersionColumn: mapping.Version(),
	}
	for _, row := range rows {
		var record = sink.Record{
			ID:     stringifyID(row[mapping.ID()]),
			Hash:   row[MetaRecordHash].(string),
			Fields: row,
		}
		// The sink keys rows on string ids and filters every statement by
		// tenant; normalize the row to match.
		row[mapping.ID()] = record.ID
		row["tenant_id"] = tenantID
		if version, ok := row[mapping.Version()].(time.Time); ok {
			record.Version = version
		}
		batch.Records = append(batch.Records, record)
	}
	return batch
}

func stringifyID(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
