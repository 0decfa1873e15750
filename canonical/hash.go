package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Metadata column names attached to every canonical record. RecordHash is
// computed over business fields only, so metadata churn (a re-ingest, a new
// effective date) never changes a record's identity.
const (
	MetaSourceSystem       = "source_system"
	MetaSourceTable        = "source_table"
	MetaIngestionTimestamp = "ingestion_timestamp"
	MetaEffectiveStart     = "effective_start_date"
	MetaEffectiveEnd       = "effective_end_date"
	MetaExpirationDate     = "expiration_date"
	MetaIsCurrent          = "is_current"
	MetaRecordHash         = "record_hash"
	MetaRecordVersion      = "record_version"
)

var metadataColumns = map[string]bool{
	MetaSourceSystem:       true,
	MetaSourceTable:        true,
	MetaIngestionTimestamp: true,
	MetaEffectiveStart:     true,
	MetaEffectiveEnd:       true,
	MetaExpirationDate:     true,
	MetaIsCurrent:          true,
	MetaRecordHash:         true,
	MetaRecordVersion:      true,
}

// IsMetadata reports whether |column| is pipeline metadata rather than a
// business field.
func IsMetadata(column string) bool { return metadataColumns[column] }

// RecordHash returns the hex sha256 of the record's business fields in a
// canonical encoding: sorted keys, each value rendered deterministically.
// Two records with equal business fields always hash identically, across
// runs and processes.
func RecordHash(record map[string]interface{}) string {
	var keys []string
	for key := range record {
		if !IsMetadata(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(hashValue(record[key]))
		b.WriteByte('\x00')
	}
	var sum = sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func hashValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "\x00nil"
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		var b, err = json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
