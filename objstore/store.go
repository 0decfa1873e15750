// Package objstore is the object-store layer: raw and canonical Parquet
// objects, immutable once written, under deterministic keys. An S3
// implementation backs production; an in-memory implementation backs tests.
package objstore

import (
	"context"
	"fmt"
	"time"
)

// Store reads and writes immutable objects. Keys never collide by
// construction, so Put never overwrites live data.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RawKey builds the object key of one raw batch file:
// {tenant}/raw/{service}/{table}/{YYYY-MM-DD}/{RFC3339Nano}-{attempt}-{seq}.parquet
// The attempt number isolates re-runs of the same chunk from each other, and
// the sequence number orders batch flushes within a run.
func RawKey(tenantID, service, table string, ts time.Time, attempt, seq int) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s/raw/%s/%s/%s/%s-%d-%04d.parquet",
		tenantID, service, table,
		ts.Format("2006-01-02"),
		ts.Format("2006-01-02T15:04:05.000000000Z"),
		attempt, seq)
}

// CanonicalKey builds the object key of one canonical file:
// {tenant}/canonical/{table}/{YYYY-MM-DD}/{RFC3339Nano}.parquet
func CanonicalKey(tenantID, table string, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s/canonical/%s/%s/%s.parquet",
		tenantID, table,
		ts.Format("2006-01-02"),
		ts.Format("2006-01-02T15:04:05.000000000Z"))
}
