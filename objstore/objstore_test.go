package objstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/fault"
)

func TestRawKeyShape(t *testing.T) {
	var ts = time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	var key = RawKey("acme", "psa", "tickets", ts, 2, 3)
	require.Equal(t,
		"acme/raw/psa/tickets/2025-01-02/2025-01-02T03:04:05.000000006Z-2-0003.parquet", key)

	// Distinct attempts and sequences never collide.
	require.NotEqual(t, key, RawKey("acme", "psa", "tickets", ts, 3, 3))
	require.NotEqual(t, key, RawKey("acme", "psa", "tickets", ts, 2, 4))
}

func TestCanonicalKeyShape(t *testing.T) {
	var ts = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t,
		"acme/canonical/fct_tickets/2025-01-02/2025-01-02T03:04:05.000000000Z.parquet",
		CanonicalKey("acme", "fct_tickets", ts))
}

func TestMemoryStore(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	exists, err := store.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, store.Put(ctx, "b", []byte("two")))
	require.NoError(t, store.Put(ctx, "a", []byte("one")))

	body, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), body)

	_, err = store.Get(ctx, "missing")
	require.Error(t, err)

	require.Equal(t, []string{"a", "b"}, store.Keys())
}

func TestParquetRoundTrip(t *testing.T) {
	var records = []map[string]interface{}{
		{"id": "t-1", "amount": 10.5, "open": true, "note": nil},
		{"id": "t-2", "amount": 11.0, "open": false, "note": "paid"},
	}
	encoded, err := EncodeParquet(records)
	require.NoError(t, err)
	require.Equal(t, parquetMagic, encoded[:4])

	decoded, err := DecodeRecords(context.Background(), encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	require.Equal(t, "t-1", decoded[0]["id"])
	require.Equal(t, 10.5, decoded[0]["amount"])
	require.Equal(t, true, decoded[0]["open"])
	_, ok := decoded[0]["note"]
	require.False(t, ok) // null survives as absent

	require.Equal(t, "t-2", decoded[1]["id"])
	require.Equal(t, "paid", decoded[1]["note"])
}

func TestEncodeParquetDemotesMixedColumns(t *testing.T) {
	var records = []map[string]interface{}{
		{"id": "1", "value": 3.5},
		{"id": "2", "value": "n/a"},
	}
	encoded, err := EncodeParquet(records)
	require.NoError(t, err)

	decoded, err := DecodeRecords(context.Background(), encoded)
	require.NoError(t, err)
	require.Equal(t, "3.5", decoded[0]["value"])
	require.Equal(t, "n/a", decoded[1]["value"])
}

func TestEncodeParquetRejectsEmpty(t *testing.T) {
	_, err := EncodeParquet(nil)
	require.Error(t, err)
}

func TestDecodeRecordsJSONFallback(t *testing.T) {
	var decoded, err = DecodeRecords(context.Background(), []byte(`[{"id": 1, "name": "a"}]`))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, float64(1), decoded[0]["id"])

	_, err = DecodeRecords(context.Background(), []byte("not a payload"))
	require.True(t, fault.Is(err, fault.KindDataFormatError))
}
