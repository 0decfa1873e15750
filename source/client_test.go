package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/fault"
)

// fastLimiter is generous enough that tests never wait on the bucket.
func fastLimiter() *Limiter { return NewLimiter(600000) }

func serveRecords(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	var server = httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func writeRecords(w http.ResponseWriter, records []map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func TestFetchPageSendsAuthAndQuery(t *testing.T) {
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "acme+api", user)
		require.Equal(t, "secret", pass)
		require.Equal(t, "client-123", r.Header.Get("clientId"))

		var q = r.URL.Query()
		require.Equal(t, "id asc", q.Get("orderBy"))
		require.Equal(t, "100", q.Get("pageSize"))
		require.Equal(t, "3", q.Get("page"))
		require.Equal(t,
			"lastUpdated >= [2025-01-01T00:00:00Z] AND lastUpdated < [2025-02-01T00:00:00Z]",
			q.Get("conditions"))

		writeRecords(w, []map[string]interface{}{{"id": float64(1)}})
	})

	var client = NewClient(server.URL, "psa", map[string]string{
		"username":  "acme+api",
		"password":  "secret",
		"client_id": "client-123",
	}, fastLimiter())

	records, err := client.FetchPage(context.Background(), PageRequest{
		Path:     "/service/tickets",
		OrderBy:  "id",
		PageSize: 100,
		Page:     3,
		Filter: &RangeFilter{
			Field: "lastUpdated",
			Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestPageFetcherWalksToEmptyPage(t *testing.T) {
	var pages = map[string][]map[string]interface{}{
		"1": {{"id": float64(1)}, {"id": float64(2)}},
		"2": {{"id": float64(3)}, {"id": float64(4)}},
		"3": {{"id": float64(5)}},
	}
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, pages[r.URL.Query().Get("page")])
	})
	var client = NewClient(server.URL, "psa", nil, fastLimiter())
	var fetcher = NewPageFetcher(client, PageRequest{Path: "/t", OrderBy: "id", PageSize: 2})

	var total int
	for {
		records, err := fetcher.Next(context.Background())
		require.NoError(t, err)
		if len(records) == 0 {
			break
		}
		total += len(records)
	}
	require.Equal(t, 5, total)

	// Cursor points at the fetch after the empty page.
	page, offset := fetcher.Cursor()
	require.Equal(t, 5, page)
	require.Zero(t, offset)
}

func TestOffsetFetcherAdvancesByRecordCount(t *testing.T) {
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "0":
			writeRecords(w, []map[string]interface{}{{"id": float64(1)}, {"id": float64(2)}, {"id": float64(3)}})
		case "3":
			writeRecords(w, []map[string]interface{}{{"id": float64(4)}})
		default:
			writeRecords(w, nil)
		}
	})
	var client = NewClient(server.URL, "psa", nil, fastLimiter())
	var fetcher = NewPageFetcher(client, PageRequest{Path: "/t", OrderBy: "id", PageSize: 3, UseOffset: true})

	records, err := fetcher.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	records, err = fetcher.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, offset := fetcher.Cursor()
	require.Equal(t, 4, offset)

	records, err = fetcher.Next(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFetcherResumesFromCursor(t *testing.T) {
	var served []string
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		served = append(served, r.URL.Query().Get("page"))
		writeRecords(w, nil)
	})
	var client = NewClient(server.URL, "psa", nil, fastLimiter())

	var fetcher = NewPageFetcher(client, PageRequest{Path: "/t", OrderBy: "id", PageSize: 2, Page: 7})
	_, err := fetcher.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"7"}, served)
}

func TestRateLimitedRequestIsReissued(t *testing.T) {
	var calls int32
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeRecords(w, []map[string]interface{}{{"id": float64(1)}})
	})
	var client = NewClient(server.URL, "psa", nil, fastLimiter())

	records, err := client.FetchPage(context.Background(), PageRequest{Path: "/t", OrderBy: "id", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestServerErrorsAreTransient(t *testing.T) {
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	var client = NewClient(server.URL, "psa", nil, fastLimiter())

	_, err := client.FetchPage(context.Background(), PageRequest{Path: "/t", OrderBy: "id", PageSize: 10})
	require.True(t, fault.Is(err, fault.KindTransientExternal))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such resource", http.StatusNotFound)
	})
	var client = NewClient(server.URL, "psa", nil, fastLimiter())

	_, err := client.FetchPage(context.Background(), PageRequest{Path: "/t", OrderBy: "id", PageSize: 10})
	require.True(t, fault.Is(err, fault.KindConfigurationError))
}

func TestMalformedResponseIsDataFormatError(t *testing.T) {
	var server = serveRecords(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not": "an array"}`)
	})
	var client = NewClient(server.URL, "psa", nil, fastLimiter())

	_, err := client.FetchPage(context.Background(), PageRequest{Path: "/t", OrderBy: "id", PageSize: 10})
	require.True(t, fault.Is(err, fault.KindDataFormatError))
}

func TestLimiterRegistrySharesBuckets(t *testing.T) {
	var registry = NewLimiterRegistry()
	var a = registry.For("psa", 60)
	var b = registry.For("psa", 6000)
	var c = registry.For("other", 60)
	require.Same(t, a, b)
	require.NotSame(t, a, c)
}
