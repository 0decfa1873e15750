// Package source is the REST client side of ingestion: one Client per
// (tenant, service) with that tenant's credentials, page- and offset-based
// fetchers over it, and a per-service token bucket that keeps every caller
// under the service's rate ceiling.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/fault"
)

// Client issues paginated requests against one service's REST API on behalf
// of one tenant. Credentials live only as long as the owning chunk.
type Client struct {
	http    *resty.Client
	service string
	limiter *Limiter
}

// Credential map keys recognized by NewClient.
const (
	credUsername      = "username"
	credPassword      = "password"
	credAuthorization = "authorization"
	credClientID      = "client_id"
)

// NewClient builds a Client from a secret payload. Recognized credential
// shapes: username/password (basic auth), authorization (verbatim header),
// client_id (vendor header, sent alongside either).
func NewClient(baseURL, service string, creds map[string]string, limiter *Limiter) *Client {
	var http = resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(2 * time.Minute).
		// Retries are owned by the pipeline's policy, not the transport.
		SetRetryCount(0)

	if user, ok := creds[credUsername]; ok {
		http.SetBasicAuth(user, creds[credPassword])
	}
	if auth, ok := creds[credAuthorization]; ok {
		http.SetHeader("Authorization", auth)
	}
	if clientID, ok := creds[credClientID]; ok {
		http.SetHeader("clientId", clientID)
	}
	return &Client{http: http, service: service, limiter: limiter}
}

// RangeFilter is a server-side range predicate on the incremental field.
type RangeFilter struct {
	Field string
	Start time.Time
	End   time.Time
}

// PageRequest describes one page fetch.
type PageRequest struct {
	Path     string
	OrderBy  string
	Filter   *RangeFilter
	PageSize int
	// Exactly one of Page (1-based) or Offset is used, per the endpoint's
	// pagination strategy.
	Page   int
	Offset int
	// UseOffset selects offset pagination.
	UseOffset bool
}

// FetchPage fetches one page, waiting on the service token bucket first and
// honoring Retry-After on 429 responses. Rate-limit waits never count as
// attempts; a 429 is re-issued here until the deadline or a terminal error.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) ([]map[string]interface{}, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fault.Wrap(fault.KindDeadlineElapsed, err, "waiting on %s rate limit", c.service)
		}

		var started = time.Now()
		resp, err := c.issue(ctx, req)
		var elapsed = time.Since(started)

		if err != nil {
			apiRequestErrors.WithLabelValues(c.service, "network").Inc()
			return nil, fault.Wrap(fault.KindTransientExternal, err, "fetching %s page", req.Path)
		}
		apiResponseSeconds.WithLabelValues(c.service).Observe(elapsed.Seconds())

		switch {
		case resp.StatusCode() == 200:
			var records []map[string]interface{}
			if err = json.Unmarshal(resp.Body(), &records); err != nil {
				return nil, fault.Wrap(fault.KindDataFormatError, err,
					"parsing %s response (%d bytes)", req.Path, len(resp.Body()))
			}
			log.WithFields(log.Fields{
				"service":   c.service,
				"path":      req.Path,
				"records":   len(records),
				"elapsed":   elapsed,
				"sizeBytes": len(resp.Body()),
				"page":      req.Page,
				"offset":    req.Offset,
			}).Debug("fetched source page")
			return records, nil

		case resp.StatusCode() == 429:
			apiRequestErrors.WithLabelValues(c.service, "429").Inc()
			var wait = retryAfter(resp, 0)
			if wait == 0 {
				// No Retry-After; let the token bucket pace the re-issue
				// after a short jittered pause.
				wait = c.limiter.Penalty()
			}
			log.WithFields(log.Fields{
				"service": c.service,
				"path":    req.Path,
				"wait":    wait,
			}).Info("source rate limited, waiting")
			if err = sleepCtx(ctx, wait); err != nil {
				return nil, fault.Wrap(fault.KindDeadlineElapsed, err, "waiting out a 429 on %s", req.Path)
			}
			continue

		default:
			apiRequestErrors.WithLabelValues(c.service, fmt.Sprint(resp.StatusCode())).Inc()
			return nil, fault.New(fault.FromStatus(resp.StatusCode()),
				"%s returned %d: %s", req.Path, resp.StatusCode(), truncate(resp.Body(), 256))
		}
	}
}

func (c *Client) issue(ctx context.Context, req PageRequest) (*resty.Response, error) {
	var r = c.http.R().SetContext(ctx).
		SetQueryParam("orderBy", req.OrderBy+" asc").
		SetQueryParam("pageSize", strconv.Itoa(req.PageSize))

	if req.UseOffset {
		r.SetQueryParam("offset", strconv.Itoa(req.Offset))
	} else {
		r.SetQueryParam("page", strconv.Itoa(req.Page))
	}
	if f := req.Filter; f != nil {
		r.SetQueryParam("conditions", fmt.Sprintf("%s >= [%s] AND %s < [%s]",
			f.Field, f.Start.UTC().Format(time.RFC3339),
			f.Field, f.End.UTC().Format(time.RFC3339)))
	}
	return r.Get(req.Path)
}

// retryAfter parses the Retry-After header in seconds, or returns |fallback|.
func retryAfter(resp *resty.Response, fallback time.Duration) time.Duration {
	var header = resp.Header().Get("Retry-After")
	if header == "" {
		return fallback
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
