// Package pipeline is the orchestration engine: a job fans out over tenants,
// a tenant over its tables, a table over date chunks. Each level journals its
// progress so a killed process resumes instead of restarting, and failures
// are contained at the level that produced them.
package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/canonical"
	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/journal"
	"github.com/tributary-data/tributary/objstore"
	"github.com/tributary-data/tributary/secrets"
	"github.com/tributary-data/tributary/source"
)

// Settings are the tunables of the engine. Zero values take defaults, so a
// literal Settings{} behaves like DefaultSettings().
type Settings struct {
	// Fan-out limits at each orchestration level.
	TenantFanout int
	TableFanout  int
	ChunkFanout  int

	// Batch buffer flush thresholds of the chunk processor.
	BatchFlushRecords int
	BatchFlushBytes   int64

	// ChunkBudget bounds one chunk invocation; DeadlineMargin is how close to
	// the deadline the processor suspends rather than starting another page.
	ChunkBudget    time.Duration
	DeadlineMargin time.Duration

	// Retry policy for transient chunk failures.
	RetryAttempts int
	RetryBase     time.Duration
	RetryFactor   float64

	// SkipTolerance is the fraction of unparseable records a chunk absorbs
	// before failing with a data-format error.
	SkipTolerance float64

	// StaleJobAge is how long a job may sit without progress before the
	// supervisor sweep marks it failed.
	StaleJobAge time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		TenantFanout:      10,
		TableFanout:       4,
		ChunkFanout:       3,
		BatchFlushRecords: 5000,
		BatchFlushBytes:   50 << 20,
		ChunkBudget:       10 * time.Minute,
		DeadlineMargin:    60 * time.Second,
		RetryAttempts:     3,
		RetryBase:         15 * time.Second,
		RetryFactor:       2.0,
		SkipTolerance:     0.05,
		StaleJobAge:       6 * time.Hour,
	}
}

func (s Settings) withDefaults() Settings {
	var d = DefaultSettings()
	if s.TenantFanout <= 0 {
		s.TenantFanout = d.TenantFanout
	}
	if s.TableFanout <= 0 {
		s.TableFanout = d.TableFanout
	}
	if s.ChunkFanout <= 0 {
		s.ChunkFanout = d.ChunkFanout
	}
	if s.BatchFlushRecords <= 0 {
		s.BatchFlushRecords = d.BatchFlushRecords
	}
	if s.BatchFlushBytes <= 0 {
		s.BatchFlushBytes = d.BatchFlushBytes
	}
	if s.ChunkBudget <= 0 {
		s.ChunkBudget = d.ChunkBudget
	}
	if s.DeadlineMargin <= 0 {
		s.DeadlineMargin = d.DeadlineMargin
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = d.RetryAttempts
	}
	if s.RetryBase <= 0 {
		s.RetryBase = d.RetryBase
	}
	if s.RetryFactor <= 0 {
		s.RetryFactor = d.RetryFactor
	}
	if s.SkipTolerance <= 0 {
		s.SkipTolerance = d.SkipTolerance
	}
	if s.StaleJobAge <= 0 {
		s.StaleJobAge = d.StaleJobAge
	}
	return s
}

// Pipeline wires the engine to its stores and clients. All fields but
// Settings, Notifier and Now are required.
type Pipeline struct {
	Settings Settings

	Jobs       journal.Jobs
	Chunks     journal.Chunks
	Watermarks journal.Watermarks
	Tenants    journal.Tenants

	Store   objstore.Store
	Secrets secrets.Provider

	// Catalog maps service name to its endpoint catalog.
	Catalog  map[string]*config.ServiceConfig
	Limiters *source.LimiterRegistry

	Transformer *canonical.Transformer

	// Notifier receives the completion notification; nil means log-only.
	Notifier Notifier

	// Now is the time source, swappable in tests.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Pipeline) settings() Settings { return p.Settings.withDefaults() }

// Request describes one pipeline invocation.
type Request struct {
	// TenantID selects single-tenant mode; empty runs every enabled tenant.
	TenantID string
	// TableName restricts the run to one table across its services.
	TableName string
	// ForceFullSync ignores watermarks and re-syncs the lookback window.
	ForceFullSync bool
	// Backfill bounds the run to an explicit date range.
	Backfill *journal.DateRange
	// ChunkSizeOverride overrides the chunk width in days for this run.
	ChunkSizeOverride int
	// Priority is carried through to notifications; it does not reorder work.
	Priority int
}

// Notifier receives the terminal status of a job. Implementations publish to
// whatever channel the deployment uses; errors are logged, never fatal.
type Notifier interface {
	Notify(ctx context.Context, job *journal.ProcessingJob, outcomes []*TenantOutcome) error
}

// LogNotifier writes the completion notification as a structured log line.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(_ context.Context, job *journal.ProcessingJob, outcomes []*TenantOutcome) error {
	var tables, transforms int
	for _, outcome := range outcomes {
		tables += len(outcome.Tables)
		for _, table := range outcome.Tables {
			if table.Transform != nil {
				transforms++
			}
		}
	}
	log.WithFields(log.Fields{
		"job":        job.JobID,
		"status":     job.Status,
		"mode":       job.Mode,
		"tenants":    job.TenantsTotal,
		"succeeded":  job.TenantsSucceeded,
		"failed":     job.TenantsFailed,
		"records":    job.RecordsProcessed,
		"tables":     tables,
		"transforms": transforms,
	}).Info("pipeline job finished")
	return nil
}

// TenantOutcome is the result of one tenant's run within a job.
type TenantOutcome struct {
	TenantID string
	Tables   []*TableOutcome
	// Err is set when the tenant failed before table fan-out.
	Err error
}

// Records sums records processed across the tenant's tables.
func (o *TenantOutcome) Records() int64 {
	var n int64
	for _, table := range o.Tables {
		n += table.Records
	}
	return n
}

// Failed reports whether the tenant counts against the job rollup.
func (o *TenantOutcome) Failed() bool {
	if o.Err != nil {
		return true
	}
	for _, table := range o.Tables {
		if table.Err != nil {
			return true
		}
	}
	return false
}

// TableOutcome is the result of one (service, table) run within a tenant.
type TableOutcome struct {
	Service   string
	TableName string

	ChunksTotal     int
	ChunksCompleted int
	ChunksFailed    int
	ChunksTimedOut  int
	Records         int64

	// Files is the union of raw objects written by completed chunks, the
	// input set of the canonical transform.
	Files []string

	// WatermarkAdvanced is set when every chunk completed and the table's
	// watermark moved to the new high-water mark.
	WatermarkAdvanced bool
	Watermark         time.Time

	Transform *canonical.TransformResult

	// Err is the first chunk or transform failure of the table.
	Err error
}
