// Package journal is the durable key-value record of pipeline progress:
// processing jobs, per-chunk progress, tenant-service watermarks, and the
// tenant-service registry. Each row has a single owner at a time; writes
// use conditional updates rather than locks.
package journal

import (
	"context"
	"strconv"
	"time"
)

// JobStatus is the lifecycle state of a ProcessingJob.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobRunning        JobStatus = "running"
	JobCompleted      JobStatus = "completed"
	JobPartialSuccess JobStatus = "partial_success"
	JobFailed         JobStatus = "failed"
)

// ChunkStatus is the lifecycle state of a chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
	ChunkTimedOut   ChunkStatus = "timed_out"
)

// Terminal reports whether a chunk state is terminal for this pipeline run.
// timed_out is terminal only until resumption re-enters in_progress.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed || s == ChunkTimedOut
}

// PipelineMode distinguishes single-tenant from multi-tenant runs.
type PipelineMode string

const (
	ModeSingleTenant PipelineMode = "single-tenant"
	ModeMultiTenant  PipelineMode = "multi-tenant"
)

// DateRange bounds a backfill run.
type DateRange struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	ChunkDays int       `json:"chunk_days,omitempty"`
}

// ProcessingJob is the journaled record of one pipeline invocation.
type ProcessingJob struct {
	JobID         string       `json:"job_id"`
	Mode          PipelineMode `json:"mode"`
	Status        JobStatus    `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ForceFullSync bool         `json:"force_full_sync"`
	Backfill      *DateRange   `json:"backfill_date_range,omitempty"`

	TenantsTotal     int   `json:"tenants_total"`
	TenantsSucceeded int   `json:"tenants_succeeded"`
	TenantsFailed    int   `json:"tenants_failed"`
	RecordsProcessed int64 `json:"records_processed"`

	// Version guards conditional rollup updates.
	Version int64 `json:"version"`
}

// ChunkBounds are the bounds of one chunk, in exactly one of three forms:
// a watermark range for incremental sync, a date range for backfill, or
// open (all zero values) for unbounded master data.
type ChunkBounds struct {
	StartWatermark time.Time `json:"start_watermark,omitempty"`
	EndWatermark   time.Time `json:"end_watermark,omitempty"`
	Open           bool      `json:"open,omitempty"`
}

// ChunkProgress is the journaled record of one chunk of one table run.
type ChunkProgress struct {
	JobID     string      `json:"job_id"`
	ChunkID   string      `json:"chunk_id"`
	TenantID  string      `json:"tenant_id"`
	Service   string      `json:"service"`
	TableName string      `json:"table_name"`
	Bounds    ChunkBounds `json:"bounds"`
	Status    ChunkStatus `json:"status"`

	RecordsProcessed int64 `json:"records_processed"`
	PagesFetched     int   `json:"pages_fetched"`
	LastPage         int   `json:"last_page"`
	LastOffset       int   `json:"last_offset"`

	// MaxIncremental is the highest incremental-field value observed by the
	// chunk. The table processor advances the watermark to the maximum of
	// these, so the watermark reflects data actually seen rather than the
	// nominal upper bound of the chunk.
	MaxIncremental time.Time `json:"max_incremental,omitempty"`

	// S3FilesWritten is append-only for the chunk's lifetime.
	S3FilesWritten []string `json:"s3_files_written"`

	Attempt       int       `json:"attempt"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Jobs journals ProcessingJob rows, owned by the orchestrator.
type Jobs interface {
	Create(ctx context.Context, job *ProcessingJob) error
	Get(ctx context.Context, jobID string) (*ProcessingJob, error)
	SetStatus(ctx context.Context, jobID string, status JobStatus) error
	// UpdateRollup applies a version-guarded conditional update of the
	// rollup counters. It retries internally on version conflicts.
	UpdateRollup(ctx context.Context, jobID string, apply func(*ProcessingJob)) error
	// ListStale returns running or pending jobs whose updated_at hasn't
	// moved for at least |age|.
	ListStale(ctx context.Context, age time.Duration, now time.Time) ([]*ProcessingJob, error)
}

// Chunks journals ChunkProgress rows, each owned by its chunk processor.
type Chunks interface {
	Put(ctx context.Context, progress *ChunkProgress) error
	Get(ctx context.Context, jobID, chunkID string) (*ChunkProgress, error)
	Update(ctx context.Context, progress *ChunkProgress) error
	ListByJob(ctx context.Context, jobID string) ([]*ChunkProgress, error)
}

// Watermarks is the LastUpdated table: the highest incremental-field value
// durably synced per (tenant, service, table). Advanced only by the table
// processor, only when every chunk of the table completed.
type Watermarks interface {
	Get(ctx context.Context, tenantID, service, table string) (time.Time, bool, error)
	Set(ctx context.Context, tenantID, service, table string, watermark time.Time) error
}

// Tenants is the TenantServices registry, read-only from the pipeline.
type Tenants interface {
	Get(ctx context.Context, tenantID string) (*TenantRecord, error)
	// ListEnabled returns every tenant with at least one enabled service.
	ListEnabled(ctx context.Context) ([]*TenantRecord, error)
}

// TenantRecord is one row of the TenantServices registry, already folded
// across that tenant's services.
type TenantRecord struct {
	TenantID string                   `json:"tenant_id"`
	Services map[string]TenantService `json:"services"`
}

// TenantService mirrors config.TenantService at the journal layer.
type TenantService struct {
	Enabled              bool              `json:"enabled"`
	CredentialsSecretRef string            `json:"credentials_secret_ref"`
	Extras               map[string]string `json:"extras,omitempty"`
}

// ExtraInt reads an integer override from the Extras map, returning
// |fallback| when the key is absent or its value malformed.
func (s TenantService) ExtraInt(key string, fallback int) int {
	raw, ok := s.Extras[key]
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// ServiceTableKey is the LastUpdated sort key form: "{service}#{table}".
func ServiceTableKey(service, table string) string {
	return service + "#" + table
}
