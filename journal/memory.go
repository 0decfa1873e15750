package journal

import (
	"context"
	"sync"
	"time"

	"github.com/tributary-data/tributary/fault"
)

// MemoryJournal is an in-memory implementation of every journal interface,
// used by tests and local development.
type MemoryJournal struct {
	mu         sync.Mutex
	jobs       map[string]*ProcessingJob
	chunks     map[string]map[string]*ChunkProgress // jobID -> chunkID
	watermarks map[string]time.Time                 // tenant/service#table
	tenants    map[string]*TenantRecord
}

// NewMemoryJournal returns an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		jobs:       make(map[string]*ProcessingJob),
		chunks:     make(map[string]map[string]*ChunkProgress),
		watermarks: make(map[string]time.Time),
		tenants:    make(map[string]*TenantRecord),
	}
}

// MemoryJournal satisfies Jobs directly; the Chunks, Watermarks, and
// Tenants interfaces each declare their own Get, so those are reached
// through the *View adapters below.
var (
	_ Jobs       = (*MemoryJournal)(nil)
	_ Chunks     = chunksView{}
	_ Watermarks = watermarksView{}
	_ Tenants    = tenantsView{}
)

func (m *MemoryJournal) Create(_ context.Context, job *ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return fault.New(fault.KindInvalidRequest, "job %s already exists", job.JobID)
	}
	var cp = *job
	m.jobs[job.JobID] = &cp
	return nil
}

func (m *MemoryJournal) Get(_ context.Context, jobID string) (*ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown job %s", jobID)
	}
	var cp = *job
	return &cp, nil
}

func (m *MemoryJournal) SetStatus(_ context.Context, jobID string, status JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fault.New(fault.KindInvalidRequest, "unknown job %s", jobID)
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	job.Version++
	return nil
}

func (m *MemoryJournal) UpdateRollup(_ context.Context, jobID string, apply func(*ProcessingJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fault.New(fault.KindInvalidRequest, "unknown job %s", jobID)
	}
	apply(job)
	job.UpdatedAt = time.Now().UTC()
	job.Version++
	return nil
}

func (m *MemoryJournal) ListStale(_ context.Context, age time.Duration, now time.Time) ([]*ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcessingJob
	for _, job := range m.jobs {
		if (job.Status == JobRunning || job.Status == JobPending) && now.Sub(job.UpdatedAt) >= age {
			var cp = *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryJournal) Put(_ context.Context, progress *ChunkProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byChunk, ok := m.chunks[progress.JobID]
	if !ok {
		byChunk = make(map[string]*ChunkProgress)
		m.chunks[progress.JobID] = byChunk
	}
	var cp = cloneChunk(progress)
	byChunk[progress.ChunkID] = cp
	return nil
}

func (m *MemoryJournal) GetChunk(ctx context.Context, jobID, chunkID string) (*ChunkProgress, error) {
	return m.getChunk(jobID, chunkID)
}

func (m *MemoryJournal) getChunk(jobID, chunkID string) (*ChunkProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byChunk, ok := m.chunks[jobID]
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown job %s", jobID)
	}
	progress, ok := byChunk[chunkID]
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown chunk %s of job %s", chunkID, jobID)
	}
	return cloneChunk(progress), nil
}

func (m *MemoryJournal) Update(_ context.Context, progress *ChunkProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byChunk, ok := m.chunks[progress.JobID]
	if !ok {
		return fault.New(fault.KindInvalidRequest, "unknown job %s", progress.JobID)
	}
	if _, ok = byChunk[progress.ChunkID]; !ok {
		return fault.New(fault.KindInvalidRequest, "unknown chunk %s", progress.ChunkID)
	}
	byChunk[progress.ChunkID] = cloneChunk(progress)
	return nil
}

func (m *MemoryJournal) ListByJob(_ context.Context, jobID string) ([]*ChunkProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ChunkProgress
	for _, progress := range m.chunks[jobID] {
		out = append(out, cloneChunk(progress))
	}
	return out, nil
}

// Chunks.Get disambiguated from Jobs.Get by a wrapper type would be noise;
// MemoryJournal satisfies Chunks through chunksView.
type chunksView struct{ *MemoryJournal }

func (v chunksView) Get(ctx context.Context, jobID, chunkID string) (*ChunkProgress, error) {
	return v.MemoryJournal.getChunk(jobID, chunkID)
}

// ChunksView adapts the MemoryJournal to the Chunks interface.
func (m *MemoryJournal) ChunksView() Chunks { return chunksView{m} }

func (m *MemoryJournal) GetWatermark(ctx context.Context, tenantID, service, table string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.watermarks[tenantID+"/"+ServiceTableKey(service, table)]
	return wm, ok, nil
}

func (m *MemoryJournal) Set(_ context.Context, tenantID, service, table string, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[tenantID+"/"+ServiceTableKey(service, table)] = watermark
	return nil
}

type watermarksView struct{ *MemoryJournal }

func (v watermarksView) Get(ctx context.Context, tenantID, service, table string) (time.Time, bool, error) {
	return v.MemoryJournal.GetWatermark(ctx, tenantID, service, table)
}

// WatermarksView adapts the MemoryJournal to the Watermarks interface.
func (m *MemoryJournal) WatermarksView() Watermarks { return watermarksView{m} }

// PutTenant registers a tenant record, for test setup and the file-backed
// registry.
func (m *MemoryJournal) PutTenant(record *TenantRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[record.TenantID] = record
}

func (m *MemoryJournal) GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.tenants[tenantID]
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown tenant %s", tenantID)
	}
	return record, nil
}

func (m *MemoryJournal) ListEnabled(_ context.Context) ([]*TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TenantRecord
	for _, record := range m.tenants {
		for _, svc := range record.Services {
			if svc.Enabled {
				out = append(out, record)
				break
			}
		}
	}
	return out, nil
}

type tenantsView struct{ *MemoryJournal }

func (v tenantsView) Get(ctx context.Context, tenantID string) (*TenantRecord, error) {
	return v.MemoryJournal.GetTenant(ctx, tenantID)
}

// TenantsView adapts the MemoryJournal to the Tenants interface.
func (m *MemoryJournal) TenantsView() Tenants { return tenantsView{m} }

func cloneChunk(progress *ChunkProgress) *ChunkProgress {
	var cp = *progress
	cp.S3FilesWritten = append([]string(nil), progress.S3FilesWritten...)
	return &cp
}
