package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobLifecycle(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemoryJournal()

	var job = &ProcessingJob{
		JobID:     "job-1",
		Mode:      ModeSingleTenant,
		Status:    JobPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, m.Create(ctx, job))
	require.Error(t, m.Create(ctx, job)) // duplicate id

	require.NoError(t, m.SetStatus(ctx, "job-1", JobRunning))
	got, err := m.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, JobRunning, got.Status)

	_, err = m.Get(ctx, "missing")
	require.Error(t, err)
}

func TestRollupIsConcurrencySafe(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemoryJournal()
	require.NoError(t, m.Create(ctx, &ProcessingJob{JobID: "job-1", Status: JobRunning}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.UpdateRollup(ctx, "job-1", func(j *ProcessingJob) {
				j.TenantsSucceeded++
				j.RecordsProcessed += 10
			})
		}()
	}
	wg.Wait()

	job, err := m.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 20, job.TenantsSucceeded)
	require.Equal(t, int64(200), job.RecordsProcessed)
}

func TestListStale(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemoryJournal()
	var now = time.Now().UTC()

	require.NoError(t, m.Create(ctx, &ProcessingJob{
		JobID: "old", Status: JobRunning, UpdatedAt: now.Add(-7 * time.Hour)}))
	require.NoError(t, m.Create(ctx, &ProcessingJob{
		JobID: "fresh", Status: JobRunning, UpdatedAt: now.Add(-time.Minute)}))
	require.NoError(t, m.Create(ctx, &ProcessingJob{
		JobID: "done", Status: JobCompleted, UpdatedAt: now.Add(-8 * time.Hour)}))

	stale, err := m.ListStale(ctx, 6*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].JobID)
}

func TestChunkRowsAreIsolatedCopies(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemoryJournal()
	var chunks = m.ChunksView()

	var progress = &ChunkProgress{
		JobID:          "job-1",
		ChunkID:        "c1",
		TenantID:       "acme",
		Service:        "psa",
		TableName:      "tickets",
		Status:         ChunkPending,
		S3FilesWritten: []string{"a.parquet"},
	}
	require.NoError(t, chunks.Put(ctx, progress))

	// Mutating the caller's copy must not leak into the journal.
	progress.Status = ChunkFailed
	progress.S3FilesWritten = append(progress.S3FilesWritten, "b.parquet")

	stored, err := chunks.Get(ctx, "job-1", "c1")
	require.NoError(t, err)
	require.Equal(t, ChunkPending, stored.Status)
	require.Equal(t, []string{"a.parquet"}, stored.S3FilesWritten)

	progress.Status = ChunkCompleted
	require.NoError(t, chunks.Update(ctx, progress))
	stored, err = chunks.Get(ctx, "job-1", "c1")
	require.NoError(t, err)
	require.Equal(t, ChunkCompleted, stored.Status)
	require.Len(t, stored.S3FilesWritten, 2)

	listed, err := chunks.ListByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	listed, err = chunks.ListByJob(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, listed)
}

func TestWatermarks(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemoryJournal()
	var marks = m.WatermarksView()

	_, found, err := marks.Get(ctx, "acme", "psa", "tickets")
	require.NoError(t, err)
	require.False(t, found)

	var ts = time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, marks.Set(ctx, "acme", "psa", "tickets", ts))

	got, found, err := marks.Get(ctx, "acme", "psa", "tickets")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ts, got)

	// Other tables are unaffected.
	_, found, err = marks.Get(ctx, "acme", "psa", "members")
	require.NoError(t, err)
	require.False(t, found)
}

func TestTenantRegistry(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemoryJournal()
	var tenants = m.TenantsView()

	m.PutTenant(&TenantRecord{TenantID: "acme", Services: map[string]TenantService{
		"psa": {Enabled: true, CredentialsSecretRef: "acme/psa"},
	}})
	m.PutTenant(&TenantRecord{TenantID: "idle", Services: map[string]TenantService{
		"psa": {Enabled: false},
	}})

	got, err := tenants.Get(ctx, "acme")
	require.NoError(t, err)
	require.True(t, got.Services["psa"].Enabled)

	_, err = tenants.Get(ctx, "missing")
	require.Error(t, err)

	enabled, err := tenants.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "acme", enabled[0].TenantID)
}

func TestChunkStatusTerminal(t *testing.T) {
	require.False(t, ChunkPending.Terminal())
	require.False(t, ChunkInProgress.Terminal())
	require.True(t, ChunkCompleted.Terminal())
	require.True(t, ChunkFailed.Terminal())
	require.True(t, ChunkTimedOut.Terminal())
}

func TestServiceTableKey(t *testing.T) {
	require.Equal(t, "psa#tickets", ServiceTableKey("psa", "tickets"))
}

func TestTenantServiceExtraInt(t *testing.T) {
	var svc = TenantService{Extras: map[string]string{
		"page_size": "250",
		"bogus":     "not-a-number",
		"negative":  "-5",
	}}
	require.Equal(t, 250, svc.ExtraInt("page_size", 100))
	require.Equal(t, 100, svc.ExtraInt("bogus", 100))
	require.Equal(t, 100, svc.ExtraInt("negative", 100))
	require.Equal(t, 100, svc.ExtraInt("absent", 100))
}
