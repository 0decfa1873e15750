package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/fault"
	"github.com/tributary-data/tributary/journal"
)

// processTable runs one (tenant, service, table): read the watermark, plan
// chunks, journal and run them under the chunk fan-out, and advance the
// watermark iff every chunk completed. It never triggers the canonical
// transform; that belongs to the tenant level.
func (p *Pipeline) processTable(ctx context.Context, job *journal.ProcessingJob, tenantID string, work tableWork, req Request) *TableOutcome {
	var settings = p.settings()
	var ep = work.endpoint
	var outcome = &TableOutcome{Service: work.service.Name, TableName: ep.TableName}

	watermark, found, err := p.Watermarks.Get(ctx, tenantID, work.service.Name, ep.TableName)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	var bounds = planChunks(planInput{
		now:       p.now(),
		watermark: watermark,
		hasMark:   found && !req.ForceFullSync,
		endpoint:  ep,
		lookback:  work.service.Lookback(),
		chunkDays: chunkWidth(work.service, req),
		backfill:  req.Backfill,
	})
	outcome.ChunksTotal = len(bounds)

	var chunks = make([]*journal.ChunkProgress, len(bounds))
	for i, b := range bounds {
		chunks[i] = &journal.ChunkProgress{
			JobID:     job.JobID,
			ChunkID:   chunkID(job.JobID, tenantID, ep.TableName, i),
			TenantID:  tenantID,
			Service:   work.service.Name,
			TableName: ep.TableName,
			Bounds:    b,
			Status:    journal.ChunkPending,
			UpdatedAt: p.now(),
		}
		if err = p.Chunks.Put(ctx, chunks[i]); err != nil {
			outcome.Err = err
			return outcome
		}
	}

	var spec = chunkSpec{
		jobID:    job.JobID,
		tenantID: tenantID,
		service:  work.service,
		binding:  work.binding,
		endpoint: ep,
		pageSize: pageSize(work),
	}
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(settings.ChunkFanout)
	for _, chunk := range chunks {
		var chunk = chunk
		group.Go(func() error {
			p.runChunkGuarded(groupCtx, spec, chunk)
			return nil
		})
	}
	_ = group.Wait()

	var high time.Time
	for _, chunk := range chunks {
		outcome.Records += chunk.RecordsProcessed
		switch chunk.Status {
		case journal.ChunkCompleted:
			outcome.ChunksCompleted++
			outcome.Files = append(outcome.Files, chunk.S3FilesWritten...)
			if end := chunkEndWatermark(chunk); end.After(high) {
				high = end
			}
		case journal.ChunkTimedOut:
			outcome.ChunksTimedOut++
			if outcome.Err == nil {
				outcome.Err = fault.New(fault.KindDeadlineElapsed,
					"chunk %s of %s timed out awaiting resumption", chunk.ChunkID, ep.TableName)
			}
		default:
			outcome.ChunksFailed++
			if outcome.Err == nil {
				outcome.Err = fault.New(fault.KindUnexpected, "chunk %s of %s failed (%s)",
					chunk.ChunkID, ep.TableName, kindOrUnexpected(chunk.LastErrorKind))
			}
		}
	}

	// The watermark only moves when the whole range is durably synced, and it
	// moves to the highest incremental value any chunk actually observed.
	if ep.Incremental() && outcome.ChunksCompleted == outcome.ChunksTotal && !high.IsZero() {
		if err = p.Watermarks.Set(ctx, tenantID, work.service.Name, ep.TableName, high); err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.WatermarkAdvanced = true
		outcome.Watermark = high
	}

	log.WithFields(log.Fields{
		"job":       job.JobID,
		"tenant":    tenantID,
		"service":   work.service.Name,
		"table":     ep.TableName,
		"chunks":    outcome.ChunksTotal,
		"completed": outcome.ChunksCompleted,
		"failed":    outcome.ChunksFailed,
		"timedOut":  outcome.ChunksTimedOut,
		"records":   outcome.Records,
		"watermark": outcome.Watermark,
	}).Info("table run finished")
	return outcome
}

// runChunkGuarded drives one chunk to a terminal state: transient failures
// retry with exponential backoff, unclassified failures get one extra try,
// timeouts resume immediately on a fresh budget, permanent failures stop.
// The chunk row reflects the final state.
func (p *Pipeline) runChunkGuarded(ctx context.Context, spec chunkSpec, progress *journal.ChunkProgress) {
	var settings = p.settings()
	var policy = backoff.NewExponentialBackOff()
	policy.InitialInterval = settings.RetryBase
	policy.Multiplier = settings.RetryFactor
	policy.RandomizationFactor = 1 // full jitter
	policy.MaxElapsedTime = 0
	policy.Reset()

	// The journaled attempt counter misses failures that precede its
	// increment (the credential fetch, the initial status write), so the
	// retry caps also honor a local invocation count.
	var invocations int
	for {
		var done, err = p.runChunk(ctx, spec, progress)
		invocations++
		if err == nil && done {
			return
		}
		if err == nil {
			// Timed out with a persisted cursor. Resume on a fresh budget
			// while the parent run has one to give; otherwise leave the row
			// timed_out for an external ResumeChunk.
			if ctx.Err() != nil {
				return
			}
			// A budget that can't outlast the margin would suspend again
			// immediately; so would a parent deadline inside the margin.
			if settings.ChunkBudget <= 2*settings.DeadlineMargin {
				return
			}
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < 2*settings.DeadlineMargin {
				return
			}
			continue
		}

		var kind = fault.KindOf(err)
		progress.Status = journal.ChunkFailed
		progress.LastErrorKind = kind.String()
		progress.UpdatedAt = p.now()
		if updateErr := p.Chunks.Update(ctx, progress); updateErr != nil {
			log.WithFields(log.Fields{
				"job":   spec.jobID,
				"chunk": progress.ChunkID,
				"err":   updateErr,
			}).Error("failed to journal chunk failure")
		}
		chunksFinished.WithLabelValues(spec.service.Name, string(journal.ChunkFailed)).Inc()

		var tried = progress.Attempt
		if invocations > tried {
			tried = invocations
		}
		var retry bool
		switch {
		case ctx.Err() != nil:
		case fault.Transient(kind):
			retry = tried < settings.RetryAttempts
		case kind == fault.KindUnexpected:
			// Unclassified failures get one extra try: a real bug fails the
			// same way again, a one-off glitch doesn't.
			retry = tried < 2
		}
		if !retry {
			log.WithFields(log.Fields{
				"job":     spec.jobID,
				"chunk":   progress.ChunkID,
				"table":   spec.endpoint.TableName,
				"attempt": progress.Attempt,
				"kind":    kind,
				"err":     err,
			}).Error("chunk failed terminally")
			return
		}
		var wait = policy.NextBackOff()
		log.WithFields(log.Fields{
			"job":     spec.jobID,
			"chunk":   progress.ChunkID,
			"attempt": progress.Attempt,
			"wait":    wait,
			"err":     err,
		}).Warn("chunk failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// planInput is the pure input of chunk planning, separable for tests.
type planInput struct {
	now       time.Time
	watermark time.Time
	hasMark   bool
	endpoint  config.EndpointConfig
	lookback  int
	chunkDays int
	backfill  *journal.DateRange
}

// planChunks derives the chunk set of one table run:
//   - master data (no incremental field): one open chunk, synced in full;
//   - explicit backfill: fixed-width date chunks over the requested range;
//   - first sync or forced full sync: date chunks over the lookback window;
//   - routine incremental: one chunk from the watermark to now.
func planChunks(in planInput) []journal.ChunkBounds {
	if !in.endpoint.Incremental() {
		return []journal.ChunkBounds{{Open: true}}
	}
	if in.backfill != nil {
		var width = in.backfill.ChunkDays
		if width <= 0 {
			width = in.chunkDays
		}
		return dateChunks(in.backfill.Start, in.backfill.End, width)
	}
	if !in.hasMark {
		var start = in.now.AddDate(0, 0, -in.lookback)
		return dateChunks(start, in.now, in.chunkDays)
	}
	return []journal.ChunkBounds{{StartWatermark: in.watermark, EndWatermark: in.now}}
}

// dateChunks splits [start, end) into consecutive width-day chunks. The last
// chunk is short when the range doesn't divide evenly.
func dateChunks(start, end time.Time, widthDays int) []journal.ChunkBounds {
	var out []journal.ChunkBounds
	for cursor := start; cursor.Before(end); {
		var next = cursor.AddDate(0, 0, widthDays)
		if next.After(end) {
			next = end
		}
		out = append(out, journal.ChunkBounds{StartWatermark: cursor, EndWatermark: next})
		cursor = next
	}
	return out
}

// chunkID is deterministic so a re-created plan addresses the same rows.
func chunkID(jobID, tenantID, table string, index int) string {
	var sum = sha256.Sum256([]byte(jobID + "|" + tenantID + "|" + table + "|" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:8])
}

// chunkEndWatermark is the value a completed chunk contributes to the
// table's new watermark: the highest incremental value it saw, or the
// chunk's nominal upper bound when it saw no records.
func chunkEndWatermark(chunk *journal.ChunkProgress) time.Time {
	if !chunk.MaxIncremental.IsZero() {
		return chunk.MaxIncremental
	}
	return chunk.Bounds.EndWatermark
}

func chunkWidth(svc *config.ServiceConfig, req Request) int {
	if req.ChunkSizeOverride > 0 {
		return req.ChunkSizeOverride
	}
	return svc.ChunkWidthDays()
}

func pageSize(work tableWork) int {
	var size = work.binding.ExtraInt("page_size", work.endpoint.Pagination.PageSizeDefault)
	if max := work.endpoint.Pagination.PageSizeMax; max > 0 && size > max {
		size = max
	}
	return size
}

func kindOrUnexpected(kind string) string {
	if kind == "" {
		return fault.KindUnexpected.String()
	}
	return kind
}
