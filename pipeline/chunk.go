package pipeline

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/fault"
	"github.com/tributary-data/tributary/journal"
	"github.com/tributary-data/tributary/objstore"
	"github.com/tributary-data/tributary/source"
)

// chunkSpec is everything a chunk invocation needs beyond its journal row.
type chunkSpec struct {
	jobID    string
	tenantID string
	service  *config.ServiceConfig
	binding  journal.TenantService
	endpoint config.EndpointConfig
	pageSize int
}

// runChunk performs one invocation of a chunk: fetch credentials, walk pages
// sequentially from the persisted cursor, buffer records, and flush Parquet
// batches to the raw area. It returns (true, nil) on completion, (false, nil)
// when it suspended at the deadline margin with a persisted cursor, and a
// classified error otherwise. It never triggers a canonical transform.
//
// Suspension never loses records: the buffer is flushed before the cursor is
// persisted, so every page the cursor has passed is durable.
func (p *Pipeline) runChunk(parent context.Context, spec chunkSpec, progress *journal.ChunkProgress) (bool, error) {
	var settings = p.settings()
	var started = p.now()

	var deadline = started.Add(settings.ChunkBudget)
	if parentDeadline, ok := parent.Deadline(); ok && parentDeadline.Before(deadline) {
		deadline = parentDeadline
	}
	var ctx, cancel = context.WithDeadline(parent, deadline)
	defer cancel()

	creds, err := p.Secrets.Fetch(ctx, spec.binding.CredentialsSecretRef)
	if err != nil {
		return false, err
	}
	var perMinute = spec.binding.ExtraInt("rate_limit_per_minute", spec.service.RateLimitPerMinute)
	var client = source.NewClient(
		spec.service.BaseURL, spec.service.Name, creds,
		p.Limiters.For(spec.service.Name, perMinute))

	progress.Status = journal.ChunkInProgress
	progress.Attempt++
	progress.UpdatedAt = started
	if err = p.Chunks.Update(ctx, progress); err != nil {
		return false, err
	}

	var run = &chunkRun{
		p:        p,
		spec:     spec,
		progress: progress,
		settings: settings,
		deadline: deadline,
		// Attempts and resumptions write under distinct attempt suffixes, so
		// a re-run never overwrites a prior run's objects.
		seq: len(progress.S3FilesWritten),
		// The in-memory cursor starts at the durable one and runs ahead of
		// it while records sit in the batch buffer.
		pendingPage:   progress.LastPage,
		pendingOffset: progress.LastOffset,
	}
	var fetcher = source.NewPageFetcher(client, run.pageRequest())

	for {
		if time.Until(run.deadline) < settings.DeadlineMargin {
			return false, run.suspend(parent)
		}
		records, err := fetcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && parent.Err() == nil {
				// The budget expired mid-fetch; suspend rather than fail.
				return false, run.suspend(parent)
			}
			return false, err
		}
		if len(records) == 0 {
			return true, run.complete(ctx)
		}
		if err = run.consume(ctx, records, fetcher); err != nil {
			return false, err
		}
	}
}

// chunkRun is the mutable state of one runChunk invocation.
type chunkRun struct {
	p        *Pipeline
	spec     chunkSpec
	progress *journal.ChunkProgress
	settings Settings
	deadline time.Time

	batch      []map[string]interface{}
	batchBytes int64
	seq        int
	skipped    int64

	// pending* cover the pages consumed since the last flush. Their records
	// exist only in the batch buffer, so they fold into the journal row at
	// flush time and never before: the journaled cursor may trail durable
	// data but cannot lead it.
	pendingPage    int
	pendingOffset  int
	pendingRecords int64
	pendingPages   int
	pendingMax     time.Time
}

func (r *chunkRun) pageRequest() source.PageRequest {
	var ep = r.spec.endpoint
	var req = source.PageRequest{
		Path:      ep.Path,
		OrderBy:   ep.OrderingField,
		PageSize:  r.spec.pageSize,
		UseOffset: ep.Pagination.Strategy == config.PaginationOffset,
		Page:      r.progress.LastPage,
		Offset:    r.progress.LastOffset,
	}
	if ep.Incremental() && !r.progress.Bounds.Open {
		req.Filter = &source.RangeFilter{
			Field: ep.IncrementalField,
			Start: r.progress.Bounds.StartWatermark,
			End:   r.progress.Bounds.EndWatermark,
		}
	}
	return req
}

// consume folds one page into the batch buffer, flushing when a threshold
// trips. The durable cursor only advances at flush; between flushes the
// journal update is a liveness heartbeat.
func (r *chunkRun) consume(ctx context.Context, records []map[string]interface{}, fetcher source.PageFetcher) error {
	var ep = r.spec.endpoint
	for _, record := range records {
		if ep.Incremental() {
			ts, err := incrementalValue(record, ep.IncrementalField)
			if err != nil {
				r.skipped++
				recordsSkipped.WithLabelValues(r.spec.service.Name).Inc()
				continue
			}
			if ts.After(r.pendingMax) {
				r.pendingMax = ts
			}
		}
		r.batch = append(r.batch, record)
		r.batchBytes += recordSize(record)
		r.pendingRecords++
		recordsProcessed.WithLabelValues(r.spec.service.Name).Inc()
	}
	r.pendingPages++
	r.pendingPage, r.pendingOffset = fetcher.Cursor()

	if len(r.batch) >= r.settings.BatchFlushRecords || r.batchBytes >= r.settings.BatchFlushBytes {
		if err := r.flush(ctx); err != nil {
			return err
		}
	}
	r.progress.UpdatedAt = r.p.now()
	return r.p.Chunks.Update(ctx, r.progress)
}

// commit folds the pending cursor and counters into the journal row. Called
// only once every record they cover is durable (or was skipped), so that a
// failed attempt re-fetches from the last flushed page instead of dropping
// buffered records.
func (r *chunkRun) commit() {
	r.progress.LastPage = r.pendingPage
	r.progress.LastOffset = r.pendingOffset
	r.progress.RecordsProcessed += r.pendingRecords
	r.progress.PagesFetched += r.pendingPages
	if r.pendingMax.After(r.progress.MaxIncremental) {
		r.progress.MaxIncremental = r.pendingMax
	}
	r.pendingRecords = 0
	r.pendingPages = 0
	r.pendingMax = time.Time{}
}

// flush writes the buffered records as one Parquet object, appends its key
// to the chunk row, and commits the cursor of the flushed pages. The journal
// update rides on the caller's update.
func (r *chunkRun) flush(ctx context.Context) error {
	if len(r.batch) == 0 {
		r.commit()
		return nil
	}
	encoded, err := objstore.EncodeParquet(r.batch)
	if err != nil {
		return fault.Wrap(fault.KindDataFormatError, err,
			"encoding raw batch of %s", r.spec.endpoint.TableName)
	}
	var key = objstore.RawKey(
		r.spec.tenantID, r.spec.service.Name, r.spec.endpoint.TableName,
		r.p.now(), r.progress.Attempt, r.seq)
	if err = r.p.Store.Put(ctx, key, encoded); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"job":     r.spec.jobID,
		"chunk":   r.progress.ChunkID,
		"key":     key,
		"records": len(r.batch),
		"bytes":   len(encoded),
	}).Debug("flushed raw batch")
	batchesFlushed.WithLabelValues(r.spec.service.Name).Inc()

	r.progress.S3FilesWritten = append(r.progress.S3FilesWritten, key)
	r.seq++
	r.batch = nil
	r.batchBytes = 0
	r.commit()
	return nil
}

// suspend flushes the residual buffer and journals the cursor and timed_out
// state. It runs on the parent context: the chunk budget is what expired.
func (r *chunkRun) suspend(parent context.Context) error {
	if err := r.flush(parent); err != nil {
		return err
	}
	r.progress.Status = journal.ChunkTimedOut
	r.progress.UpdatedAt = r.p.now()
	if err := r.p.Chunks.Update(parent, r.progress); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"job":     r.spec.jobID,
		"chunk":   r.progress.ChunkID,
		"table":   r.spec.endpoint.TableName,
		"page":    r.progress.LastPage,
		"offset":  r.progress.LastOffset,
		"records": r.progress.RecordsProcessed,
	}).Info("chunk suspended at deadline margin")
	chunksFinished.WithLabelValues(r.spec.service.Name, string(journal.ChunkTimedOut)).Inc()
	return nil
}

// complete flushes the final partial batch and marks the chunk completed,
// unless too large a share of its records was unparseable.
func (r *chunkRun) complete(ctx context.Context) error {
	if err := r.flush(ctx); err != nil {
		return err
	}
	var seen = r.progress.RecordsProcessed + r.skipped
	if seen > 0 && float64(r.skipped) > r.settings.SkipTolerance*float64(seen) {
		return fault.New(fault.KindDataFormatError,
			"chunk %s skipped %d of %d records", r.progress.ChunkID, r.skipped, seen)
	}
	r.progress.Status = journal.ChunkCompleted
	r.progress.UpdatedAt = r.p.now()
	if err := r.p.Chunks.Update(ctx, r.progress); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"job":     r.spec.jobID,
		"chunk":   r.progress.ChunkID,
		"table":   r.spec.endpoint.TableName,
		"records": r.progress.RecordsProcessed,
		"pages":   r.progress.PagesFetched,
		"files":   len(r.progress.S3FilesWritten),
		"skipped": r.skipped,
	}).Info("chunk completed")
	chunksFinished.WithLabelValues(r.spec.service.Name, string(journal.ChunkCompleted)).Inc()
	return nil
}

// incrementalValue extracts and parses the incremental field of one record.
func incrementalValue(record map[string]interface{}, field string) (time.Time, error) {
	raw, ok := record[field]
	if !ok || raw == nil {
		return time.Time{}, fault.New(fault.KindDataFormatError, "record missing %s", field)
	}
	switch v := raw.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC(), nil
			}
		}
	case time.Time:
		return v.UTC(), nil
	}
	return time.Time{}, fault.New(fault.KindDataFormatError, "unparseable %s value %v", field, raw)
}

// recordSize approximates the serialized size of one record for the flush
// threshold. Records arrive as decoded JSON, so re-encoding is faithful.
func recordSize(record map[string]interface{}) int64 {
	encoded, err := json.Marshal(record)
	if err != nil {
		return 0
	}
	return int64(len(encoded))
}
