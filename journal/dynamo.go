package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/tributary-data/tributary/fault"
)

// Default table names. Deployments may override them per environment.
const (
	DefaultJobsTable       = "tributary_processing_jobs"
	DefaultChunksTable     = "tributary_chunk_progress"
	DefaultWatermarksTable = "tributary_last_updated"
	DefaultTenantsTable    = "tributary_tenant_services"
)

// DynamoTables names the four journal tables.
type DynamoTables struct {
	Jobs       string
	Chunks     string
	Watermarks string
	Tenants    string
}

// DefaultDynamoTables returns the default table names with an optional
// environment prefix.
func DefaultDynamoTables(prefix string) DynamoTables {
	return DynamoTables{
		Jobs:       prefix + DefaultJobsTable,
		Chunks:     prefix + DefaultChunksTable,
		Watermarks: prefix + DefaultWatermarksTable,
		Tenants:    prefix + DefaultTenantsTable,
	}
}

// rollupConflictRetries bounds the optimistic-concurrency loop of
// UpdateRollup. Contention is between at most tenant_fanout writers.
const rollupConflictRetries = 8

// DynamoJobs journals ProcessingJob rows in DynamoDB.
type DynamoJobs struct {
	DB    dynamodbiface.DynamoDBAPI
	Table string
}

var _ Jobs = (*DynamoJobs)(nil)

type dynamoJobItem struct {
	JobID            string `dynamodbav:"job_id"`
	Mode             string `dynamodbav:"mode"`
	Status           string `dynamodbav:"status"`
	CreatedAt        string `dynamodbav:"created_at"`
	UpdatedAt        string `dynamodbav:"updated_at"`
	ForceFullSync    bool   `dynamodbav:"force_full_sync"`
	BackfillStart    string `dynamodbav:"backfill_start,omitempty"`
	BackfillEnd      string `dynamodbav:"backfill_end,omitempty"`
	BackfillDays     int    `dynamodbav:"backfill_chunk_days,omitempty"`
	TenantsTotal     int    `dynamodbav:"tenants_total"`
	TenantsSucceeded int    `dynamodbav:"tenants_succeeded"`
	TenantsFailed    int    `dynamodbav:"tenants_failed"`
	RecordsProcessed int64  `dynamodbav:"records_processed"`
	Version          int64  `dynamodbav:"version"`
}

func jobToItem(job *ProcessingJob) dynamoJobItem {
	var item = dynamoJobItem{
		JobID:            job.JobID,
		Mode:             string(job.Mode),
		Status:           string(job.Status),
		CreatedAt:        job.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:        job.UpdatedAt.UTC().Format(time.RFC3339Nano),
		ForceFullSync:    job.ForceFullSync,
		TenantsTotal:     job.TenantsTotal,
		TenantsSucceeded: job.TenantsSucceeded,
		TenantsFailed:    job.TenantsFailed,
		RecordsProcessed: job.RecordsProcessed,
		Version:          job.Version,
	}
	if job.Backfill != nil {
		item.BackfillStart = job.Backfill.Start.UTC().Format(time.RFC3339Nano)
		item.BackfillEnd = job.Backfill.End.UTC().Format(time.RFC3339Nano)
		item.BackfillDays = job.Backfill.ChunkDays
	}
	return item
}

func itemToJob(item dynamoJobItem) (*ProcessingJob, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at of job %s: %w", item.JobID, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at of job %s: %w", item.JobID, err)
	}
	var job = &ProcessingJob{
		JobID:            item.JobID,
		Mode:             PipelineMode(item.Mode),
		Status:           JobStatus(item.Status),
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
		ForceFullSync:    item.ForceFullSync,
		TenantsTotal:     item.TenantsTotal,
		TenantsSucceeded: item.TenantsSucceeded,
		TenantsFailed:    item.TenantsFailed,
		RecordsProcessed: item.RecordsProcessed,
		Version:          item.Version,
	}
	if item.BackfillStart != "" {
		start, err := time.Parse(time.RFC3339Nano, item.BackfillStart)
		if err != nil {
			return nil, fmt.Errorf("parsing backfill_start of job %s: %w", item.JobID, err)
		}
		end, err := time.Parse(time.RFC3339Nano, item.BackfillEnd)
		if err != nil {
			return nil, fmt.Errorf("parsing backfill_end of job %s: %w", item.JobID, err)
		}
		job.Backfill = &DateRange{Start: start, End: end, ChunkDays: item.BackfillDays}
	}
	return job, nil
}

func (j *DynamoJobs) Create(ctx context.Context, job *ProcessingJob) error {
	av, err := dynamodbattribute.MarshalMap(jobToItem(job))
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.JobID, err)
	}
	_, err = j.DB.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(j.Table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if isConditionalFailure(err) {
		return fault.New(fault.KindInvalidRequest, "job %s already exists", job.JobID)
	}
	return classifyDynamo(err, "creating job %s", job.JobID)
}

func (j *DynamoJobs) Get(ctx context.Context, jobID string) (*ProcessingJob, error) {
	out, err := j.DB.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(j.Table),
		Key:            map[string]*dynamodb.AttributeValue{"job_id": {S: aws.String(jobID)}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classifyDynamo(err, "reading job %s", jobID)
	}
	if out.Item == nil {
		return nil, fault.New(fault.KindInvalidRequest, "unknown job %s", jobID)
	}
	var item dynamoJobItem
	if err = dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling job %s: %w", jobID, err)
	}
	return itemToJob(item)
}

func (j *DynamoJobs) SetStatus(ctx context.Context, jobID string, status JobStatus) error {
	_, err := j.DB.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(j.Table),
		Key:       map[string]*dynamodb.AttributeValue{"job_id": {S: aws.String(jobID)}},
		UpdateExpression: aws.String(
			"SET #s = :status, updated_at = :now ADD version :one"),
		ConditionExpression:      aws.String("attribute_exists(job_id)"),
		ExpressionAttributeNames: map[string]*string{"#s": aws.String("status")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":status": {S: aws.String(string(status))},
			":now":    {S: aws.String(time.Now().UTC().Format(time.RFC3339Nano))},
			":one":    {N: aws.String("1")},
		},
	})
	if isConditionalFailure(err) {
		return fault.New(fault.KindInvalidRequest, "unknown job %s", jobID)
	}
	return classifyDynamo(err, "updating status of job %s", jobID)
}

// UpdateRollup reads the job, applies |apply|, and writes it back guarded
// by the version read. Lost races re-read and re-apply.
func (j *DynamoJobs) UpdateRollup(ctx context.Context, jobID string, apply func(*ProcessingJob)) error {
	for attempt := 0; attempt < rollupConflictRetries; attempt++ {
		job, err := j.Get(ctx, jobID)
		if err != nil {
			return err
		}
		var priorVersion = job.Version
		apply(job)
		job.UpdatedAt = time.Now().UTC()
		job.Version = priorVersion + 1

		av, err := dynamodbattribute.MarshalMap(jobToItem(job))
		if err != nil {
			return fmt.Errorf("marshaling job %s: %w", jobID, err)
		}
		_, err = j.DB.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(j.Table),
			Item:                av,
			ConditionExpression: aws.String("version = :prior"),
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":prior": {N: aws.String(fmt.Sprint(priorVersion))},
			},
		})
		if isConditionalFailure(err) {
			continue
		}
		return classifyDynamo(err, "updating rollup of job %s", jobID)
	}
	return fault.New(fault.KindTransientExternal,
		"rollup of job %s lost %d consecutive version races", jobID, rollupConflictRetries)
}

func (j *DynamoJobs) ListStale(ctx context.Context, age time.Duration, now time.Time) ([]*ProcessingJob, error) {
	// A filtered scan is fine here: the supervisor sweep runs rarely and the
	// jobs table stays small relative to chunk progress.
	var cutoff = now.Add(-age).UTC().Format(time.RFC3339Nano)
	var out []*ProcessingJob
	var scanErr error
	err := j.DB.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(j.Table),
		FilterExpression:         aws.String("(#s = :running OR #s = :pending) AND updated_at <= :cutoff"),
		ExpressionAttributeNames: map[string]*string{"#s": aws.String("status")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":running": {S: aws.String(string(JobRunning))},
			":pending": {S: aws.String(string(JobPending))},
			":cutoff":  {S: aws.String(cutoff)},
		},
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, raw := range page.Items {
			var item dynamoJobItem
			if scanErr = dynamodbattribute.UnmarshalMap(raw, &item); scanErr != nil {
				return false
			}
			var job *ProcessingJob
			if job, scanErr = itemToJob(item); scanErr != nil {
				return false
			}
			out = append(out, job)
		}
		return true
	})
	if err != nil {
		return nil, classifyDynamo(err, "scanning stale jobs")
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// DynamoChunks journals ChunkProgress rows in DynamoDB.
type DynamoChunks struct {
	DB    dynamodbiface.DynamoDBAPI
	Table string
}

var _ Chunks = (*DynamoChunks)(nil)

type dynamoChunkItem struct {
	JobID            string   `dynamodbav:"job_id"`
	ChunkID          string   `dynamodbav:"chunk_id"`
	TenantID         string   `dynamodbav:"tenant_id"`
	Service          string   `dynamodbav:"service"`
	TableName        string   `dynamodbav:"table_name"`
	StartWatermark   string   `dynamodbav:"start_watermark,omitempty"`
	EndWatermark     string   `dynamodbav:"end_watermark,omitempty"`
	Open             bool     `dynamodbav:"open_bounds"`
	Status           string   `dynamodbav:"status"`
	RecordsProcessed int64    `dynamodbav:"records_processed"`
	PagesFetched     int      `dynamodbav:"pages_fetched"`
	LastPage         int      `dynamodbav:"last_page"`
	LastOffset       int      `dynamodbav:"last_offset"`
	MaxIncremental   string   `dynamodbav:"max_incremental,omitempty"`
	S3FilesWritten   []string `dynamodbav:"s3_files_written,omitempty"`
	Attempt          int      `dynamodbav:"attempt"`
	LastErrorKind    string   `dynamodbav:"last_error_kind,omitempty"`
	UpdatedAt        string   `dynamodbav:"updated_at"`
}

func chunkToItem(progress *ChunkProgress) dynamoChunkItem {
	var item = dynamoChunkItem{
		JobID:            progress.JobID,
		ChunkID:          progress.ChunkID,
		TenantID:         progress.TenantID,
		Service:          progress.Service,
		TableName:        progress.TableName,
		Open:             progress.Bounds.Open,
		Status:           string(progress.Status),
		RecordsProcessed: progress.RecordsProcessed,
		PagesFetched:     progress.PagesFetched,
		LastPage:         progress.LastPage,
		LastOffset:       progress.LastOffset,
		S3FilesWritten:   progress.S3FilesWritten,
		Attempt:          progress.Attempt,
		LastErrorKind:    progress.LastErrorKind,
		UpdatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !progress.Bounds.StartWatermark.IsZero() {
		item.StartWatermark = progress.Bounds.StartWatermark.UTC().Format(time.RFC3339Nano)
	}
	if !progress.Bounds.EndWatermark.IsZero() {
		item.EndWatermark = progress.Bounds.EndWatermark.UTC().Format(time.RFC3339Nano)
	}
	if !progress.MaxIncremental.IsZero() {
		item.MaxIncremental = progress.MaxIncremental.UTC().Format(time.RFC3339Nano)
	}
	return item
}

func itemToChunk(item dynamoChunkItem) (*ChunkProgress, error) {
	var progress = &ChunkProgress{
		JobID:            item.JobID,
		ChunkID:          item.ChunkID,
		TenantID:         item.TenantID,
		Service:          item.Service,
		TableName:        item.TableName,
		Bounds:           ChunkBounds{Open: item.Open},
		Status:           ChunkStatus(item.Status),
		RecordsProcessed: item.RecordsProcessed,
		PagesFetched:     item.PagesFetched,
		LastPage:         item.LastPage,
		LastOffset:       item.LastOffset,
		S3FilesWritten:   item.S3FilesWritten,
		Attempt:          item.Attempt,
		LastErrorKind:    item.LastErrorKind,
	}
	var err error
	if item.StartWatermark != "" {
		if progress.Bounds.StartWatermark, err = time.Parse(time.RFC3339Nano, item.StartWatermark); err != nil {
			return nil, fmt.Errorf("parsing start_watermark of chunk %s: %w", item.ChunkID, err)
		}
	}
	if item.EndWatermark != "" {
		if progress.Bounds.EndWatermark, err = time.Parse(time.RFC3339Nano, item.EndWatermark); err != nil {
			return nil, fmt.Errorf("parsing end_watermark of chunk %s: %w", item.ChunkID, err)
		}
	}
	if item.MaxIncremental != "" {
		if progress.MaxIncremental, err = time.Parse(time.RFC3339Nano, item.MaxIncremental); err != nil {
			return nil, fmt.Errorf("parsing max_incremental of chunk %s: %w", item.ChunkID, err)
		}
	}
	if item.UpdatedAt != "" {
		if progress.UpdatedAt, err = time.Parse(time.RFC3339Nano, item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at of chunk %s: %w", item.ChunkID, err)
		}
	}
	return progress, nil
}

func (c *DynamoChunks) Put(ctx context.Context, progress *ChunkProgress) error {
	av, err := dynamodbattribute.MarshalMap(chunkToItem(progress))
	if err != nil {
		return fmt.Errorf("marshaling chunk %s: %w", progress.ChunkID, err)
	}
	_, err = c.DB.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.Table),
		Item:      av,
	})
	return classifyDynamo(err, "writing chunk %s", progress.ChunkID)
}

func (c *DynamoChunks) Get(ctx context.Context, jobID, chunkID string) (*ChunkProgress, error) {
	out, err := c.DB.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.Table),
		Key: map[string]*dynamodb.AttributeValue{
			"job_id":   {S: aws.String(jobID)},
			"chunk_id": {S: aws.String(chunkID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classifyDynamo(err, "reading chunk %s", chunkID)
	}
	if out.Item == nil {
		return nil, fault.New(fault.KindInvalidRequest, "unknown chunk %s of job %s", chunkID, jobID)
	}
	var item dynamoChunkItem
	if err = dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling chunk %s: %w", chunkID, err)
	}
	return itemToChunk(item)
}

// Update rewrites the chunk row. Ownership rules make the chunk processor
// the sole writer, so a plain put is safe.
func (c *DynamoChunks) Update(ctx context.Context, progress *ChunkProgress) error {
	return c.Put(ctx, progress)
}

func (c *DynamoChunks) ListByJob(ctx context.Context, jobID string) ([]*ChunkProgress, error) {
	var out []*ChunkProgress
	var pageErr error
	err := c.DB.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.Table),
		KeyConditionExpression: aws.String("job_id = :job"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":job": {S: aws.String(jobID)},
		},
	}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		for _, raw := range page.Items {
			var item dynamoChunkItem
			if pageErr = dynamodbattribute.UnmarshalMap(raw, &item); pageErr != nil {
				return false
			}
			var progress *ChunkProgress
			if progress, pageErr = itemToChunk(item); pageErr != nil {
				return false
			}
			out = append(out, progress)
		}
		return true
	})
	if err != nil {
		return nil, classifyDynamo(err, "listing chunks of job %s", jobID)
	}
	if pageErr != nil {
		return nil, pageErr
	}
	return out, nil
}

// DynamoWatermarks is the LastUpdated table.
type DynamoWatermarks struct {
	DB    dynamodbiface.DynamoDBAPI
	Table string
}

var _ Watermarks = (*DynamoWatermarks)(nil)

func (w *DynamoWatermarks) Get(ctx context.Context, tenantID, service, table string) (time.Time, bool, error) {
	out, err := w.DB.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(w.Table),
		Key: map[string]*dynamodb.AttributeValue{
			"tenant_id":     {S: aws.String(tenantID)},
			"service_table": {S: aws.String(ServiceTableKey(service, table))},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, false, classifyDynamo(err, "reading watermark %s/%s", tenantID, table)
	}
	if out.Item == nil || out.Item["last_updated"] == nil || out.Item["last_updated"].S == nil {
		return time.Time{}, false, nil
	}
	wm, err := time.Parse(time.RFC3339Nano, *out.Item["last_updated"].S)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark %s/%s: %w", tenantID, table, err)
	}
	return wm, true, nil
}

func (w *DynamoWatermarks) Set(ctx context.Context, tenantID, service, table string, watermark time.Time) error {
	_, err := w.DB.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(w.Table),
		Item: map[string]*dynamodb.AttributeValue{
			"tenant_id":     {S: aws.String(tenantID)},
			"service_table": {S: aws.String(ServiceTableKey(service, table))},
			"last_updated":  {S: aws.String(watermark.UTC().Format(time.RFC3339Nano))},
		},
	})
	return classifyDynamo(err, "writing watermark %s/%s", tenantID, table)
}

// DynamoTenants reads the TenantServices registry.
type DynamoTenants struct {
	DB    dynamodbiface.DynamoDBAPI
	Table string
}

var _ Tenants = (*DynamoTenants)(nil)

type dynamoTenantItem struct {
	TenantID             string            `dynamodbav:"tenant_id"`
	Service              string            `dynamodbav:"service"`
	Enabled              bool              `dynamodbav:"enabled"`
	CredentialsSecretRef string            `dynamodbav:"credentials_secret_ref"`
	Extras               map[string]string `dynamodbav:"extras,omitempty"`
}

func (t *DynamoTenants) Get(ctx context.Context, tenantID string) (*TenantRecord, error) {
	var record = &TenantRecord{TenantID: tenantID, Services: make(map[string]TenantService)}
	var pageErr error
	err := t.DB.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(t.Table),
		KeyConditionExpression: aws.String("tenant_id = :tenant"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":tenant": {S: aws.String(tenantID)},
		},
	}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		for _, raw := range page.Items {
			var item dynamoTenantItem
			if pageErr = dynamodbattribute.UnmarshalMap(raw, &item); pageErr != nil {
				return false
			}
			record.Services[item.Service] = TenantService{
				Enabled:              item.Enabled,
				CredentialsSecretRef: item.CredentialsSecretRef,
				Extras:               item.Extras,
			}
		}
		return true
	})
	if err != nil {
		return nil, classifyDynamo(err, "reading tenant %s", tenantID)
	}
	if pageErr != nil {
		return nil, pageErr
	}
	if len(record.Services) == 0 {
		return nil, fault.New(fault.KindInvalidRequest, "unknown tenant %s", tenantID)
	}
	return record, nil
}

func (t *DynamoTenants) ListEnabled(ctx context.Context) ([]*TenantRecord, error) {
	var byTenant = make(map[string]*TenantRecord)
	var order []string
	var pageErr error
	err := t.DB.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(t.Table),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, raw := range page.Items {
			var item dynamoTenantItem
			if pageErr = dynamodbattribute.UnmarshalMap(raw, &item); pageErr != nil {
				return false
			}
			record, ok := byTenant[item.TenantID]
			if !ok {
				record = &TenantRecord{TenantID: item.TenantID, Services: make(map[string]TenantService)}
				byTenant[item.TenantID] = record
				order = append(order, item.TenantID)
			}
			record.Services[item.Service] = TenantService{
				Enabled:              item.Enabled,
				CredentialsSecretRef: item.CredentialsSecretRef,
				Extras:               item.Extras,
			}
		}
		return true
	})
	if err != nil {
		return nil, classifyDynamo(err, "scanning tenant services")
	}
	if pageErr != nil {
		return nil, pageErr
	}
	var out []*TenantRecord
	for _, tenantID := range order {
		var record = byTenant[tenantID]
		for _, svc := range record.Services {
			if svc.Enabled {
				out = append(out, record)
				break
			}
		}
	}
	return out, nil
}

func isConditionalFailure(err error) bool {
	var ae awserr.Error
	if err == nil {
		return false
	}
	if errors.As(err, &ae) {
		return ae.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}

// classifyDynamo wraps a DynamoDB error with a retryability kind.
// Throttling and 5xx codes are transient; everything else is unexpected.
func classifyDynamo(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case dynamodb.ErrCodeProvisionedThroughputExceededException,
			dynamodb.ErrCodeRequestLimitExceeded,
			dynamodb.ErrCodeInternalServerError,
			"ThrottlingException":
			return fault.Wrap(fault.KindTransientExternal, err, format, args...)
		}
	}
	return fault.Wrap(fault.KindUnexpected, err, format, args...)
}
