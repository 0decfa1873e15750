package pipeline

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-data/tributary/fault"
	"github.com/tributary-data/tributary/journal"
)

// StartPipeline validates |req|, journals a new job, and runs it to a
// terminal status. Tenant failures are contained: the job finishes
// partial_success when at least one tenant succeeded, failed when none did.
func (p *Pipeline) StartPipeline(ctx context.Context, req Request) (*journal.ProcessingJob, error) {
	var settings = p.settings()

	tenants, mode, err := p.resolveTenants(ctx, req)
	if err != nil {
		return nil, err
	}
	if err = p.validate(req); err != nil {
		return nil, err
	}

	var job = &journal.ProcessingJob{
		JobID:         uuid.NewString(),
		Mode:          mode,
		Status:        journal.JobPending,
		CreatedAt:     p.now(),
		UpdatedAt:     p.now(),
		ForceFullSync: req.ForceFullSync,
		Backfill:      req.Backfill,
		TenantsTotal:  len(tenants),
	}
	if err = p.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err = p.Jobs.SetStatus(ctx, job.JobID, journal.JobRunning); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"job":     job.JobID,
		"mode":    mode,
		"tenants": len(tenants),
		"table":   req.TableName,
	}).Info("pipeline job started")

	var outcomes = make([]*TenantOutcome, len(tenants))
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(settings.TenantFanout)
	for i, tenant := range tenants {
		var i, tenant = i, tenant
		group.Go(func() error {
			var outcome = p.processTenant(groupCtx, job, tenant, req)
			outcomes[i] = outcome

			// Roll the tenant into the job as it finishes, so GetJob shows
			// live progress and a stale-job sweep sees recent updates.
			var rollupErr = p.Jobs.UpdateRollup(ctx, job.JobID, func(j *journal.ProcessingJob) {
				if outcome.Failed() {
					j.TenantsFailed++
				} else {
					j.TenantsSucceeded++
				}
				j.RecordsProcessed += outcome.Records()
			})
			if rollupErr != nil {
				log.WithFields(log.Fields{
					"job":    job.JobID,
					"tenant": tenant.TenantID,
					"err":    rollupErr,
				}).Error("failed to roll up tenant outcome")
			}
			return nil
		})
	}
	_ = group.Wait()

	job, err = p.Jobs.Get(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	job.Status = finalStatus(job)
	if err = p.Jobs.SetStatus(ctx, job.JobID, job.Status); err != nil {
		return nil, err
	}
	jobsFinished.WithLabelValues(string(job.Status)).Inc()

	var notifier Notifier = LogNotifier{}
	if p.Notifier != nil {
		notifier = p.Notifier
	}
	if err = notifier.Notify(ctx, job, outcomes); err != nil {
		log.WithFields(log.Fields{"job": job.JobID, "err": err}).
			Error("completion notification failed")
	}
	return job, nil
}

// GetJob returns a job and its chunk rows.
func (p *Pipeline) GetJob(ctx context.Context, jobID string) (*journal.ProcessingJob, []*journal.ChunkProgress, error) {
	job, err := p.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := p.Chunks.ListByJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, chunks, nil
}

// MarkStaleJobs fails jobs that stopped making progress, typically because
// their process died mid-run. Returns the failed job ids.
func (p *Pipeline) MarkStaleJobs(ctx context.Context) ([]string, error) {
	stale, err := p.Jobs.ListStale(ctx, p.settings().StaleJobAge, p.now())
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, job := range stale {
		if err = p.Jobs.SetStatus(ctx, job.JobID, journal.JobFailed); err != nil {
			return failed, err
		}
		log.WithFields(log.Fields{
			"job":     job.JobID,
			"age":     p.now().Sub(job.UpdatedAt),
			"updated": job.UpdatedAt,
		}).Warn("marked stale job failed")
		failed = append(failed, job.JobID)
	}
	return failed, nil
}

func (p *Pipeline) resolveTenants(ctx context.Context, req Request) ([]*journal.TenantRecord, journal.PipelineMode, error) {
	if req.TenantID != "" {
		tenant, err := p.Tenants.Get(ctx, req.TenantID)
		if err != nil {
			return nil, "", fault.Wrap(fault.KindInvalidRequest, err, "unknown tenant %s", req.TenantID)
		}
		return []*journal.TenantRecord{tenant}, journal.ModeSingleTenant, nil
	}
	tenants, err := p.Tenants.ListEnabled(ctx)
	if err != nil {
		return nil, "", err
	}
	return tenants, journal.ModeMultiTenant, nil
}

func (p *Pipeline) validate(req Request) error {
	if b := req.Backfill; b != nil {
		if b.Start.IsZero() || b.End.IsZero() || !b.End.After(b.Start) {
			return fault.New(fault.KindInvalidRequest,
				"backfill range must have start before end (got %s .. %s)", b.Start, b.End)
		}
		if req.ForceFullSync {
			return fault.New(fault.KindInvalidRequest, "backfill and force-full-sync are exclusive")
		}
	}
	if req.ChunkSizeOverride < 0 {
		return fault.New(fault.KindInvalidRequest, "chunk size override must be positive")
	}
	if req.TableName != "" && !p.tableKnown(req.TableName) {
		return fault.New(fault.KindInvalidRequest, "no service exposes table %s", req.TableName)
	}
	return nil
}

func (p *Pipeline) tableKnown(table string) bool {
	for _, svc := range p.Catalog {
		for _, ep := range svc.EnabledEndpoints() {
			if ep.TableName == table {
				return true
			}
		}
	}
	return false
}

func finalStatus(job *journal.ProcessingJob) journal.JobStatus {
	switch {
	case job.TenantsFailed == 0:
		return journal.JobCompleted
	case job.TenantsSucceeded > 0:
		return journal.JobPartialSuccess
	default:
		return journal.JobFailed
	}
}
