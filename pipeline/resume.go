package pipeline

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/fault"
	"github.com/tributary-data/tributary/journal"
)

// ResumeChunk re-runs a suspended or failed chunk from its persisted cursor,
// outside the job run that created it. A chunk that already completed is a
// no-op. When the resumed chunk completes and every sibling chunk of its
// table has completed too, the table's watermark is advanced here, since the
// original table run has long since returned.
func (p *Pipeline) ResumeChunk(ctx context.Context, jobID, chunkID string) (*journal.ChunkProgress, error) {
	progress, err := p.Chunks.Get(ctx, jobID, chunkID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidRequest, err, "unknown chunk %s of job %s", chunkID, jobID)
	}
	if progress.Status == journal.ChunkCompleted {
		log.WithFields(log.Fields{"job": jobID, "chunk": chunkID}).
			Info("chunk already completed, nothing to resume")
		return progress, nil
	}

	tenant, err := p.Tenants.Get(ctx, progress.TenantID)
	if err != nil {
		return nil, err
	}
	binding, ok := tenant.Services[progress.Service]
	if !ok || !binding.Enabled {
		return nil, fault.New(fault.KindConfigurationError,
			"tenant %s no longer enables service %s", progress.TenantID, progress.Service)
	}
	svc, ok := p.Catalog[progress.Service]
	if !ok {
		return nil, fault.New(fault.KindConfigurationError,
			"service %s is missing from the catalog", progress.Service)
	}
	var spec chunkSpec
	for _, ep := range svc.EnabledEndpoints() {
		if ep.TableName == progress.TableName {
			spec = chunkSpec{
				jobID:    jobID,
				tenantID: progress.TenantID,
				service:  svc,
				binding:  binding,
				endpoint: ep,
				pageSize: pageSize(tableWork{service: svc, binding: binding, endpoint: ep}),
			}
		}
	}
	if spec.endpoint.TableName == "" {
		return nil, fault.New(fault.KindConfigurationError,
			"service %s no longer exposes table %s", progress.Service, progress.TableName)
	}

	p.runChunkGuarded(ctx, spec, progress)
	if progress.Status != journal.ChunkCompleted {
		return progress, nil
	}

	// The original table run already returned, so the watermark advance it
	// would have performed happens here once the table's chunk set is whole.
	if spec.endpoint.Incremental() {
		if err = p.advanceIfTableComplete(ctx, progress); err != nil {
			return progress, err
		}
	}
	return progress, nil
}

func (p *Pipeline) advanceIfTableComplete(ctx context.Context, resumed *journal.ChunkProgress) error {
	siblings, err := p.Chunks.ListByJob(ctx, resumed.JobID)
	if err != nil {
		return err
	}
	var high = chunkEndWatermark(resumed)
	for _, chunk := range siblings {
		if chunk.TenantID != resumed.TenantID ||
			chunk.Service != resumed.Service ||
			chunk.TableName != resumed.TableName {
			continue
		}
		if chunk.Status != journal.ChunkCompleted {
			return nil
		}
		if end := chunkEndWatermark(chunk); end.After(high) {
			high = end
		}
	}
	if high.IsZero() {
		return nil
	}
	if err = p.Watermarks.Set(ctx, resumed.TenantID, resumed.Service, resumed.TableName, high); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"job":       resumed.JobID,
		"tenant":    resumed.TenantID,
		"service":   resumed.Service,
		"table":     resumed.TableName,
		"watermark": high,
	}).Info("watermark advanced after resumed chunk")
	return nil
}
