package pipeline

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/journal"
)

// tableWork is one (service, endpoint) pair discovered for a tenant.
type tableWork struct {
	service  *config.ServiceConfig
	binding  journal.TenantService
	endpoint config.EndpointConfig
}

// processTenant runs one tenant: endpoint discovery, table fan-out, then the
// canonical transform of each table that produced files. The transform runs
// here and only here, exactly once per table per job, after every chunk of
// the table is terminal. Failures of one table never stop another.
func (p *Pipeline) processTenant(ctx context.Context, job *journal.ProcessingJob, tenant *journal.TenantRecord, req Request) *TenantOutcome {
	var outcome = &TenantOutcome{TenantID: tenant.TenantID}
	var work = p.discover(tenant, req)
	if len(work) == 0 {
		log.WithFields(log.Fields{
			"job":    job.JobID,
			"tenant": tenant.TenantID,
		}).Info("tenant has no enabled tables, nothing to do")
		return outcome
	}

	var mu sync.Mutex
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(p.settings().TableFanout)
	for _, w := range work {
		var w = w
		group.Go(func() error {
			var table = p.processTable(groupCtx, job, tenant.TenantID, w, req)
			mu.Lock()
			outcome.Tables = append(outcome.Tables, table)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(outcome.Tables, func(i, j int) bool {
		var a, b = outcome.Tables[i], outcome.Tables[j]
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return a.TableName < b.TableName
	})

	// A partially failed tenant still transforms the tables whose chunks all
	// completed; re-running the job later repairs the rest.
	for _, table := range outcome.Tables {
		if len(table.Files) == 0 {
			continue
		}
		result, err := p.Transformer.TransformAndLoad(
			ctx, tenant.TenantID, table.Service, table.TableName, table.Files)
		if err != nil {
			log.WithFields(log.Fields{
				"job":    job.JobID,
				"tenant": tenant.TenantID,
				"table":  table.TableName,
				"err":    err,
			}).Error("canonical transform failed")
			if table.Err == nil {
				table.Err = err
			}
			continue
		}
		table.Transform = result
	}
	return outcome
}

// discover intersects the tenant's enabled services with the service catalog
// and expands them into enabled endpoints, optionally filtered to one table.
func (p *Pipeline) discover(tenant *journal.TenantRecord, req Request) []tableWork {
	var names = make([]string, 0, len(tenant.Services))
	for name := range tenant.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	var work []tableWork
	for _, name := range names {
		var binding = tenant.Services[name]
		if !binding.Enabled {
			continue
		}
		svc, ok := p.Catalog[name]
		if !ok {
			log.WithFields(log.Fields{
				"tenant":  tenant.TenantID,
				"service": name,
			}).Warn("tenant enables a service missing from the catalog, skipping")
			continue
		}
		for _, ep := range svc.EnabledEndpoints() {
			if req.TableName != "" && ep.TableName != req.TableName {
				continue
			}
			work = append(work, tableWork{service: svc, binding: binding, endpoint: ep})
		}
	}
	return work
}
