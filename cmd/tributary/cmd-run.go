package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/journal"
	"github.com/tributary-data/tributary/ops"
	"github.com/tributary-data/tributary/pipeline"
)

type cmdRun struct {
	Tenant        string `long:"tenant" description:"Tenant to run; empty runs every enabled tenant"`
	Table         string `long:"table" description:"Restrict the run to one table"`
	ForceFullSync bool   `long:"force-full-sync" description:"Ignore watermarks and re-sync the lookback window"`
	BackfillStart string `long:"backfill-start" description:"Backfill range start (YYYY-MM-DD)"`
	BackfillEnd   string `long:"backfill-end" description:"Backfill range end (YYYY-MM-DD, exclusive)"`
	ChunkDays     int    `long:"chunk-days" description:"Chunk width override in days"`
	MetricsAddr   string `long:"metrics-addr" env:"METRICS_ADDR" description:"Expose prometheus metrics on this address"`

	AWS        awsConfig        `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	ClickHouse clickhouseConfig `group:"ClickHouse" namespace:"clickhouse" env-namespace:"CLICKHOUSE"`
	Catalog    catalogConfig    `group:"Catalog" namespace:"catalog" env-namespace:"CATALOG"`
	Log        ops.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdRun) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	if cmd.MetricsAddr != "" {
		ops.ServeMetrics(cmd.MetricsAddr)
	}

	var req = pipeline.Request{
		TenantID:          cmd.Tenant,
		TableName:         cmd.Table,
		ForceFullSync:     cmd.ForceFullSync,
		ChunkSizeOverride: cmd.ChunkDays,
	}
	if cmd.BackfillStart != "" || cmd.BackfillEnd != "" {
		start, err := time.Parse("2006-01-02", cmd.BackfillStart)
		if err != nil {
			return fmt.Errorf("parsing --backfill-start: %w", err)
		}
		end, err := time.Parse("2006-01-02", cmd.BackfillEnd)
		if err != nil {
			return fmt.Errorf("parsing --backfill-end: %w", err)
		}
		req.Backfill = &journal.DateRange{Start: start, End: end, ChunkDays: cmd.ChunkDays}
	}

	p, err := buildPipeline(cmd.AWS, cmd.ClickHouse, cmd.Catalog)
	if err != nil {
		return err
	}

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	job, err := p.StartPipeline(ctx, req)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"job":       job.JobID,
		"status":    job.Status,
		"tenants":   job.TenantsTotal,
		"succeeded": job.TenantsSucceeded,
		"failed":    job.TenantsFailed,
		"records":   job.RecordsProcessed,
	}).Info("run finished")

	if job.Status == journal.JobFailed {
		return fmt.Errorf("job %s failed", job.JobID)
	}
	return nil
}
