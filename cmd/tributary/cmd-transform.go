package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/ops"
)

type cmdTransform struct {
	Tenant  string   `long:"tenant" required:"true" description:"Tenant owning the raw files"`
	Service string   `long:"service" required:"true" description:"Source service of the raw files"`
	Table   string   `long:"table" required:"true" description:"Source table to transform"`
	Files   []string `long:"file" required:"true" description:"Raw object key; repeatable"`

	AWS        awsConfig        `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	ClickHouse clickhouseConfig `group:"ClickHouse" namespace:"clickhouse" env-namespace:"CLICKHOUSE"`
	Catalog    catalogConfig    `group:"Catalog" namespace:"catalog" env-namespace:"CATALOG"`
	Log        ops.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdTransform) Execute(_ []string) error {
	ops.InitLog(cmd.Log)

	p, err := buildPipeline(cmd.AWS, cmd.ClickHouse, cmd.Catalog)
	if err != nil {
		return err
	}
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	result, err := p.Transformer.TransformAndLoad(ctx, cmd.Tenant, cmd.Service, cmd.Table, cmd.Files)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"tenant":    cmd.Tenant,
		"table":     cmd.Table,
		"canonical": result.CanonicalKey,
		"read":      result.RecordsRead,
		"skipped":   result.RecordsSkipped,
		"missing":   result.FilesMissing,
		"inserted":  result.Stats.Inserted,
		"updated":   result.Stats.Updated,
		"versioned": result.Stats.Versioned,
	}).Info("transform finished")
	return nil
}
