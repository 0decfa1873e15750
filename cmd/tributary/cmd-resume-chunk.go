package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-data/tributary/journal"
	"github.com/tributary-data/tributary/ops"
)

type cmdResumeChunk struct {
	Job   string `long:"job" required:"true" description:"Job id of the chunk"`
	Chunk string `long:"chunk" required:"true" description:"Chunk id to resume"`

	AWS        awsConfig        `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	ClickHouse clickhouseConfig `group:"ClickHouse" namespace:"clickhouse" env-namespace:"CLICKHOUSE"`
	Catalog    catalogConfig    `group:"Catalog" namespace:"catalog" env-namespace:"CATALOG"`
	Log        ops.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdResumeChunk) Execute(_ []string) error {
	ops.InitLog(cmd.Log)

	p, err := buildPipeline(cmd.AWS, cmd.ClickHouse, cmd.Catalog)
	if err != nil {
		return err
	}
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	progress, err := p.ResumeChunk(ctx, cmd.Job, cmd.Chunk)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"job":     progress.JobID,
		"chunk":   progress.ChunkID,
		"status":  progress.Status,
		"records": progress.RecordsProcessed,
		"files":   len(progress.S3FilesWritten),
	}).Info("resume finished")

	if progress.Status != journal.ChunkCompleted {
		return fmt.Errorf("chunk %s finished %s", progress.ChunkID, progress.Status)
	}
	return nil
}
