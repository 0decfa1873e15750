package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tributary-data/tributary/journal"
	"github.com/tributary-data/tributary/ops"
)

type cmdGetJob struct {
	Job string `long:"job" required:"true" description:"Job id to fetch"`

	AWS        awsConfig        `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	ClickHouse clickhouseConfig `group:"ClickHouse" namespace:"clickhouse" env-namespace:"CLICKHOUSE"`
	Catalog    catalogConfig    `group:"Catalog" namespace:"catalog" env-namespace:"CATALOG"`
	Log        ops.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdGetJob) Execute(_ []string) error {
	ops.InitLog(cmd.Log)

	p, err := buildPipeline(cmd.AWS, cmd.ClickHouse, cmd.Catalog)
	if err != nil {
		return err
	}
	job, chunks, err := p.GetJob(context.Background(), cmd.Job)
	if err != nil {
		return err
	}

	var out = struct {
		Job    *journal.ProcessingJob   `json:"job"`
		Chunks []*journal.ChunkProgress `json:"chunks"`
	}{Job: job, Chunks: chunks}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(encoded))
	return nil
}
