package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/tributary-data/tributary/ops"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "run", "Run an ingestion pipeline job", `
Run an ingestion pipeline job across every enabled tenant, or a single
tenant with --tenant. The command returns when the job reaches a terminal
status; progress is journaled throughout, so a killed run is observable
and its chunks resumable.
`, &cmdRun{})

	addCmd(parser, "resume-chunk", "Resume a suspended or failed chunk", `
Resume a chunk from its persisted cursor. Chunks suspend when they reach
their execution budget; this command continues one from where it stopped,
and advances the table watermark if it completes the table's chunk set.
`, &cmdResumeChunk{})

	addCmd(parser, "transform", "Re-run the canonical transform of raw files", `
Manually transform and load a set of raw objects into the canonical store.
This is the repair path for transforms that failed after their chunks
completed; the sink is idempotent, so re-running converges.
`, &cmdTransform{})

	addCmd(parser, "get-job", "Show a job and its chunks", `
Print a processing job and its chunk rows as JSON.
`, &cmdGetJob{})

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(flagErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	ops.Must(err, "failed to add flags parser command")
	return cmd
}
