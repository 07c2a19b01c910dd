// Command sdxl_sweep runs every configuration of a YAML sweep matrix through
// a driver binary, one process per configuration, and writes a manifest.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/sweep"
)

var (
	configPath   = flag.String("config", "sweep.yaml", "Sweep definition")
	skipExisting = flag.Bool("skip_existing", false, "Skip configurations whose result file already exists")
	dryRun       = flag.Bool("dry_run", false, "Print the expanded configurations and exit")
	logLevel     = flag.String("log_level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat    = flag.String("log_format", "console", "Log format (console or json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log

	f, err := sweep.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	exp := f.Expand()
	for name, reason := range exp.Skipped {
		log.Debug("Skipping invalid combination", "name", name, "reason", reason)
	}
	log.Info("Sweep expanded", "configs", len(exp.Configs), "invalid", len(exp.Skipped))

	if *dryRun {
		for _, c := range exp.Configs {
			fmt.Println(c.Name())
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := sweep.NewRunner(f)
	r.SkipExisting = *skipExisting
	m := r.Run(ctx, exp.Configs)

	path, err := sweep.WriteManifest(r.OutputDir, m)
	if err != nil {
		log.Error("Failed to write manifest", "error", err)
		os.Exit(1)
	}
	log.Info("Sweep complete", "runs", len(m.Runs), "failed", m.Failed(), "manifest", path)
	if m.Failed() > 0 {
		stop()
		os.Exit(1)
	}
}
