package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-diffbench/internal/bench"
	"github.com/23skdu/longbow-diffbench/internal/builder"
	"github.com/23skdu/longbow-diffbench/internal/config"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/metrics"
	"github.com/23skdu/longbow-diffbench/internal/objectstore"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/remote"
	"github.com/23skdu/longbow-diffbench/internal/report"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Main runs the driver for variant on the process arguments and exits.
// SIGINT and SIGTERM cancel the run before a result is written.
func Main(variant config.Variant) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, variant, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// Run executes one benchmark and returns the process exit code.
func Run(ctx context.Context, variant config.Variant, args []string, stderr io.Writer) int {
	opts, err := Parse(variant, args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return ExitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	store, err := objectstore.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "Error: object store: %v\n", err)
		return ExitUsage
	}

	logger.Setup(opts.LogLevel, opts.LogFormat)
	log := logger.Log.With("run_id", uuid.NewString(), "variant", string(variant))

	if opts.MetricsAddr != "" {
		go func() {
			log.Info("Metrics serving", "addr", opts.MetricsAddr)
			if err := metrics.Serve(opts.MetricsAddr); err != nil {
				log.Warn("Metrics server stopped", "error", err)
			}
		}()
	}
	if opts.MetricsTextfile != "" {
		defer func() {
			if err := metrics.WriteTextfile(opts.MetricsTextfile); err != nil {
				log.Warn("Failed to write metrics textfile", "path", opts.MetricsTextfile, "error", err)
			}
		}()
	}

	if err := run(ctx, opts, store, log); err != nil {
		metrics.RecordRun("error")
		log.Error("Benchmark failed", "name", opts.Config.Name(), "error", err)
		return ExitFailure
	}
	metrics.RecordRun("ok")
	return ExitOK
}

func run(ctx context.Context, opts Options, store objectstore.Config, log *logger.Logger) error {
	cfg := opts.Config
	name := cfg.Name()

	backend, err := pipeline.Open(opts.Backend, pipeline.Options{Addr: opts.Worker, SimScale: opts.SimScale})
	if err != nil {
		return err
	}
	if backend.Close != nil {
		defer backend.Close()
	}
	log.Info("Building pipeline", "name", name, "backend", backend.Name, "device", backend.Runtime.Name())

	built, err := builder.New(backend, log).Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	runner := bench.NewRunner(backend.Runtime, cfg)
	runner.Log = log
	if backend.Clock != nil {
		runner.Now = backend.Clock
	}
	m, err := runner.Measure(ctx, built.Pipeline, cfg)
	if err != nil {
		return fmt.Errorf("measure: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if backend.Err != nil {
		if err := backend.Err(); err != nil {
			return fmt.Errorf("measure: backend: %w", err)
		}
	}

	rec := bench.NewRecord(built.Pipeline.ClassName(), cfg, m)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	// A result file on disk means every upload succeeded.
	if opts.ResultsFlight != "" {
		if err := upload(ctx, opts.ResultsFlight, name, rec); err != nil {
			return err
		}
		log.Info("Uploaded result", "collector", opts.ResultsFlight)
	}
	path, err := report.WriteFile(opts.OutputDir, name, rec)
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if store.Enabled() {
		if err := publish(ctx, store, path); err != nil {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warn("Failed to remove unpublished result", "path", path, "error", rmErr)
			}
			return err
		}
	}
	log.Info("Benchmark complete",
		"pipeline", rec.PipelineClass,
		"time_secs", rec.TimeSecs,
		"memory_gib", rec.MemoryGiB,
		"path", path)
	return nil
}

func upload(ctx context.Context, addr, name string, rec bench.Record) error {
	c, err := remote.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.PutResults(ctx, name, rec); err != nil {
		return fmt.Errorf("upload result: %w", err)
	}
	return nil
}

func publish(ctx context.Context, cfg objectstore.Config, path string) error {
	p, err := objectstore.NewPublisher(cfg)
	if err != nil {
		return err
	}
	if err := p.EnsureBucket(ctx); err != nil {
		return err
	}
	_, err = p.Publish(ctx, path)
	return err
}
