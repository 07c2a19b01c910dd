// Command pipeline_worker serves a pipeline backend over Arrow Flight so
// drivers on another host can build and measure pipelines on this one. It
// also collects result records uploaded with -results_flight.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/bench"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/monitoring"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/remote"
	"github.com/23skdu/longbow-diffbench/internal/report"
	"github.com/23skdu/longbow-diffbench/internal/sim"
)

var (
	listenAddr   = flag.String("listen", "0.0.0.0:3000", "Flight listen address")
	backendName  = flag.String("backend", sim.BackendName, "Backend to serve, empty collects results only")
	simScale     = flag.Float64("sim_scale", 0, "Real seconds slept per simulated second")
	deviceMemory = flag.Int64("device_memory_gib", 0, "Simulated device capacity in GiB, 0 keeps the default")
	collectDir   = flag.String("collect_dir", "", "Write uploaded result records into this directory")
	monitorAddr  = flag.String("monitor", "", "Address to serve health, status and metrics, empty disables")
	logLevel     = flag.String("log_level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat    = flag.String("log_format", "console", "Log format (console or json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log

	var backend *pipeline.Backend
	if *backendName != "" {
		if *backendName == remote.BackendName {
			fmt.Fprintln(os.Stderr, "Error: a worker cannot serve the flight backend")
			os.Exit(2)
		}
		b, err := pipeline.Open(*backendName, pipeline.Options{
			SimScale:     *simScale,
			DeviceMemory: *deviceMemory << 30,
		})
		if err != nil {
			log.Error("Failed to open backend", "error", err)
			os.Exit(1)
		}
		if b.Close != nil {
			defer b.Close()
		}
		backend = b
	}

	monitor := monitoring.NewHealthMonitor(backend)
	s := remote.NewServer(backend)
	s.OnAction = monitor.RecordAction
	s.OnResult = func(name string, recs []bench.Record) {
		monitor.RecordResult(name, len(recs))
		if *collectDir == "" {
			return
		}
		if _, err := collect(*collectDir, name, recs); err != nil {
			log.Warn("Failed to store result", "name", name, "error", err)
		}
	}

	if *monitorAddr != "" {
		go func() {
			if err := monitor.Start(*monitorAddr); err != nil {
				log.Warn("Health monitor stopped", "error", err)
			}
		}()
	}

	srv, err := remote.Listen(*listenAddr, s)
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}
	srv.SetShutdownOnSignals(os.Interrupt, syscall.SIGTERM)
	log.Info("Pipeline worker listening", "addr", srv.Addr().String(), "backend", *backendName)
	if err := srv.Serve(); err != nil {
		log.Error("Server stopped", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	monitor.Stop(ctx)
	log.Info("Pipeline worker stopped")
}

// collect stores one upload as a single result file holding all its rows.
func collect(dir, name string, recs []bench.Record) (string, error) {
	path, err := report.WriteFile(dir, name, recs...)
	if err != nil {
		return "", err
	}
	logger.Log.Info("Stored result", "path", path, "rows", len(recs))
	return path, nil
}
