package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BuildStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "diffbench_build_step_duration_seconds",
		Help:    "Duration of each pipeline build step",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"step"})

	WarmupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "diffbench_warmup_duration_seconds",
		Help:    "Duration of untimed warmup invocations",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 120, 600},
	})

	TrialDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "diffbench_trial_duration_seconds",
		Help:       "Duration of timed inference invocations",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	PeakMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diffbench_peak_memory_bytes",
		Help: "Peak device memory allocated during the run",
	})

	QuantizedLayers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffbench_quantized_layers_total",
		Help: "Layers converted to dynamic quantization",
	}, []string{"module"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diffbench_runs_total",
		Help: "Benchmark runs by outcome",
	}, []string{"status"})
)

func RecordBuildStep(step string, d time.Duration) {
	BuildStepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func RecordWarmup(d time.Duration) {
	WarmupDuration.Observe(d.Seconds())
}

func RecordTrial(d time.Duration) {
	TrialDuration.Observe(d.Seconds())
}

func RecordPeakMemory(bytes int64) {
	PeakMemoryBytes.Set(float64(bytes))
}

func RecordQuantized(module string, n int) {
	QuantizedLayers.WithLabelValues(module).Add(float64(n))
}

func RecordRun(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}

// Serve exposes the default registry on addr until the server fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// WriteTextfile dumps the default registry in the node_exporter textfile
// format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
