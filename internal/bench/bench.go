package bench

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/config"
	"github.com/23skdu/longbow-diffbench/internal/device"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/metrics"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

// Runner drives the fixed measurement protocol: Warmup untimed calls, then
// Trials timed calls bracketed by device synchronization.
type Runner struct {
	Runtime device.Runtime
	Warmup  int
	Trials  int
	Prompt  string
	// Now is the clock used for timing, time.Now when nil.
	Now func() time.Time
	Log *logger.Logger
}

func NewRunner(rt device.Runtime, cfg config.Config) *Runner {
	return &Runner{
		Runtime: rt,
		Warmup:  config.WarmupRuns,
		Trials:  cfg.Trials,
		Prompt:  config.DefaultPrompt,
		Log:     logger.Log,
	}
}

// Measurement is the raw outcome of one protocol execution.
type Measurement struct {
	Samples        []time.Duration
	PeakBytes      int64
	DeviceCapacity int64
}

// Measure runs the protocol against p.
func (r *Runner) Measure(ctx context.Context, p pipeline.Pipeline, cfg config.Config) (*Measurement, error) {
	if r.Trials <= 0 {
		return nil, fmt.Errorf("invalid trials: %d (must be positive)", r.Trials)
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	log := r.Log
	if log == nil {
		log = logger.Log
	}
	req := pipeline.Request{
		Prompt:            r.Prompt,
		NumInferenceSteps: cfg.NumInferenceSteps,
		ImagesPerPrompt:   cfg.BatchSize,
	}

	for i := 0; i < r.Warmup; i++ {
		start := now()
		if err := p.Run(ctx, req); err != nil {
			return nil, fmt.Errorf("warmup %d: %w", i+1, err)
		}
		d := now().Sub(start)
		metrics.RecordWarmup(d)
		log.Debug("Warmup done", "iteration", i+1, "duration", d.String())
	}

	m := &Measurement{Samples: make([]time.Duration, 0, r.Trials)}
	for i := 0; i < r.Trials; i++ {
		d, err := r.timed(ctx, now, func() error { return p.Run(ctx, req) })
		if err != nil {
			return nil, fmt.Errorf("trial %d: %w", i+1, err)
		}
		metrics.RecordTrial(d)
		m.Samples = append(m.Samples, d)
	}

	m.PeakBytes = r.Runtime.MaxMemoryAllocated()
	m.DeviceCapacity = r.Runtime.TotalMemory()
	metrics.RecordPeakMemory(m.PeakBytes)
	return m, nil
}

func (r *Runner) timed(ctx context.Context, now func() time.Time, fn func() error) (time.Duration, error) {
	if err := r.Runtime.Synchronize(ctx); err != nil {
		return 0, err
	}
	start := now()
	if err := fn(); err != nil {
		return 0, err
	}
	if err := r.Runtime.Synchronize(ctx); err != nil {
		return 0, err
	}
	return now().Sub(start), nil
}

// Stats summarizes timed samples in seconds.
type Stats struct {
	Mean, Min, Max, Std float64
}

func Summarize(samples []time.Duration) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, d := range samples {
		v := d.Seconds()
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(samples))
	if len(samples) > 1 {
		var sq float64
		for _, d := range samples {
			diff := d.Seconds() - s.Mean
			sq += diff * diff
		}
		s.Std = math.Sqrt(sq / float64(len(samples)-1))
	}
	return s
}

// Record is one benchmark result, serialized as a single CSV row.
type Record struct {
	PipelineClass     string
	Checkpoint        string
	Variant           string
	BatchSize         int
	NumInferenceSteps int
	Fuse              bool
	FuseVAE           bool
	UpcastVAE         bool
	RunFP32           bool
	NoSDPA            bool
	CompileUNet       bool
	CompileVAE        bool
	CompileMode       string
	ChangeCompConfig  bool
	DoQuant           bool
	Trials            int
	TimeSecs          float64
	TimeMinSecs       float64
	TimeMaxSecs       float64
	TimeStdSecs       float64
	MemoryGiB         float64
	DeviceMemoryGiB   float64
	GitHubSHA         string
}

// NewRecord assembles the result record of a run.
func NewRecord(className string, cfg config.Config, m *Measurement) Record {
	cfg = cfg.Normalize()
	st := Summarize(m.Samples)
	return Record{
		PipelineClass:     className,
		Checkpoint:        cfg.Checkpoint,
		Variant:           string(cfg.Variant),
		BatchSize:         cfg.BatchSize,
		NumInferenceSteps: cfg.NumInferenceSteps,
		Fuse:              cfg.EnableFusedProjections,
		FuseVAE:           cfg.FuseVAEProjections,
		UpcastVAE:         cfg.UpcastVAE,
		RunFP32:           cfg.RunFP32,
		NoSDPA:            cfg.NoSDPA,
		CompileUNet:       cfg.CompileUNet,
		CompileVAE:        cfg.CompileVAE,
		CompileMode:       string(cfg.CompileMode),
		ChangeCompConfig:  cfg.ChangeCompConfig,
		DoQuant:           cfg.DoQuant,
		Trials:            len(m.Samples),
		TimeSecs:          st.Mean,
		TimeMinSecs:       st.Min,
		TimeMaxSecs:       st.Max,
		TimeStdSecs:       st.Std,
		MemoryGiB:         device.BytesToGiB(m.PeakBytes),
		DeviceMemoryGiB:   device.BytesToGiB(m.DeviceCapacity),
		GitHubSHA:         os.Getenv("GITHUB_SHA"),
	}
}

// Validate checks the invariants every persisted record must hold.
func (r Record) Validate() error {
	if r.PipelineClass == "" {
		return fmt.Errorf("invalid record: empty pipeline class")
	}
	if r.Checkpoint == "" {
		return fmt.Errorf("invalid record: empty checkpoint")
	}
	if !(r.TimeSecs > 0) {
		return fmt.Errorf("invalid record: time %v (must be positive)", r.TimeSecs)
	}
	if r.MemoryGiB < 0 {
		return fmt.Errorf("invalid record: memory %v (must be non-negative)", r.MemoryGiB)
	}
	return nil
}
