package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/23skdu/longbow-diffbench/internal/bench"
	"github.com/23skdu/longbow-diffbench/internal/builder"
	"github.com/23skdu/longbow-diffbench/internal/config"
	"github.com/23skdu/longbow-diffbench/internal/device"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/pipeline/pipelinetest"
	"github.com/23skdu/longbow-diffbench/internal/quant"
	"github.com/23skdu/longbow-diffbench/internal/sim"
)

func startWorker(t *testing.T, backend *pipeline.Backend) (*Server, string) {
	t.Helper()
	s := NewServer(backend)
	srv, err := Listen("localhost:0", s)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Shutdown)
	return s, srv.Addr().String()
}

func connect(t *testing.T, addr string) (*Client, *pipeline.Backend) {
	t.Helper()
	c, err := Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := c.Backend(ctx)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	return c, b
}

func quantConfig() config.Config {
	cfg := config.Default()
	cfg.EnableFusedProjections = true
	cfg.CompileUNet = true
	cfg.CompileVAE = true
	cfg.CompileMode = config.CompileModeMaxAutotune
	cfg.ChangeCompConfig = true
	cfg.DoQuant = true
	return cfg
}

func TestBuildThroughWorkerMatchesLocal(t *testing.T) {
	cfg := quantConfig()

	local, localRec := pipelinetest.NewBackend()
	want, err := builder.New(local, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("local build: %v", err)
	}

	worker, workerRec := pipelinetest.NewBackend()
	_, addr := startWorker(t, worker)
	_, backend := connect(t, addr)
	if backend.Device != worker.Device {
		t.Errorf("expected device %s from worker, got %s", worker.Device, backend.Device)
	}

	got, err := builder.New(backend, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("remote build: %v", err)
	}

	we, ge := localRec.Events(), workerRec.Events()
	if len(we) != len(ge) {
		t.Fatalf("expected events %v, got %v", we, ge)
	}
	for i := range we {
		if we[i] != ge[i] {
			t.Fatalf("event %d: expected %s, got %s", i, we[i], ge[i])
		}
	}
	if got.Compiler != want.Compiler {
		t.Errorf("expected compiler config %+v, got %+v", want.Compiler, got.Compiler)
	}
	if got.Quantized[pipeline.ComponentUNet] != 2 {
		t.Errorf("expected 2 quantized UNet layers, got %d", got.Quantized[pipeline.ComponentUNet])
	}
	if got.Pipeline.ClassName() != "StableDiffusionXLPipeline" {
		t.Errorf("unexpected class %s", got.Pipeline.ClassName())
	}
	if len(workerRec.Compiles) != 2 || workerRec.Compiles[1].Config != got.Compiler {
		t.Errorf("expected compile options to cross the wire, got %+v", workerRec.Compiles)
	}
}

func TestMeasureThroughWorker(t *testing.T) {
	cfg := config.Default()
	worker, rec := pipelinetest.NewBackend()
	rec.RunAlloc = 1 << 30
	_, addr := startWorker(t, worker)
	_, backend := connect(t, addr)

	built, err := builder.New(backend, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	start := len(rec.Events())
	m, err := bench.NewRunner(backend.Runtime, cfg).Measure(context.Background(), built.Pipeline, cfg)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}

	events := rec.Events()[start:]
	want := []string{"run", "run", "run", "sync", "run", "sync"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, events)
	}
	if m.PeakBytes != 1<<30 {
		t.Errorf("expected peak 1 GiB, got %d", m.PeakBytes)
	}
	if m.DeviceCapacity != 80<<30 {
		t.Errorf("expected 80 GiB capacity, got %d", m.DeviceCapacity)
	}
	if rec.Runs[0].Prompt != config.DefaultPrompt || rec.Runs[0].NumInferenceSteps != 30 {
		t.Errorf("unexpected request %+v", rec.Runs[0])
	}
}

func TestSimWorkerUsesVirtualClock(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", t.TempDir())
	cfg := config.Default()
	_, addr := startWorker(t, sim.New(pipeline.Options{}))
	_, backend := connect(t, addr)
	if backend.Clock == nil {
		t.Fatal("expected the worker clock to be used")
	}

	built, err := builder.New(backend, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	r := bench.NewRunner(backend.Runtime, cfg)
	r.Now = backend.Clock
	m, err := r.Measure(context.Background(), built.Pipeline, cfg)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if got := m.Samples[0].Seconds(); math.Abs(got-4.48) > 1e-3 {
		t.Errorf("expected 4.48s of simulated time, got %v", got)
	}
	if m.PeakBytes <= 0 {
		t.Errorf("expected positive peak memory, got %d", m.PeakBytes)
	}
}

func TestSessionsOnOneWorkerMeasureAlike(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", t.TempDir())
	cfg := config.Default()
	s, addr := startWorker(t, sim.New(pipeline.Options{}))

	var peaks []int64
	for i := 0; i < 3; i++ {
		c, backend := connect(t, addr)
		built, err := builder.New(backend, nil).Build(context.Background(), cfg)
		if err != nil {
			t.Fatalf("session %d: build: %v", i, err)
		}
		r := bench.NewRunner(backend.Runtime, cfg)
		r.Now = backend.Clock
		m, err := r.Measure(context.Background(), built.Pipeline, cfg)
		if err != nil {
			t.Fatalf("session %d: measure: %v", i, err)
		}
		peaks = append(peaks, m.PeakBytes)
		if err := c.Close(); err != nil {
			t.Fatalf("session %d: close: %v", i, err)
		}
	}
	for i := 1; i < len(peaks); i++ {
		if peaks[i] != peaks[0] {
			t.Errorf("session %d: expected peak %d, got %d", i, peaks[0], peaks[i])
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pipelines) != 0 || len(s.modules) != 0 || len(s.moduleIDs) != 0 || len(s.sessions) != 0 {
		t.Errorf("expected released handles, got %d pipelines %d modules %d sessions",
			len(s.pipelines), len(s.modules), len(s.sessions))
	}
}

func TestReleaseMovesOnlyOwnPipelinesToHost(t *testing.T) {
	worker, rec := pipelinetest.NewBackend()
	s, addr := startWorker(t, worker)
	kept, keptBackend := connect(t, addr)
	gone, goneBackend := connect(t, addr)

	if _, err := builder.New(keptBackend, nil).Build(context.Background(), config.Default()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := builder.New(goneBackend, nil).Build(context.Background(), config.Default()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := gone.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := rec.Count("to:cpu"); n != 1 {
		t.Errorf("expected one pipeline moved to host, got %d", n)
	}

	s.mu.Lock()
	n := len(s.pipelines)
	s.mu.Unlock()
	if n != 1 {
		t.Errorf("expected the other session's pipeline to stay, got %d", n)
	}
	if _, err := kept.call(context.Background(), ActionProgressBar, request{Pipeline: "p1"}); err != nil {
		t.Errorf("expected the remaining pipeline to answer, got %v", err)
	}
}

func TestSwallowedFailuresAreReported(t *testing.T) {
	worker, _ := pipelinetest.NewBackend()
	s := NewServer(worker)
	srv, err := Listen("localhost:0", s)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	c, backend := connect(t, srv.Addr().String())
	c.timeout = 2 * time.Second

	cfg := config.Default()
	built, err := builder.New(backend, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := backend.Err(); err != nil {
		t.Fatalf("expected no error before shutdown, got %v", err)
	}

	srv.Shutdown()
	if got := backend.Runtime.MaxMemoryAllocated(); got != 0 {
		t.Errorf("expected zero peak from a dead worker, got %d", got)
	}
	if !c.clock().IsZero() {
		t.Error("expected zero time from a dead worker")
	}
	if backend.Err() == nil {
		t.Fatal("expected the failed reads to be reported")
	}
	if _, err := bench.NewRunner(backend.Runtime, cfg).Measure(context.Background(), built.Pipeline, cfg); err == nil {
		t.Error("expected measure to fail against a dead worker")
	}
}

func TestUnlistableLayersFailQuantization(t *testing.T) {
	worker, rec := pipelinetest.NewBackend()
	_, addr := startWorker(t, worker)
	c, backend := connect(t, addr)

	missing := &remoteModule{c: c, id: "m404", name: pipeline.ComponentUNet}
	n, err := quant.Apply(context.Background(), backend.Quantizer, missing)
	if err == nil || n != 0 {
		t.Fatalf("expected quantization to fail, got %d layers and %v", n, err)
	}
	if !errors.Is(c.Err(), pipeline.ErrNotLoaded) {
		t.Errorf("expected the layer listing failure to stick, got %v", c.Err())
	}
	for _, e := range rec.Events() {
		if strings.HasPrefix(e, "quantize:") {
			t.Errorf("expected no quantize calls, got %s", e)
		}
	}

	// Later build steps see the stuck error.
	if _, err := builder.New(backend, nil).Build(context.Background(), config.Default()); !errors.Is(err, pipeline.ErrNotLoaded) {
		t.Errorf("expected build to fail on the earlier error, got %v", err)
	}
}

func TestOnActionSeesEveryCall(t *testing.T) {
	worker, rec := pipelinetest.NewBackend()
	rec.Fail["upcast_vae"] = pipeline.ErrNotLoaded
	s, addr := startWorker(t, worker)
	var mu sync.Mutex
	calls := map[string]int{}
	var failed error
	s.OnAction = func(action string, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls[action]++
		if err != nil {
			failed = err
		}
	}
	_, backend := connect(t, addr)

	cfg := config.Default()
	cfg.UpcastVAE = true
	if _, err := builder.New(backend, nil).Build(context.Background(), cfg); err == nil {
		t.Fatal("expected build error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls[ActionInfo] != 1 || calls[ActionLoad] != 1 || calls[ActionUpcastVAE] != 1 {
		t.Errorf("unexpected calls %v", calls)
	}
	if !errors.Is(failed, pipeline.ErrNotLoaded) {
		t.Errorf("expected the unwrapped backend error, got %v", failed)
	}
}

func TestErrorsKeepSentinels(t *testing.T) {
	tests := []struct {
		name   string
		failOn string
		err    error
		want   error
	}{
		{"unsupported", "compile:unet:module", fmt.Errorf("mode: %w", pipeline.ErrUnsupported), pipeline.ErrUnsupported},
		{"out of memory", "to:cuda", fmt.Errorf("alloc: %w", device.ErrOutOfMemory), device.ErrOutOfMemory},
		{"not loaded", "upcast_vae", pipeline.ErrNotLoaded, pipeline.ErrNotLoaded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker, rec := pipelinetest.NewBackend()
			rec.Fail[tt.failOn] = tt.err
			_, addr := startWorker(t, worker)
			_, backend := connect(t, addr)

			cfg := config.Default()
			cfg.CompileUNet = true
			cfg.UpcastVAE = true
			_, err := builder.New(backend, nil).Build(context.Background(), cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestUnknownHandlesAndActions(t *testing.T) {
	worker, _ := pipelinetest.NewBackend()
	_, addr := startWorker(t, worker)
	c, _ := connect(t, addr)
	ctx := context.Background()

	if _, err := c.call(ctx, ActionRun, request{Pipeline: "p99", Run: &pipeline.Request{}}); !errors.Is(err, pipeline.ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded for unknown pipeline, got %v", err)
	}
	if _, err := c.call(ctx, ActionLayers, request{Module: "m99"}); !errors.Is(err, pipeline.ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded for unknown module, got %v", err)
	}
	if _, err := c.call(ctx, "teleport", request{}); !errors.Is(err, pipeline.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for unknown action, got %v", err)
	}
	if _, err := c.call(ctx, ActionClock, request{}); !errors.Is(err, pipeline.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for missing clock, got %v", err)
	}

	other, _ := pipelinetest.NewBackend()
	p, _ := other.Loader.Load(ctx, "x/y", pipeline.Float16)
	m, _ := p.Component(pipeline.ComponentUNet)
	if err := (*quantizer)(c).Quantize(ctx, m, "mid.ff.proj"); !errors.Is(err, pipeline.ErrUnsupported) {
		t.Errorf("expected foreign module rejection, got %v", err)
	}
}

func TestListActions(t *testing.T) {
	worker, _ := pipelinetest.NewBackend()
	_, addr := startWorker(t, worker)
	c, _ := connect(t, addr)

	stream, err := c.client.ListActions(context.Background(), &flight.Empty{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for {
		a, err := stream.Recv()
		if err != nil {
			break
		}
		seen[a.Type] = true
	}
	for name := range actionDescriptions {
		if !seen[name] {
			t.Errorf("action %s not listed", name)
		}
	}
}

func TestPutResults(t *testing.T) {
	s, addr := startWorker(t, nil)
	var mu sync.Mutex
	var got []string
	s.OnResult = func(name string, recs []bench.Record) {
		mu.Lock()
		got = append(got, name)
		mu.Unlock()
	}

	c, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	cfg := config.Default()
	m := &bench.Measurement{Samples: []time.Duration{2 * time.Second}, PeakBytes: 9 << 30, DeviceCapacity: 80 << 30}
	a := bench.NewRecord("StableDiffusionXLPipeline", cfg, m)
	b := a
	b.BatchSize = 4

	name := cfg.Name()
	if err := c.PutResults(context.Background(), name, a, b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs := s.Results(name)
	if len(recs) != 2 || recs[0] != a || recs[1] != b {
		t.Errorf("expected uploaded records back, got %+v", recs)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != name {
		t.Errorf("expected one callback for %s, got %v", name, got)
	}

	// A collector without a backend refuses pipeline calls.
	if _, err := c.call(context.Background(), ActionInfo, request{}); err == nil {
		t.Error("expected error from collector without backend")
	}
}

func TestRegisteredBackend(t *testing.T) {
	worker, _ := pipelinetest.NewBackend()
	_, addr := startWorker(t, worker)

	b, err := pipeline.Open(BackendName, pipeline.Options{Addr: addr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()
	if b.Runtime.Name() != "flight://"+addr {
		t.Errorf("unexpected runtime name %s", b.Runtime.Name())
	}

	if _, err := pipeline.Open(BackendName, pipeline.Options{}); err == nil {
		t.Error("expected error without a worker address")
	}
}
