package sim

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/bench"
	"github.com/23skdu/longbow-diffbench/internal/builder"
	"github.com/23skdu/longbow-diffbench/internal/config"
	"github.com/23skdu/longbow-diffbench/internal/device"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/quant"
)

func newBackend(t *testing.T, opts pipeline.Options) *pipeline.Backend {
	t.Helper()
	t.Setenv("HF_HUB_CACHE", t.TempDir())
	return New(opts)
}

// measure builds cfg on a fresh backend and runs the measurement protocol
// against the virtual clock.
func measure(t *testing.T, cfg config.Config) (*bench.Measurement, *builder.Built) {
	t.Helper()
	backend := newBackend(t, pipeline.Options{})
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
	return m, built
}

func approx(t *testing.T, what string, want, got float64) {
	t.Helper()
	if math.Abs(want-got) > 1e-3 {
		t.Errorf("%s: expected %.4f, got %.4f", what, want, got)
	}
}

func TestRegistered(t *testing.T) {
	b, err := pipeline.Open(BackendName, pipeline.Options{DeviceMemory: 24 << 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Device != DeviceName {
		t.Errorf("expected device %s, got %s", DeviceName, b.Device)
	}
	if b.Runtime.TotalMemory() != 24<<30 {
		t.Errorf("expected 24 GiB device, got %d", b.Runtime.TotalMemory())
	}
}

func TestLayerTables(t *testing.T) {
	unet := unetLayers()
	if got := totalParams(unet); got != 2_576_710_400 {
		t.Errorf("expected 2576710400 UNet params, got %d", got)
	}
	if got := totalParams(vaeLayers()); got != 83_624_528 {
		t.Errorf("expected 83624528 VAE params, got %d", got)
	}

	seen := map[string]bool{}
	for _, l := range unet {
		if seen[l.Name] {
			t.Fatalf("duplicate layer name %s", l.Name)
		}
		seen[l.Name] = true
	}
}

func TestQuantizationSelection(t *testing.T) {
	s := New(pipeline.Options{}).Loader.(*sim)
	unet := newModule(s, pipeline.ComponentUNet, "x", pipeline.Float16, unetLayers())
	vae := newModule(s, pipeline.ComponentVAE, "x", pipeline.Float16, vaeLayers())

	if got := len(quant.Select(unet)); got != 159 {
		t.Errorf("expected 159 quantizable UNet layers, got %d", got)
	}
	if got := len(quant.Select(vae)); got != 0 {
		t.Errorf("expected no quantizable VAE layers, got %d", got)
	}

	if err := unet.FuseQKVProjections(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(quant.Select(unet)); got != 209 {
		t.Errorf("expected 209 quantizable fused UNet layers, got %d", got)
	}
}

func TestFuseProjections(t *testing.T) {
	layers := unetLayers()
	fused := fuseProjections(layers)
	if totalParams(fused) != totalParams(layers) {
		t.Error("expected fusion to preserve parameter count")
	}

	var qkv, kv int
	for _, l := range fused {
		switch {
		case strings.HasSuffix(l.Name, "attn1.to_qkv"):
			qkv++
			if l.Out != 3*l.In {
				t.Errorf("%s: expected out 3*in, got %dx%d", l.Name, l.Out, l.In)
			}
		case strings.HasSuffix(l.Name, "attn2.to_kv"):
			kv++
			if l.In != crossAttentionDim {
				t.Errorf("%s: expected cross attention input, got %d", l.Name, l.In)
			}
		case strings.HasSuffix(l.Name, ".to_k"), strings.HasSuffix(l.Name, ".to_v"):
			t.Errorf("unfused projection %s left behind", l.Name)
		}
	}
	if qkv == 0 || qkv != kv {
		t.Errorf("expected matching self and cross attention fusions, got %d and %d", qkv, kv)
	}
}

func TestDefaultLatency(t *testing.T) {
	cfg := config.Default()
	m, built := measure(t, cfg)

	// text encoders + 30 UNet steps + decode
	approx(t, "time", 0.03+0.14*30+0.25, m.Samples[0].Seconds())
	if built.Pipeline.ClassName() != DefaultClassName {
		t.Errorf("expected %s, got %s", DefaultClassName, built.Pipeline.ClassName())
	}

	weights := (2_576_710_400 + 83_624_528 + textEncoderParams) * 2
	if m.PeakBytes != int64(weights)+vaeActivationBytes {
		t.Errorf("expected peak of weights plus decode activations, got %d", m.PeakBytes)
	}
}

func TestCompiledFirstCallPaysCompileCost(t *testing.T) {
	cfg := config.Default()
	cfg.CompileUNet = true

	backend := newBackend(t, pipeline.Options{})
	built, err := builder.New(backend, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	req := pipeline.Request{Prompt: config.DefaultPrompt, NumInferenceSteps: 30, ImagesPerPrompt: 1}

	var durations []time.Duration
	for i := 0; i < 2; i++ {
		start := backend.Clock()
		if err := built.Pipeline.Run(context.Background(), req); err != nil {
			t.Fatalf("run: %v", err)
		}
		durations = append(durations, backend.Clock().Sub(start))
	}
	steady := 0.03 + 0.14*30*reduceOverheadFactor + 0.25
	approx(t, "first call", steady+reduceOverheadCompile.Seconds(), durations[0].Seconds())
	approx(t, "second call", steady, durations[1].Seconds())
}

func TestOptionsShiftLatencyAndMemory(t *testing.T) {
	base, _ := measure(t, config.Default())

	tests := []struct {
		name   string
		mutate func(*config.Config)
		slower bool
		more   bool
	}{
		{"fp32", func(c *config.Config) { c.RunFP32 = true }, true, true},
		{"no sdpa", func(c *config.Config) { c.NoSDPA = true }, true, false},
		{"upcast vae", func(c *config.Config) { c.UpcastVAE = true }, true, true},
		{"batch 4", func(c *config.Config) { c.BatchSize = 4 }, true, true},
		{"fused", func(c *config.Config) { c.EnableFusedProjections = true }, false, false},
		{"max-autotune", func(c *config.Config) {
			c.CompileUNet = true
			c.CompileMode = config.CompileModeMaxAutotune
		}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			m, _ := measure(t, cfg)
			if slower := m.Samples[0] > base.Samples[0]; slower != tt.slower {
				t.Errorf("expected slower=%v, got %v vs base %v", tt.slower, m.Samples[0], base.Samples[0])
			}
			if more := m.PeakBytes > base.PeakBytes; more != tt.more {
				t.Errorf("expected more memory=%v, got %d vs base %d", tt.more, m.PeakBytes, base.PeakBytes)
			}
		})
	}
}

func TestQuantizationSavesMemory(t *testing.T) {
	cfg := config.Default()
	cfg.CompileUNet = true
	cfg.CompileMode = config.CompileModeMaxAutotune
	plain, _ := measure(t, cfg)

	cfg.DoQuant = true
	quantized, built := measure(t, cfg)

	if built.Quantized[pipeline.ComponentUNet] != 159 {
		t.Errorf("expected 159 quantized layers, got %d", built.Quantized[pipeline.ComponentUNet])
	}
	if quantized.PeakBytes >= plain.PeakBytes {
		t.Errorf("expected quantization to lower peak memory, got %d vs %d", quantized.PeakBytes, plain.PeakBytes)
	}
	if quantized.Samples[0] >= plain.Samples[0] {
		t.Errorf("expected quantization to lower latency, got %v vs %v", quantized.Samples[0], plain.Samples[0])
	}
}

func TestRejections(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t, pipeline.Options{})
	p, err := backend.Loader.Load(ctx, config.DefaultCheckpoint, pipeline.Float16)
	if err != nil {
		t.Fatal(err)
	}
	unet, _ := p.Component(pipeline.ComponentUNet)
	vae, _ := p.Component(pipeline.ComponentVAE)
	opts := pipeline.CompileOptions{Mode: "reduce-overhead", Target: pipeline.TargetModule}

	compiled, err := backend.Compiler.Compile(ctx, unet, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"compile twice", func() error { _, err := backend.Compiler.Compile(ctx, compiled, opts); return err }},
		{"quantize compiled", func() error { return backend.Quantizer.Quantize(ctx, compiled, "mid_block.attentions.0.proj_in") }},
		{"quantize norm", func() error { return backend.Quantizer.Quantize(ctx, vae, "decoder.conv_norm_out") }},
		{"unknown mode", func() error {
			_, err := backend.Compiler.Compile(ctx, vae, pipeline.CompileOptions{Mode: "NA"})
			return err
		}},
		{"decode target on unet", func() error {
			fresh, _ := backend.Loader.Load(ctx, config.DefaultCheckpoint, pipeline.Float16)
			u, _ := fresh.Component(pipeline.ComponentUNet)
			_, err := backend.Compiler.Compile(ctx, u, pipeline.CompileOptions{Mode: "max-autotune", Target: pipeline.TargetDecode})
			return err
		}},
		{"component mismatch", func() error { return p.SetComponent(pipeline.ComponentVAE, compiled) }},
		{"unknown device", func() error { return p.To(ctx, "tpu") }},
		{"unknown attention", func() error { return p.SetAttentionBackend("flash3") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, pipeline.ErrUnsupported) {
				t.Errorf("expected ErrUnsupported, got %v", err)
			}
		})
	}

	if err := backend.Quantizer.Quantize(ctx, vae, "no.such.layer"); err == nil {
		t.Error("expected error for unknown layer")
	}
	other := New(pipeline.Options{})
	if _, err := other.Compiler.Compile(ctx, vae, opts); !errors.Is(err, pipeline.ErrUnsupported) {
		t.Errorf("expected foreign module rejection, got %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	backend := newBackend(t, pipeline.Options{DeviceMemory: 4 << 30})
	_, err := builder.New(backend, nil).Build(context.Background(), config.Default())
	if !errors.Is(err, device.ErrOutOfMemory) {
		t.Fatalf("expected out of memory, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), builder.StepToDevice+":") {
		t.Errorf("expected error from the to_device step, got %v", err)
	}
}

func TestClassNameFromCache(t *testing.T) {
	cache := t.TempDir()
	snap := filepath.Join(cache, "models--acme--tiny-sd", "snapshots", "c0ffee")
	os.MkdirAll(snap, 0o755)
	os.MkdirAll(filepath.Join(cache, "models--acme--tiny-sd", "refs"), 0o755)
	os.WriteFile(filepath.Join(cache, "models--acme--tiny-sd", "refs", "main"), []byte("c0ffee"), 0o644)
	os.WriteFile(filepath.Join(snap, "model_index.json"), []byte(`{"_class_name": "StableDiffusionPipeline"}`), 0o644)
	t.Setenv("HF_HUB_CACHE", cache)

	p, err := New(pipeline.Options{}).Loader.Load(context.Background(), "acme/tiny-sd", pipeline.Float16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ClassName() != "StableDiffusionPipeline" {
		t.Errorf("expected class from model index, got %s", p.ClassName())
	}
}

func TestScaledRunHonoursCancellation(t *testing.T) {
	backend := newBackend(t, pipeline.Options{SimScale: 1})
	p, err := backend.Loader.Load(context.Background(), config.DefaultCheckpoint, pipeline.Float16)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Run(ctx, pipeline.Request{NumInferenceSteps: 30, ImagesPerPrompt: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("expected cancellation to cut the simulated sleep short")
	}
}

func TestRunRejectsEmptyRequest(t *testing.T) {
	backend := newBackend(t, pipeline.Options{})
	p, _ := backend.Loader.Load(context.Background(), config.DefaultCheckpoint, pipeline.Float16)
	if err := p.Run(context.Background(), pipeline.Request{}); err == nil {
		t.Error("expected error for zero steps and images")
	}
}
