// Package pipelinetest provides an in-memory backend that records every call
// made against it, for tests of code driving a pipeline.
package pipelinetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/device"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

// Recorder is the shared call log of a fake backend.
type Recorder struct {
	mu     sync.Mutex
	events []string
	// Fail maps an event name to the error returned when it happens.
	Fail map[string]error
	// RunDelay is slept on every Run call.
	RunDelay time.Duration
	// RunAlloc is allocated on the device during Run and freed after.
	RunAlloc int64

	Compiles []pipeline.CompileOptions
	Runs     []pipeline.Request
	Device   *device.CPUAllocator
}

func (r *Recorder) record(event string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if err, ok := r.Fail[event]; ok {
		return err
	}
	return nil
}

// Events returns a copy of the recorded call log.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Count returns how many times event was recorded.
func (r *Recorder) Count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// Index returns the position of the first occurrence of event, or -1.
func (r *Recorder) Index(event string) int {
	for i, e := range r.Events() {
		if e == event {
			return i
		}
	}
	return -1
}

// NewBackend returns a fake backend wired to a fresh Recorder.
func NewBackend() (*pipeline.Backend, *Recorder) {
	rec := &Recorder{Fail: map[string]error{}, Device: device.NewCPUAllocator("fake", 0)}
	return &pipeline.Backend{
		Name:      "fake",
		Device:    "cuda",
		Loader:    &Loader{rec: rec},
		Compiler:  &Compiler{rec: rec},
		Quantizer: &Quantizer{rec: rec},
		Runtime:   &Runtime{rec: rec},
	}, rec
}

// DefaultLayers is a small UNet-like layer table: two layers pass the
// quantization predicate.
func DefaultLayers() []pipeline.Layer {
	return []pipeline.Layer{
		{Name: "down.attn.to_q", Kind: pipeline.KindLinear, In: 640, Out: 640, Params: 640 * 640},
		{Name: "mid.ff.proj", Kind: pipeline.KindLinear, In: 1280, Out: 10240, Params: 1280 * 10240},
		{Name: "mid.ff.out", Kind: pipeline.KindLinear, In: 5120, Out: 1280, Params: 5120 * 1280},
		{Name: "mid.norm", Kind: pipeline.KindGroupNorm, In: 1280, Out: 1280, Params: 2 * 1280},
	}
}

type Module struct {
	rec      *Recorder
	name     string
	source   string
	compiled bool
}

func (m *Module) Name() string { return m.name }

// Source is the checkpoint the module came from.
func (m *Module) Source() string { return m.source }

func (m *Module) Compiled() bool { return m.compiled }

func (m *Module) Layers() []pipeline.Layer { return DefaultLayers() }

func (m *Module) FuseQKVProjections() error {
	return m.rec.record("fuse:" + m.name)
}

func (m *Module) SetMemoryFormat(f pipeline.MemoryFormat) error {
	return m.rec.record(fmt.Sprintf("memory_format:%s:%s", m.name, f))
}

type Pipeline struct {
	rec        *Recorder
	components map[string]*Module
}

func (p *Pipeline) ClassName() string { return "StableDiffusionXLPipeline" }

func (p *Pipeline) Component(name string) (pipeline.Module, error) {
	m, ok := p.components[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, pipeline.ErrNotLoaded)
	}
	return m, nil
}

// Module returns the concrete fake behind a component.
func (p *Pipeline) Module(name string) *Module { return p.components[name] }

func (p *Pipeline) SetComponent(name string, m pipeline.Module) error {
	fm, ok := m.(*Module)
	if !ok {
		return fmt.Errorf("set %s: foreign module %T: %w", name, m, pipeline.ErrUnsupported)
	}
	if err := p.rec.record("set_component:" + name); err != nil {
		return err
	}
	p.components[name] = fm
	return nil
}

func (p *Pipeline) UpcastVAE() error { return p.rec.record("upcast_vae") }

func (p *Pipeline) SetAttentionBackend(b pipeline.AttentionBackend) error {
	return p.rec.record("attention:" + string(b))
}

func (p *Pipeline) To(ctx context.Context, dev string) error { return p.rec.record("to:" + dev) }

func (p *Pipeline) SetProgressBar(enabled bool) error {
	return p.rec.record(fmt.Sprintf("progress_bar:%v", enabled))
}

func (p *Pipeline) Run(ctx context.Context, req pipeline.Request) error {
	if err := p.rec.record("run"); err != nil {
		return err
	}
	p.rec.mu.Lock()
	p.rec.Runs = append(p.rec.Runs, req)
	p.rec.mu.Unlock()
	if p.rec.RunAlloc > 0 {
		if err := p.rec.Device.Alloc(p.rec.RunAlloc); err != nil {
			return err
		}
		defer p.rec.Device.Free(p.rec.RunAlloc)
	}
	if p.rec.RunDelay > 0 {
		select {
		case <-time.After(p.rec.RunDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type Loader struct{ rec *Recorder }

func (l *Loader) Load(ctx context.Context, checkpoint string, dtype pipeline.DType) (pipeline.Pipeline, error) {
	if err := l.rec.record(fmt.Sprintf("load:%s:%s", checkpoint, dtype)); err != nil {
		return nil, err
	}
	return &Pipeline{rec: l.rec, components: map[string]*Module{
		pipeline.ComponentUNet: {rec: l.rec, name: pipeline.ComponentUNet, source: checkpoint},
		pipeline.ComponentVAE:  {rec: l.rec, name: pipeline.ComponentVAE, source: checkpoint},
	}}, nil
}

func (l *Loader) LoadModule(ctx context.Context, checkpoint string, dtype pipeline.DType) (pipeline.Module, error) {
	if err := l.rec.record(fmt.Sprintf("load_module:%s:%s", checkpoint, dtype)); err != nil {
		return nil, err
	}
	return &Module{rec: l.rec, name: pipeline.ComponentVAE, source: checkpoint}, nil
}

type Compiler struct{ rec *Recorder }

func (c *Compiler) Compile(ctx context.Context, m pipeline.Module, opts pipeline.CompileOptions) (pipeline.Module, error) {
	if err := c.rec.record(fmt.Sprintf("compile:%s:%s", m.Name(), opts.Target)); err != nil {
		return nil, err
	}
	c.rec.mu.Lock()
	c.rec.Compiles = append(c.rec.Compiles, opts)
	c.rec.mu.Unlock()
	fm := m.(*Module)
	return &Module{rec: c.rec, name: fm.name, source: fm.source, compiled: true}, nil
}

type Quantizer struct{ rec *Recorder }

func (q *Quantizer) Quantize(ctx context.Context, m pipeline.Module, layer string) error {
	return q.rec.record(fmt.Sprintf("quantize:%s:%s", m.Name(), layer))
}

// Runtime wraps the recorder's allocator and logs synchronizations.
type Runtime struct{ rec *Recorder }

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Synchronize(ctx context.Context) error {
	if err := r.rec.record("sync"); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runtime) MaxMemoryAllocated() int64 { return r.rec.Device.MaxMemoryAllocated() }

func (r *Runtime) ResetPeakMemoryStats() { r.rec.Device.ResetPeakMemoryStats() }

func (r *Runtime) TotalMemory() int64 { return 80 << 30 }
