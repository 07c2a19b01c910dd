// Package sim is an in-process stand-in for a GPU diffusion library. It
// models SDXL weight shapes, device memory and inference latency closely
// enough to exercise every build option end to end without an accelerator.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/device"
	"github.com/23skdu/longbow-diffbench/internal/hub"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

const (
	BackendName = "sim"
	DeviceName  = "cuda"
	// DefaultClassName is reported for checkpoints missing from the local
	// cache.
	DefaultClassName = "StableDiffusionXLPipeline"
)

func init() {
	pipeline.Register(BackendName, func(opts pipeline.Options) (*pipeline.Backend, error) {
		return New(opts), nil
	})
}

// Clock is a virtual clock advanced by simulated work.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sim struct {
	dev   *device.CPUAllocator
	clock *Clock
	// scale multiplies simulated durations into real sleeps.
	scale float64
}

// New returns a simulated backend. Reported timings come from the virtual
// clock; opts.SimScale only controls how long calls really block.
func New(opts pipeline.Options) *pipeline.Backend {
	capacity := opts.DeviceMemory
	if capacity <= 0 {
		capacity = defaultDeviceMemory
	}
	s := &sim{
		dev:   device.NewCPUAllocator(DeviceName, capacity),
		clock: &Clock{now: time.Unix(0, 0)},
		scale: opts.SimScale,
	}
	return &pipeline.Backend{
		Name:      BackendName,
		Device:    DeviceName,
		Loader:    s,
		Compiler:  s,
		Quantizer: s,
		Runtime:   s.dev,
		Clock:     s.clock.Now,
	}
}

// spend advances the virtual clock by d and blocks for d scaled.
func (s *sim) spend(ctx context.Context, d time.Duration) error {
	s.clock.advance(d)
	if s.scale <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(float64(d) * s.scale))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sim) Load(ctx context.Context, checkpoint string, dtype pipeline.DType) (pipeline.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	class, err := hub.ClassName(checkpoint, "")
	if err != nil {
		logger.Log.Debug("Checkpoint not cached, using built-in class", "checkpoint", checkpoint, "error", err)
		class = DefaultClassName
	}
	p := &simPipeline{
		sim:       s,
		className: class,
		dtype:     dtype,
		attention: pipeline.AttentionSDPA,
		progress:  true,
		components: map[string]*module{
			pipeline.ComponentUNet: newModule(s, pipeline.ComponentUNet, checkpoint, dtype, unetLayers()),
			pipeline.ComponentVAE:  newModule(s, pipeline.ComponentVAE, checkpoint, dtype, vaeLayers()),
		},
	}
	return p, nil
}

func (s *sim) LoadModule(ctx context.Context, checkpoint string, dtype pipeline.DType) (pipeline.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newModule(s, pipeline.ComponentVAE, checkpoint, dtype, vaeLayers()), nil
}

func (s *sim) Compile(ctx context.Context, m pipeline.Module, opts pipeline.CompileOptions) (pipeline.Module, error) {
	sm, err := s.own(m)
	if err != nil {
		return nil, err
	}
	if sm.compiled {
		return nil, fmt.Errorf("compile %s: already compiled: %w", sm.name, pipeline.ErrUnsupported)
	}
	if _, ok := compileModes[opts.Mode]; !ok {
		return nil, fmt.Errorf("compile %s: mode %q: %w", sm.name, opts.Mode, pipeline.ErrUnsupported)
	}
	if opts.Target == pipeline.TargetDecode && sm.name != pipeline.ComponentVAE {
		return nil, fmt.Errorf("compile %s: decode target on non-autoencoder: %w", sm.name, pipeline.ErrUnsupported)
	}
	out := sm.clone()
	out.compiled = true
	out.compile = opts
	// Weights move with the wrapper.
	sm.resident = 0
	sm.onDevice = false
	return out, nil
}

func (s *sim) Quantize(ctx context.Context, m pipeline.Module, layer string) error {
	sm, err := s.own(m)
	if err != nil {
		return err
	}
	if sm.compiled {
		return fmt.Errorf("quantize %s.%s: module already compiled: %w", sm.name, layer, pipeline.ErrUnsupported)
	}
	for _, l := range sm.layers {
		if l.Name != layer {
			continue
		}
		if l.Kind != pipeline.KindLinear && l.Kind != pipeline.KindConv2d {
			return fmt.Errorf("quantize %s.%s: %s layer: %w", sm.name, layer, l.Kind, pipeline.ErrUnsupported)
		}
		if sm.quantized[layer] {
			return nil
		}
		sm.quantized[layer] = true
		return sm.rebalance()
	}
	return fmt.Errorf("quantize %s.%s: no such layer", sm.name, layer)
}

func (s *sim) own(m pipeline.Module) (*module, error) {
	sm, ok := m.(*module)
	if !ok || sm.sim != s {
		return nil, fmt.Errorf("foreign module %T: %w", m, pipeline.ErrUnsupported)
	}
	return sm, nil
}
