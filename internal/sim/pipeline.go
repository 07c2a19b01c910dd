package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

type simPipeline struct {
	sim        *sim
	className  string
	dtype      pipeline.DType
	attention  pipeline.AttentionBackend
	progress   bool
	upcast     bool
	device     string
	components map[string]*module

	textResident int64
	graphPool    int64
}

func (p *simPipeline) ClassName() string { return p.className }

func (p *simPipeline) Component(name string) (pipeline.Module, error) {
	m, ok := p.components[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, pipeline.ErrNotLoaded)
	}
	return m, nil
}

func (p *simPipeline) SetComponent(name string, m pipeline.Module) error {
	nm, err := p.sim.own(m)
	if err != nil {
		return err
	}
	if nm.name != name {
		return fmt.Errorf("set %s: got %s module: %w", name, nm.name, pipeline.ErrUnsupported)
	}
	if name == pipeline.ComponentVAE && p.upcast {
		nm.dtype = pipeline.Float32
	}
	if old := p.components[name]; old != nil && old != nm {
		old.toHost()
	}
	p.components[name] = nm
	if p.onDevice() {
		return nm.toDevice()
	}
	return nil
}

func (p *simPipeline) UpcastVAE() error {
	vae, ok := p.components[pipeline.ComponentVAE]
	if !ok {
		return fmt.Errorf("upcast: %w", pipeline.ErrNotLoaded)
	}
	p.upcast = true
	vae.dtype = pipeline.Float32
	return vae.rebalance()
}

func (p *simPipeline) SetAttentionBackend(b pipeline.AttentionBackend) error {
	switch b {
	case pipeline.AttentionSDPA, pipeline.AttentionVanilla:
		p.attention = b
		return nil
	default:
		return fmt.Errorf("attention backend %q: %w", b, pipeline.ErrUnsupported)
	}
}

func (p *simPipeline) onDevice() bool { return p.device == DeviceName }

func (p *simPipeline) To(ctx context.Context, dev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch dev {
	case DeviceName:
		if p.onDevice() {
			return nil
		}
		text := textEncoderParams * p.dtype.BytesPerParam()
		if err := p.sim.dev.Alloc(text); err != nil {
			return fmt.Errorf("move text encoders to %s: %w", dev, err)
		}
		p.textResident = text
		p.device = dev
		for _, name := range []string{pipeline.ComponentUNet, pipeline.ComponentVAE} {
			if err := p.components[name].toDevice(); err != nil {
				return err
			}
		}
		return nil
	case "cpu":
		for _, m := range p.components {
			m.toHost()
		}
		p.sim.dev.Free(p.textResident + p.graphPool)
		p.textResident, p.graphPool = 0, 0
		p.device = dev
		return nil
	default:
		return fmt.Errorf("device %q: %w", dev, pipeline.ErrUnsupported)
	}
}

func (p *simPipeline) SetProgressBar(enabled bool) error {
	p.progress = enabled
	return nil
}

func (p *simPipeline) Run(ctx context.Context, req pipeline.Request) error {
	if req.ImagesPerPrompt <= 0 || req.NumInferenceSteps <= 0 {
		return fmt.Errorf("invalid request: %d images, %d steps (must be positive)", req.ImagesPerPrompt, req.NumInferenceSteps)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d := p.latency(req)
	for _, m := range p.components {
		if m.compiled && !m.warm {
			d += compileCost(m)
			m.warm = true
		}
	}

	if p.onDevice() {
		if p.graphPool == 0 && p.usesCUDAGraphs() {
			if err := p.sim.dev.Alloc(cudaGraphPoolBytes); err != nil {
				return fmt.Errorf("capture graphs: %w", err)
			}
			p.graphPool = cudaGraphPoolBytes
		}
		act := p.activationBytes(req.ImagesPerPrompt)
		if err := p.sim.dev.Alloc(act); err != nil {
			return fmt.Errorf("denoise: %w", err)
		}
		defer p.sim.dev.Free(act)
	}
	return p.sim.spend(ctx, d)
}

func (p *simPipeline) usesCUDAGraphs() bool {
	for _, m := range p.components {
		if m.compiled && m.compile.Mode == "reduce-overhead" {
			return true
		}
	}
	return false
}

func compileCost(m *module) time.Duration {
	c := compileModes[m.compile.Mode].cost
	if m.compile.Config.CoordinateDescentTuning {
		c += coordinateDescentExtra
	}
	if m.compile.Target == pipeline.TargetDecode {
		c /= 2
	}
	return c
}

// factor is the latency multiplier of one component.
func (p *simPipeline) factor(m *module) float64 {
	f := 1.0
	if m.dtype == pipeline.Float32 {
		f *= fp32Factor
	}
	if p.attention == pipeline.AttentionVanilla {
		f *= vanillaAttnFactor
	}
	if m.fused {
		f *= fusedFactor
	}
	if m.compiled {
		f *= compileModes[m.compile.Mode].factor
		if m.compile.Config.CoordinateDescentTuning {
			f *= compConfigFactor
		}
	}
	return f * (1 - quantGain*m.quantizedShare())
}

func (p *simPipeline) latency(req pipeline.Request) time.Duration {
	b := batchScale(req.ImagesPerPrompt)
	text := textEncodeSeconds * b
	if p.dtype == pipeline.Float32 {
		text *= fp32Factor
	}
	unet := unetStepSeconds * b * float64(req.NumInferenceSteps) * p.factor(p.components[pipeline.ComponentUNet])
	vae := vaeDecodeSeconds * b * p.factor(p.components[pipeline.ComponentVAE])

	total := text + unet + vae
	if !p.onDevice() {
		total *= hostSlowdown
	}
	return seconds(total)
}

// activationBytes is the transient peak of one call. Denoising and decoding
// run one after the other, so the larger of the two wins.
func (p *simPipeline) activationBytes(batch int) int64 {
	n := int64(batch)
	unet := p.components[pipeline.ComponentUNet]
	vae := p.components[pipeline.ComponentVAE]

	denoise := unetActivationBytes * n
	if p.attention == pipeline.AttentionVanilla {
		denoise += vanillaAttentionBytes * n
	}
	if unet.dtype == pipeline.Float32 {
		denoise *= 2
	}
	decode := vaeActivationBytes * n
	if vae.dtype == pipeline.Float32 {
		decode *= 2
	}
	return max(denoise, decode)
}
