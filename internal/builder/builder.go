package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/config"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/metrics"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/quant"
)

// Build step names, in execution order.
const (
	StepLoad        = "load"
	StepReplaceVAE  = "replace_vae"
	StepFuseUNet    = "fuse_unet"
	StepFuseVAE     = "fuse_vae"
	StepUpcastVAE   = "upcast_vae"
	StepAttention   = "attention"
	StepToDevice    = "to_device"
	StepCompileUNet = "compile_unet"
	StepCompileVAE  = "compile_vae"
	StepProgressBar = "progress_bar"
)

// Built is a pipeline ready for inference plus what the build did to it.
type Built struct {
	Pipeline pipeline.Pipeline
	// Compiler is the compiler configuration in effect after the build.
	Compiler pipeline.CompilerConfig
	// Steps lists the executed steps in order.
	Steps []string
	// Quantized counts quantized layers per component.
	Quantized map[string]int
}

type Builder struct {
	backend *pipeline.Backend
	log     *logger.Logger
}

func New(backend *pipeline.Backend, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.Log
	}
	return &Builder{backend: backend, log: log}
}

// Build turns cfg into a ready pipeline. Steps run in a fixed order because
// later ones act on what earlier ones produced: compilation must see the
// final dtype, device and weights. Any collaborator error aborts the build.
func (b *Builder) Build(ctx context.Context, cfg config.Config) (*Built, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	out := &Built{Quantized: map[string]int{}}
	dtype := pipeline.Float16
	if cfg.RunFP32 {
		dtype = pipeline.Float32
	}

	err := b.step(ctx, out, StepLoad, func() error {
		p, err := b.backend.Loader.Load(ctx, cfg.Checkpoint, dtype)
		if err != nil {
			return err
		}
		out.Pipeline = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	p := out.Pipeline

	if !cfg.UpcastVAE {
		err = b.step(ctx, out, StepReplaceVAE, func() error {
			vae, err := b.backend.Loader.LoadModule(ctx, config.FP16FixVAE, dtype)
			if err != nil {
				return err
			}
			return p.SetComponent(pipeline.ComponentVAE, vae)
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.EnableFusedProjections {
		if err := b.step(ctx, out, StepFuseUNet, func() error { return fuse(p, pipeline.ComponentUNet) }); err != nil {
			return nil, err
		}
	}
	if cfg.FuseVAEProjections {
		if err := b.step(ctx, out, StepFuseVAE, func() error { return fuse(p, pipeline.ComponentVAE) }); err != nil {
			return nil, err
		}
	}

	if cfg.UpcastVAE {
		if err := b.step(ctx, out, StepUpcastVAE, p.UpcastVAE); err != nil {
			return nil, err
		}
	}

	if cfg.NoSDPA {
		err = b.step(ctx, out, StepAttention, func() error {
			return p.SetAttentionBackend(pipeline.AttentionVanilla)
		})
		if err != nil {
			return nil, err
		}
	}

	if err := b.step(ctx, out, StepToDevice, func() error { return p.To(ctx, b.backend.Device) }); err != nil {
		return nil, err
	}

	if cfg.CompileUNet {
		err = b.step(ctx, out, StepCompileUNet, func() error {
			return b.compile(ctx, out, cfg, pipeline.ComponentUNet, pipeline.TargetModule)
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.CompileVAE {
		err = b.step(ctx, out, StepCompileVAE, func() error {
			return b.compile(ctx, out, cfg, pipeline.ComponentVAE, vaeTarget(cfg.Variant))
		})
		if err != nil {
			return nil, err
		}
	}

	if err := b.step(ctx, out, StepProgressBar, func() error { return p.SetProgressBar(false) }); err != nil {
		return nil, err
	}

	b.log.Info("Pipeline built",
		"class", p.ClassName(),
		"steps", out.Steps,
		"compiler", out.Compiler,
	)
	return out, nil
}

func (b *Builder) step(ctx context.Context, out *Built, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	start := time.Now()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if b.backend.Err != nil {
		if err := b.backend.Err(); err != nil {
			return fmt.Errorf("%s: backend: %w", name, err)
		}
	}
	d := time.Since(start)
	metrics.RecordBuildStep(name, d)
	b.log.Debug("Build step done", "step", name, "duration", d.String())
	out.Steps = append(out.Steps, name)
	return nil
}

// compile prepares one component and swaps in its compiled replacement.
// Compiler tweaks accumulate on out.Compiler, so a later component sees the
// tweaks an earlier one switched on.
func (b *Builder) compile(ctx context.Context, out *Built, cfg config.Config, name string, target pipeline.CompileTarget) error {
	p := out.Pipeline
	m, err := p.Component(name)
	if err != nil {
		return err
	}
	if err := m.SetMemoryFormat(pipeline.ChannelsLastFormat); err != nil {
		return err
	}

	if cfg.CompileMode == config.CompileModeMaxAutotune && cfg.ChangeCompConfig {
		out.Compiler.Conv1x1AsMM = true
		out.Compiler.CoordinateDescentTuning = true
	}

	if cfg.DoQuant {
		n, err := quant.Apply(ctx, b.backend.Quantizer, m)
		if err != nil {
			return err
		}
		out.Compiler.ForceFuseIntMMWithMul = true
		out.Quantized[name] += n
		metrics.RecordQuantized(name, n)
		b.log.Info("Applied dynamic quantization", "module", name, "layers", n)
	}

	opts := pipeline.CompileOptions{
		Mode:      string(cfg.CompileMode),
		FullGraph: cfg.FullGraph(),
		Target:    target,
		Config:    out.Compiler,
	}
	b.log.Info("Compiling", "module", name, "mode", opts.Mode, "fullgraph", opts.FullGraph, "target", target)
	compiled, err := b.backend.Compiler.Compile(ctx, m, opts)
	if err != nil {
		return err
	}
	return p.SetComponent(name, compiled)
}

func fuse(p pipeline.Pipeline, name string) error {
	m, err := p.Component(name)
	if err != nil {
		return err
	}
	return m.FuseQKVProjections()
}

func vaeTarget(v config.Variant) pipeline.CompileTarget {
	if v == config.VariantDecode {
		return pipeline.TargetDecode
	}
	return pipeline.TargetModule
}
