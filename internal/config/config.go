package config

import (
	"fmt"
	"strings"
)

// Variant selects which of the two driver behaviours a run follows.
type Variant string

const (
	// VariantFused fuses the VAE projections whenever UNet fusion is requested
	// and compiles the whole VAE module.
	VariantFused Variant = "fused"
	// VariantDecode gates VAE fusion on its own flag and compiles only the
	// VAE decode entry point.
	VariantDecode Variant = "decode"
)

type CompileMode string

const (
	CompileModeNone           CompileMode = "NA"
	CompileModeReduceOverhead CompileMode = "reduce-overhead"
	CompileModeMaxAutotune    CompileMode = "max-autotune"
)

const (
	DefaultCheckpoint = "stabilityai/stable-diffusion-xl-base-1.0"
	// FP16FixVAE replaces the stock SDXL VAE, which overflows in fp16.
	FP16FixVAE    = "madebyollin/sdxl-vae-fp16-fix"
	DefaultPrompt = "ghibli style, a fantasy landscape with castles"
	WarmupRuns    = 3
)

// Config is the full set of options that determines how a pipeline is built
// and how it is measured. Two runs with equal Configs are the same experiment.
type Config struct {
	Checkpoint string
	Variant    Variant

	BatchSize         int
	NumInferenceSteps int

	EnableFusedProjections bool
	FuseVAEProjections     bool
	UpcastVAE              bool
	RunFP32                bool
	NoSDPA                 bool

	CompileUNet      bool
	CompileVAE       bool
	CompileMode      CompileMode
	ChangeCompConfig bool
	DoQuant          bool

	Trials int
}

func Default() Config {
	return Config{
		Checkpoint:        DefaultCheckpoint,
		Variant:           VariantFused,
		BatchSize:         1,
		NumInferenceSteps: 30,
		CompileMode:       CompileModeReduceOverhead,
		Trials:            1,
	}
}

// Compiles reports whether any submodule is compiled ahead of time.
func (c Config) Compiles() bool {
	return c.CompileUNet || c.CompileVAE
}

// FullGraph reports whether compilation must capture a single graph. Only
// max-autotune tolerates graph breaks.
func (c Config) FullGraph() bool {
	return c.CompileMode != CompileModeMaxAutotune
}

// Normalize folds derived fields into their canonical values: the compile
// mode collapses to NA when nothing is compiled and the fused variant ties
// VAE fusion to UNet fusion.
func (c Config) Normalize() Config {
	if !c.Compiles() {
		c.CompileMode = CompileModeNone
	}
	if c.Variant == VariantFused {
		c.FuseVAEProjections = c.EnableFusedProjections
	}
	return c
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Checkpoint) == "" {
		return fmt.Errorf("invalid checkpoint: must not be empty")
	}
	if strings.Contains(c.Checkpoint, "@") {
		return fmt.Errorf("invalid checkpoint: %q (must not contain '@')", c.Checkpoint)
	}
	if _, err := ParseVariant(string(c.Variant)); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.NumInferenceSteps <= 0 {
		return fmt.Errorf("invalid num_inference_steps: %d (must be positive)", c.NumInferenceSteps)
	}
	if c.Trials <= 0 {
		return fmt.Errorf("invalid trials: %d (must be positive)", c.Trials)
	}

	mode, err := ParseCompileMode(string(c.CompileMode))
	if err != nil {
		return err
	}
	if c.Compiles() && mode == CompileModeNone {
		return fmt.Errorf("invalid compile_mode: %s (must be %s or %s when compiling)",
			mode, CompileModeReduceOverhead, CompileModeMaxAutotune)
	}
	if c.DoQuant && !c.Compiles() {
		return fmt.Errorf("invalid do_quant: requires compile_unet or compile_vae")
	}
	if c.ChangeCompConfig && !c.Compiles() {
		return fmt.Errorf("invalid change_comp_config: requires compile_unet or compile_vae")
	}
	if c.Variant == VariantFused && c.FuseVAEProjections != c.EnableFusedProjections {
		return fmt.Errorf("invalid fuse_vae: %v (the %s variant fuses the VAE together with the UNet)",
			c.FuseVAEProjections, VariantFused)
	}
	return nil
}

func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantFused, VariantDecode:
		return Variant(s), nil
	}
	return "", fmt.Errorf("invalid variant: %q (must be %s or %s)", s, VariantFused, VariantDecode)
}

func ParseCompileMode(s string) (CompileMode, error) {
	switch CompileMode(s) {
	case CompileModeNone, CompileModeReduceOverhead, CompileModeMaxAutotune:
		return CompileMode(s), nil
	}
	return "", fmt.Errorf("invalid compile_mode: %q (must be %s or %s)",
		s, CompileModeReduceOverhead, CompileModeMaxAutotune)
}
