// Package sweep expands a matrix of driver options into configurations and
// runs each one in its own driver process.
package sweep

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-diffbench/internal/config"
)

// File is the YAML sweep definition.
type File struct {
	Checkpoint string `yaml:"checkpoint,omitempty"`
	Variant    string `yaml:"variant"`
	// Binary is the driver executable run for every configuration.
	Binary    string `yaml:"binary"`
	OutputDir string `yaml:"output_dir,omitempty"`
	// Args are passed to every child ahead of the configuration flags,
	// e.g. backend selection.
	Args   []string `yaml:"args,omitempty"`
	Trials int      `yaml:"trials,omitempty"`
	Matrix Matrix   `yaml:"matrix"`
}

// Matrix lists the values to try per option. An empty list keeps the default.
type Matrix struct {
	BatchSize              []int    `yaml:"batch_size,omitempty"`
	NumInferenceSteps      []int    `yaml:"num_inference_steps,omitempty"`
	EnableFusedProjections []bool   `yaml:"enable_fused_projections,omitempty"`
	FuseVAEProjections     []bool   `yaml:"fuse_vae_projections,omitempty"`
	UpcastVAE              []bool   `yaml:"upcast_vae,omitempty"`
	RunFP32                []bool   `yaml:"run_fp32,omitempty"`
	NoSDPA                 []bool   `yaml:"no_sdpa,omitempty"`
	CompileUNet            []bool   `yaml:"compile_unet,omitempty"`
	CompileVAE             []bool   `yaml:"compile_vae,omitempty"`
	CompileMode            []string `yaml:"compile_mode,omitempty"`
	ChangeCompConfig       []bool   `yaml:"change_comp_config,omitempty"`
	DoQuant                []bool   `yaml:"do_quant,omitempty"`
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("decode sweep: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Binary) == "" {
		return errors.New("sweep.binary is required")
	}
	if _, err := config.ParseVariant(f.Variant); err != nil {
		return fmt.Errorf("sweep.variant: %w", err)
	}
	if f.Trials < 0 {
		return fmt.Errorf("sweep.trials must be non-negative, got %d", f.Trials)
	}
	for i, m := range f.Matrix.CompileMode {
		if _, err := config.ParseCompileMode(m); err != nil {
			return fmt.Errorf("sweep.matrix.compile_mode[%d]: %w", i, err)
		}
	}
	return nil
}

// base is the configuration every matrix point starts from.
func (f File) base() config.Config {
	c := config.Default()
	c.Variant = config.Variant(f.Variant)
	if f.Checkpoint != "" {
		c.Checkpoint = f.Checkpoint
	}
	if f.Trials > 0 {
		c.Trials = f.Trials
	}
	return c
}

// axis is one matrix dimension: n values, set applies the i-th.
type axis struct {
	n   int
	set func(c *config.Config, i int)
}

func intAxis(vs []int, set func(*config.Config, int)) axis {
	return axis{len(vs), func(c *config.Config, i int) { set(c, vs[i]) }}
}

func boolAxis(vs []bool, set func(*config.Config, bool)) axis {
	return axis{len(vs), func(c *config.Config, i int) { set(c, vs[i]) }}
}

func (m Matrix) axes() []axis {
	all := []axis{
		intAxis(m.BatchSize, func(c *config.Config, v int) { c.BatchSize = v }),
		intAxis(m.NumInferenceSteps, func(c *config.Config, v int) { c.NumInferenceSteps = v }),
		boolAxis(m.EnableFusedProjections, func(c *config.Config, v bool) { c.EnableFusedProjections = v }),
		boolAxis(m.FuseVAEProjections, func(c *config.Config, v bool) { c.FuseVAEProjections = v }),
		boolAxis(m.UpcastVAE, func(c *config.Config, v bool) { c.UpcastVAE = v }),
		boolAxis(m.RunFP32, func(c *config.Config, v bool) { c.RunFP32 = v }),
		boolAxis(m.NoSDPA, func(c *config.Config, v bool) { c.NoSDPA = v }),
		boolAxis(m.CompileUNet, func(c *config.Config, v bool) { c.CompileUNet = v }),
		boolAxis(m.CompileVAE, func(c *config.Config, v bool) { c.CompileVAE = v }),
		{len(m.CompileMode), func(c *config.Config, i int) { c.CompileMode = config.CompileMode(m.CompileMode[i]) }},
		boolAxis(m.ChangeCompConfig, func(c *config.Config, v bool) { c.ChangeCompConfig = v }),
		boolAxis(m.DoQuant, func(c *config.Config, v bool) { c.DoQuant = v }),
	}
	out := all[:0]
	for _, a := range all {
		if a.n > 0 {
			out = append(out, a)
		}
	}
	return out
}

// Expansion is the outcome of Expand.
type Expansion struct {
	Configs []config.Config
	// Skipped maps the name of each rejected combination to the reason.
	Skipped map[string]string
}

// Expand returns the cartesian product of the matrix in order, the last
// axis varying fastest. Invalid combinations are skipped, and combinations
// that normalize to an already produced configuration are dropped.
func (f File) Expand() Expansion {
	exp := Expansion{Skipped: map[string]string{}}
	axes := f.Matrix.axes()
	idx := make([]int, len(axes))
	seen := map[string]bool{}

	for {
		c := f.base()
		for i, a := range axes {
			a.set(&c, idx[i])
		}
		c = c.Normalize()
		name := c.Name()
		if err := c.Validate(); err != nil {
			exp.Skipped[name] = err.Error()
		} else if !seen[name] {
			seen[name] = true
			exp.Configs = append(exp.Configs, c)
		}

		// Advance the odometer.
		k := len(axes) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < axes[k].n {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return exp
		}
	}
}
