// Package cli is the command line surface shared by the benchmark drivers.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/23skdu/longbow-diffbench/internal/config"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/remote"
	"github.com/23skdu/longbow-diffbench/internal/sim"
)

// Flag names. Sweeps pass the same names to child processes.
const (
	FlagCheckpoint       = "ckpt"
	FlagBatchSize        = "batch_size"
	FlagSteps            = "num_inference_steps"
	FlagFusedProjections = "enable_fused_projections"
	FlagFuseVAE          = "fuse_vae_projections"
	FlagUpcastVAE        = "upcast_vae"
	FlagCompileUNet      = "compile_unet"
	FlagCompileVAE       = "compile_vae"
	FlagCompileMode      = "compile_mode"
	FlagChangeCompConfig = "change_comp_config"
	FlagDoQuant          = "do_quant"
	FlagRunFP32          = "run_fp32"
	FlagNoSDPA           = "no_sdpa"
	FlagTrials           = "trials"
	FlagBackend          = "backend"
	FlagWorker           = "worker"
	FlagOutputDir        = "output_dir"
	FlagResultsFlight    = "results_flight"
	FlagMetrics          = "metrics"
	FlagMetricsTextfile  = "metrics_textfile"
	FlagLogLevel         = "log_level"
	FlagLogFormat        = "log_format"
	FlagSimScale         = "sim_scale"
)

// Options is everything a driver invocation was asked to do.
type Options struct {
	Config config.Config

	Backend       string
	Worker        string
	OutputDir     string
	ResultsFlight string

	MetricsAddr     string
	MetricsTextfile string
	LogLevel        string
	LogFormat       string
	SimScale        float64
}

// errUsage marks errors that should print usage and exit 2.
var errUsage = errors.New("usage")

// Parse reads driver flags for variant. flag.ErrHelp is returned as is.
func Parse(variant config.Variant, args []string, output io.Writer) (Options, error) {
	o := Options{Config: config.Default()}
	o.Config.Variant = variant
	c := &o.Config

	fs := flag.NewFlagSet(string(variant), flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&c.Checkpoint, FlagCheckpoint, c.Checkpoint, "Pipeline checkpoint id")
	fs.IntVar(&c.BatchSize, FlagBatchSize, c.BatchSize, "Images per prompt")
	fs.IntVar(&c.NumInferenceSteps, FlagSteps, c.NumInferenceSteps, "Denoising steps")
	fs.BoolVar(&c.EnableFusedProjections, FlagFusedProjections, false, "Fuse QKV projections")
	if variant == config.VariantDecode {
		fs.BoolVar(&c.FuseVAEProjections, FlagFuseVAE, false, "Fuse VAE QKV projections")
	}
	fs.BoolVar(&c.UpcastVAE, FlagUpcastVAE, false, "Upcast the VAE to fp32 instead of loading the fp16 fix")
	fs.BoolVar(&c.CompileUNet, FlagCompileUNet, false, "Compile the UNet")
	fs.BoolVar(&c.CompileVAE, FlagCompileVAE, false, "Compile the VAE")
	mode := fs.String(FlagCompileMode, string(c.CompileMode),
		fmt.Sprintf("Compile mode (%s or %s)", config.CompileModeReduceOverhead, config.CompileModeMaxAutotune))
	fs.BoolVar(&c.ChangeCompConfig, FlagChangeCompConfig, false, "Tune compiler flags for max-autotune")
	fs.BoolVar(&c.DoQuant, FlagDoQuant, false, "Dynamically quantize large layers before compiling")
	fs.BoolVar(&c.RunFP32, FlagRunFP32, false, "Load weights in fp32")
	fs.BoolVar(&c.NoSDPA, FlagNoSDPA, false, "Use vanilla attention instead of SDPA")
	fs.IntVar(&c.Trials, FlagTrials, c.Trials, "Timed invocations")

	fs.StringVar(&o.Backend, FlagBackend, sim.BackendName,
		fmt.Sprintf("Pipeline backend %v", pipeline.Backends()))
	fs.StringVar(&o.Worker, FlagWorker, "", "Pipeline worker address for the flight backend")
	fs.StringVar(&o.OutputDir, FlagOutputDir, ".", "Directory for the result CSV")
	fs.StringVar(&o.ResultsFlight, FlagResultsFlight, "", "Also upload the result to this Flight collector")
	fs.StringVar(&o.MetricsAddr, FlagMetrics, "", "Address to serve Prometheus metrics, empty disables")
	fs.StringVar(&o.MetricsTextfile, FlagMetricsTextfile, "", "Write metrics in textfile format to this path on exit")
	fs.StringVar(&o.LogLevel, FlagLogLevel, "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&o.LogFormat, FlagLogFormat, "console", "Log format (console or json)")
	fs.Float64Var(&o.SimScale, FlagSimScale, 0, "Real seconds slept per simulated second")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return o, err
		}
		return o, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}

	m, err := config.ParseCompileMode(*mode)
	if err != nil {
		return o, fmt.Errorf("%w: %v", errUsage, err)
	}
	c.CompileMode = m
	if o.Backend == remote.BackendName && o.Worker == "" {
		return o, fmt.Errorf("%w: -%s is required with -%s=%s", errUsage, FlagWorker, FlagBackend, remote.BackendName)
	}
	if o.SimScale < 0 {
		return o, fmt.Errorf("%w: invalid sim_scale: %v (must be non-negative)", errUsage, o.SimScale)
	}

	o.Config = o.Config.Normalize()
	if err := o.Config.Validate(); err != nil {
		return o, fmt.Errorf("%w: %v", errUsage, err)
	}
	return o, nil
}

// Args renders cfg as driver flags. Parsing them for cfg's variant yields
// cfg back.
func Args(cfg config.Config) []string {
	cfg = cfg.Normalize()
	b := func(name string, v bool) string { return "-" + name + "=" + strconv.FormatBool(v) }
	i := func(name string, v int) string { return "-" + name + "=" + strconv.Itoa(v) }

	args := []string{
		"-" + FlagCheckpoint + "=" + cfg.Checkpoint,
		i(FlagBatchSize, cfg.BatchSize),
		i(FlagSteps, cfg.NumInferenceSteps),
		b(FlagFusedProjections, cfg.EnableFusedProjections),
		b(FlagUpcastVAE, cfg.UpcastVAE),
		b(FlagCompileUNet, cfg.CompileUNet),
		b(FlagCompileVAE, cfg.CompileVAE),
	}
	if cfg.Compiles() {
		args = append(args, "-"+FlagCompileMode+"="+string(cfg.CompileMode))
	}
	args = append(args,
		b(FlagChangeCompConfig, cfg.ChangeCompConfig),
		b(FlagDoQuant, cfg.DoQuant),
		b(FlagRunFP32, cfg.RunFP32),
		b(FlagNoSDPA, cfg.NoSDPA),
	)
	if cfg.Variant == config.VariantDecode {
		args = append(args, b(FlagFuseVAE, cfg.FuseVAEProjections))
	}
	return append(args, i(FlagTrials, cfg.Trials))
}
