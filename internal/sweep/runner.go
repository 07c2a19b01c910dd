package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-diffbench/internal/cli"
	"github.com/23skdu/longbow-diffbench/internal/config"
	"github.com/23skdu/longbow-diffbench/internal/logger"
)

// Run statuses recorded in the manifest.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
	StatusCanceled = "canceled"
)

// Manifest records what a sweep ran.
type Manifest struct {
	ID       string      `yaml:"id"`
	Binary   string      `yaml:"binary"`
	Started  time.Time   `yaml:"started"`
	Finished time.Time   `yaml:"finished"`
	Runs     []RunResult `yaml:"runs"`
}

type RunResult struct {
	Name     string   `yaml:"name"`
	Args     []string `yaml:"args"`
	Status   string   `yaml:"status"`
	ExitCode int      `yaml:"exit_code"`
	Output   string   `yaml:"output,omitempty"`
	Seconds  float64  `yaml:"seconds"`
	Error    string   `yaml:"error,omitempty"`
}

// Failed counts runs that did not succeed.
func (m *Manifest) Failed() int {
	n := 0
	for _, r := range m.Runs {
		if r.Status == StatusFailed || r.Status == StatusCanceled {
			n++
		}
	}
	return n
}

// Runner starts one driver process per configuration, one at a time, so
// every measurement owns the device and its peak memory counter.
type Runner struct {
	Binary    string
	Args      []string
	OutputDir string
	// Env is appended to the inherited environment of every child.
	Env []string
	// SkipExisting leaves configurations whose result file exists alone.
	SkipExisting bool

	Stdout, Stderr io.Writer
	Log            *logger.Logger
}

func NewRunner(f File) *Runner {
	dir := f.OutputDir
	if dir == "" {
		dir = "."
	}
	return &Runner{
		Binary:    f.Binary,
		Args:      f.Args,
		OutputDir: dir,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Log:       logger.Log,
	}
}

// Run executes cfgs in order. A failing child is recorded and the sweep
// moves on; cancellation stops it after the current child.
func (r *Runner) Run(ctx context.Context, cfgs []config.Config) *Manifest {
	log := r.Log
	if log == nil {
		log = logger.Log
	}
	m := &Manifest{ID: uuid.NewString(), Binary: r.Binary, Started: time.Now().UTC()}
	log = log.With("sweep", m.ID)

	for i, cfg := range cfgs {
		res := RunResult{Name: cfg.Name()}
		res.Args = append(append(append([]string{}, r.Args...), cli.Args(cfg)...),
			"-"+cli.FlagOutputDir+"="+r.OutputDir)
		out := filepath.Join(r.OutputDir, res.Name)

		switch {
		case ctx.Err() != nil:
			res.Status = StatusCanceled
			res.Error = ctx.Err().Error()
		case r.SkipExisting && exists(out):
			res.Status = StatusSkipped
			res.Output = out
			log.Info("Result exists, skipping", "name", res.Name)
		default:
			log.Info("Starting run", "index", i+1, "total", len(cfgs), "name", res.Name)
			r.exec(ctx, &res, out)
			log.Info("Run finished", "name", res.Name, "status", res.Status, "seconds", res.Seconds)
		}
		m.Runs = append(m.Runs, res)
	}
	m.Finished = time.Now().UTC()
	return m
}

func (r *Runner) exec(ctx context.Context, res *RunResult, out string) {
	cmd := exec.CommandContext(ctx, r.Binary, res.Args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	start := time.Now()
	err := cmd.Run()
	res.Seconds = time.Since(start).Seconds()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Status = StatusOK
		if exists(out) {
			res.Output = out
		} else {
			res.Status = StatusFailed
			res.Error = "driver exited 0 without writing " + out
		}
	case ctx.Err() != nil:
		res.Status = StatusCanceled
		res.ExitCode = -1
		res.Error = ctx.Err().Error()
	case errors.As(err, &exitErr):
		res.Status = StatusFailed
		res.ExitCode = exitErr.ExitCode()
		res.Error = err.Error()
	default:
		res.Status = StatusFailed
		res.ExitCode = -1
		res.Error = err.Error()
	}
}

// WriteManifest stores m as sweep-<id>.yaml in dir and returns the path.
func WriteManifest(dir string, m *Manifest) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, "sweep-"+m.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
