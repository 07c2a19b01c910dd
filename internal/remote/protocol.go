// Package remote drives a pipeline hosted by a worker process over Arrow
// Flight. Every collaborator call maps to one DoAction with a JSON body;
// results travel back to a collector with DoPut.
package remote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-diffbench/internal/device"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

const BackendName = "flight"

// Action types.
const (
	ActionInfo         = "info"
	ActionLoad         = "load"
	ActionLoadModule   = "load_module"
	ActionComponent    = "component"
	ActionSetComponent = "set_component"
	ActionFuse         = "fuse"
	ActionUpcastVAE    = "upcast_vae"
	ActionSetAttention = "set_attention"
	ActionTo           = "to"
	ActionMemoryFormat = "memory_format"
	ActionLayers       = "layers"
	ActionQuantize     = "quantize"
	ActionCompile      = "compile"
	ActionProgressBar  = "progress_bar"
	ActionRun          = "run"
	ActionSync         = "sync"
	ActionMaxMemory    = "max_memory"
	ActionResetPeak    = "reset_peak"
	ActionTotalMemory  = "total_memory"
	ActionClock        = "clock"
	ActionRelease      = "release"
)

var actionDescriptions = map[string]string{
	ActionInfo:         "Backend name, device and clock kind",
	ActionLoad:         "Load a pipeline from a checkpoint",
	ActionLoadModule:   "Load a standalone module from a checkpoint",
	ActionComponent:    "Look up a pipeline component",
	ActionSetComponent: "Replace a pipeline component",
	ActionFuse:         "Fuse attention projections of a module",
	ActionUpcastVAE:    "Run the autoencoder in float32",
	ActionSetAttention: "Select the attention kernel",
	ActionTo:           "Move a pipeline to a device",
	ActionMemoryFormat: "Set the memory format of a module",
	ActionLayers:       "List the weight-bearing layers of a module",
	ActionQuantize:     "Quantize one layer of a module",
	ActionCompile:      "Compile a module ahead of time",
	ActionProgressBar:  "Toggle progress reporting",
	ActionRun:          "Run one inference call",
	ActionSync:         "Wait for queued device work",
	ActionMaxMemory:    "Peak allocated device bytes",
	ActionResetPeak:    "Reset the peak allocation counter",
	ActionTotalMemory:  "Device capacity in bytes",
	ActionClock:        "Current time of the backend clock",
	ActionRelease:      "Free everything a session loaded and reset the peak counter",
}

// ResultsPath is the first descriptor path element of result uploads.
const ResultsPath = "results"

type request struct {
	// Session groups the handles one driver created so they can be released
	// together.
	Session    string                   `json:"session,omitempty"`
	Pipeline   string                   `json:"pipeline,omitempty"`
	Module     string                   `json:"module,omitempty"`
	Name       string                   `json:"name,omitempty"`
	Checkpoint string                   `json:"checkpoint,omitempty"`
	DType      pipeline.DType           `json:"dtype,omitempty"`
	Value      string                   `json:"value,omitempty"`
	Enabled    bool                     `json:"enabled,omitempty"`
	Layer      string                   `json:"layer,omitempty"`
	Compile    *pipeline.CompileOptions `json:"compile,omitempty"`
	Run        *pipeline.Request        `json:"run,omitempty"`
}

type response struct {
	Pipeline  string           `json:"pipeline,omitempty"`
	Module    string           `json:"module,omitempty"`
	Name      string           `json:"name,omitempty"`
	ClassName string           `json:"class_name,omitempty"`
	Backend   string           `json:"backend,omitempty"`
	Device    string           `json:"device,omitempty"`
	Virtual   bool             `json:"virtual_clock,omitempty"`
	Layers    []pipeline.Layer `json:"layers,omitempty"`
	Bytes     int64            `json:"bytes,omitempty"`
	UnixNano  int64            `json:"unix_nano,omitempty"`
}

// toStatus maps harness errors onto gRPC codes so sentinels survive the trip.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, pipeline.ErrUnsupported):
		code = codes.Unimplemented
	case errors.Is(err, pipeline.ErrNotLoaded):
		code = codes.NotFound
	case errors.Is(err, device.ErrOutOfMemory):
		code = codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, errBadRequest):
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}

var errBadRequest = errors.New("bad request")

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unimplemented:
		return fmt.Errorf("%s: %w", st.Message(), pipeline.ErrUnsupported)
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), pipeline.ErrNotLoaded)
	case codes.ResourceExhausted:
		return fmt.Errorf("%s: %w", st.Message(), device.ErrOutOfMemory)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	default:
		return fmt.Errorf("worker: %s", st.Message())
	}
}
