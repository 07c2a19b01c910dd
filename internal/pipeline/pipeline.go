package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/device"
)

var (
	// ErrUnsupported is returned by a backend for an option combination it
	// cannot honour.
	ErrUnsupported = errors.New("unsupported by backend")
	ErrNotLoaded   = errors.New("component not loaded")
)

type DType string

const (
	Float16 DType = "float16"
	Float32 DType = "float32"
)

// BytesPerParam returns the storage width of one weight element.
func (d DType) BytesPerParam() int64 {
	if d == Float32 {
		return 4
	}
	return 2
}

type MemoryFormat string

const (
	ContiguousFormat   MemoryFormat = "contiguous"
	ChannelsLastFormat MemoryFormat = "channels_last"
)

type AttentionBackend string

const (
	// AttentionSDPA is the fused scaled-dot-product attention kernel.
	AttentionSDPA AttentionBackend = "sdpa"
	// AttentionVanilla materializes the attention matrix explicitly.
	AttentionVanilla AttentionBackend = "vanilla"
)

const (
	ComponentUNet = "unet"
	ComponentVAE  = "vae"
)

// CompileTarget selects what part of a module gets compiled.
type CompileTarget string

const (
	TargetModule CompileTarget = "module"
	TargetDecode CompileTarget = "decode"
)

type LayerKind string

const (
	KindLinear    LayerKind = "linear"
	KindConv2d    LayerKind = "conv2d"
	KindGroupNorm LayerKind = "group_norm"
	KindLayerNorm LayerKind = "layer_norm"
	KindEmbedding LayerKind = "embedding"
)

// Layer describes one weight-bearing submodule. Out and In are the first two
// weight dimensions (output channels/features, input channels/features).
type Layer struct {
	Name string
	Kind LayerKind
	Out  int
	In   int
	// Params counts all weight elements, including kernel taps.
	Params int64
}

// CompilerConfig carries the tensor compiler tweaks of one build. It is a
// value owned by the build, never process-wide state.
type CompilerConfig struct {
	Conv1x1AsMM             bool `json:"conv_1x1_as_mm"`
	CoordinateDescentTuning bool `json:"coordinate_descent_tuning"`
	ForceFuseIntMMWithMul   bool `json:"force_fuse_int_mm_with_mul"`
}

type CompileOptions struct {
	Mode      string         `json:"mode"`
	FullGraph bool           `json:"fullgraph"`
	Target    CompileTarget  `json:"target"`
	Config    CompilerConfig `json:"config"`
}

// Request is one inference call.
type Request struct {
	Prompt            string
	NumInferenceSteps int
	ImagesPerPrompt   int
}

// Module is a submodule of a pipeline (UNet, VAE).
type Module interface {
	Name() string
	Layers() []Layer
	FuseQKVProjections() error
	SetMemoryFormat(MemoryFormat) error
}

// Pipeline is a loaded, mutable text-to-image pipeline.
type Pipeline interface {
	ClassName() string
	Component(name string) (Module, error)
	SetComponent(name string, m Module) error
	// UpcastVAE runs the VAE in float32 while the rest stays in the load
	// precision.
	UpcastVAE() error
	SetAttentionBackend(AttentionBackend) error
	To(ctx context.Context, device string) error
	SetProgressBar(enabled bool) error
	Run(ctx context.Context, req Request) error
}

// Loader fetches pipelines and standalone modules by checkpoint identifier.
type Loader interface {
	Load(ctx context.Context, checkpoint string, dtype DType) (Pipeline, error)
	LoadModule(ctx context.Context, checkpoint string, dtype DType) (Module, error)
}

// Compiler translates a module ahead of time and returns the replacement.
type Compiler interface {
	Compile(ctx context.Context, m Module, opts CompileOptions) (Module, error)
}

// Quantizer swaps the weights of one layer for dynamically quantized ones.
type Quantizer interface {
	Quantize(ctx context.Context, m Module, layer string) error
}

// Backend bundles every collaborator the harness needs from one library.
type Backend struct {
	Name      string
	Device    string
	Loader    Loader
	Compiler  Compiler
	Quantizer Quantizer
	Runtime   device.Runtime
	// Clock overrides the wall clock used to time inference, may be nil.
	Clock func() time.Time
	// Close releases backend resources, may be nil.
	Close func() error
	// Err reports a failure swallowed by a collaborator method that has no
	// error return, may be nil.
	Err func() error
}
