package sim

import (
	"math"
	"strings"
	"time"

	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

const gib = 1 << 30

// Cost model constants, calibrated against 1024x1024 SDXL runs on an 80 GB
// data center GPU.
const (
	unetStepSeconds   = 0.14
	vaeDecodeSeconds  = 0.25
	textEncodeSeconds = 0.03
	// hostSlowdown applies to inference on a pipeline never moved to the
	// device.
	hostSlowdown = 30.0

	reduceOverheadCompile  = 45 * time.Second
	maxAutotuneCompile     = 150 * time.Second
	defaultModeCompile     = 35 * time.Second
	coordinateDescentExtra = 60 * time.Second
)

// Device memory, activations per image in float16.
const (
	unetActivationBytes   int64 = 563 << 20
	vanillaAttentionBytes int64 = 2253 << 20
	vaeActivationBytes    int64 = 3 * gib
	cudaGraphPoolBytes    int64 = 614 << 20
	defaultDeviceMemory   int64 = 80 * gib
)

// Latency multipliers relative to an eager float16 run with fused
// scaled-dot-product attention.
const (
	fp32Factor           = 2.0
	vanillaAttnFactor    = 1.35
	fusedFactor          = 0.97
	reduceOverheadFactor = 0.80
	maxAutotuneFactor    = 0.78
	defaultModeFactor    = 0.88
	compConfigFactor     = 0.98
	// Applied in proportion to the share of quantized weights.
	quantGain = 0.10
)

var compileModes = map[string]struct {
	factor float64
	cost   time.Duration
}{
	"default":         {defaultModeFactor, defaultModeCompile},
	"reduce-overhead": {reduceOverheadFactor, reduceOverheadCompile},
	"max-autotune":    {maxAutotuneFactor, maxAutotuneCompile},
}

// batchScale models sublinear batch scaling from better device occupancy.
func batchScale(batch int) float64 {
	return math.Pow(float64(batch), 0.9)
}

// fuseProjections merges self-attention q/k/v into to_qkv and cross-attention
// k/v into to_kv.
func fuseProjections(layers []pipeline.Layer) []pipeline.Layer {
	out := make([]pipeline.Layer, 0, len(layers))
	for i := 0; i < len(layers); i++ {
		q := layers[i]
		if !strings.HasSuffix(q.Name, ".to_q") || i+2 >= len(layers) {
			out = append(out, q)
			continue
		}
		prefix := strings.TrimSuffix(q.Name, "to_q")
		k, v := layers[i+1], layers[i+2]
		if k.Name != prefix+"to_k" || v.Name != prefix+"to_v" {
			out = append(out, q)
			continue
		}
		if k.In == q.In {
			out = append(out, pipeline.Layer{
				Name: prefix + "to_qkv", Kind: pipeline.KindLinear,
				Out: q.Out + k.Out + v.Out, In: q.In,
				Params: q.Params + k.Params + v.Params,
			})
		} else {
			out = append(out, q, pipeline.Layer{
				Name: prefix + "to_kv", Kind: pipeline.KindLinear,
				Out: k.Out + v.Out, In: k.In,
				Params: k.Params + v.Params,
			})
		}
		i += 2
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
