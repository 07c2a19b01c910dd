package quant

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

// smallLayerLimit bounds layers kept in full precision on both axes. 1280 is
// the widest channel count of the SDXL UNet blocks.
const smallLayerLimit = 1280

// exemptShapes are (in, out) pairs kept in full precision regardless of
// size.
var exemptShapes = []struct{ in, out int }{
	// GEGLU input projection of the 640-channel transformer blocks.
	{640, 5120},
	// Projections fed by the 2048-wide text encoder hidden states.
	{2048, 2560},
	{2048, 1280},
}

// Exempt reports whether a layer of the given weight shape stays in full
// precision. in and out are weight dimensions 1 and 0.
func Exempt(in, out int) bool {
	if in <= smallLayerLimit && out <= smallLayerLimit {
		return true
	}
	for _, s := range exemptShapes {
		if in == s.in && out == s.out {
			return true
		}
	}
	return false
}

// ShouldQuantize reports whether dynamic quantization applies to the layer.
// Only Linear and Conv2d layers carry the matmul-shaped weights it targets.
func ShouldQuantize(l pipeline.Layer) bool {
	switch l.Kind {
	case pipeline.KindLinear, pipeline.KindConv2d:
		return !Exempt(l.In, l.Out)
	default:
		return false
	}
}

// Select returns the names of the layers of m that ShouldQuantize accepts,
// in module order.
func Select(m pipeline.Module) []string {
	return selectLayers(m.Layers())
}

func selectLayers(layers []pipeline.Layer) []string {
	var names []string
	for _, l := range layers {
		if ShouldQuantize(l) {
			names = append(names, l.Name)
		}
	}
	return names
}

// Apply quantizes every selected layer of m and returns how many were
// quantized.
// A module without layers is an error: there is nothing a quantized build
// could have changed.
func Apply(ctx context.Context, q pipeline.Quantizer, m pipeline.Module) (int, error) {
	layers := m.Layers()
	if len(layers) == 0 {
		return 0, fmt.Errorf("quantize %s: no layers listed", m.Name())
	}
	names := selectLayers(layers)
	for i, name := range names {
		if err := q.Quantize(ctx, m, name); err != nil {
			return i, fmt.Errorf("quantize %s.%s: %w", m.Name(), name, err)
		}
	}
	return len(names), nil
}
