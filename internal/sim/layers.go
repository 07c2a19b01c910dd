package sim

import (
	"fmt"

	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

const (
	crossAttentionDim = 2048
	timeEmbedDim      = 1280
	// Pooled text embedding plus six micro-conditioning time ids.
	addEmbedDim = 2816

	// CLIP ViT-L and OpenCLIP ViT-bigG text encoders.
	textEncoderParams = 123_060_480 + 694_659_840
)

type layerTable struct {
	prefix string
	layers []pipeline.Layer
}

func (t *layerTable) add(name string, kind pipeline.LayerKind, out, in, taps int) {
	t.layers = append(t.layers, pipeline.Layer{
		Name:   t.prefix + name,
		Kind:   kind,
		Out:    out,
		In:     in,
		Params: int64(out) * int64(in) * int64(taps),
	})
}

func (t *layerTable) linear(name string, out, in int) { t.add(name, pipeline.KindLinear, out, in, 1) }
func (t *layerTable) conv(name string, out, in, k int) {
	t.add(name, pipeline.KindConv2d, out, in, k*k)
}
func (t *layerTable) norm(name string, kind pipeline.LayerKind, ch int) {
	// weight and bias
	t.add(name, kind, ch, 1, 2)
}

func (t *layerTable) sub(prefix string) *layerTable {
	return &layerTable{prefix: t.prefix + prefix + "."}
}

func (t *layerTable) merge(s *layerTable) { t.layers = append(t.layers, s.layers...) }

func (t *layerTable) resnet(name string, in, out int, timeEmbed bool) {
	s := t.sub(name)
	s.norm("norm1", pipeline.KindGroupNorm, in)
	s.conv("conv1", out, in, 3)
	if timeEmbed {
		s.linear("time_emb_proj", out, timeEmbedDim)
	}
	s.norm("norm2", pipeline.KindGroupNorm, out)
	s.conv("conv2", out, out, 3)
	if in != out {
		s.conv("conv_shortcut", out, in, 1)
	}
	t.merge(s)
}

func (t *layerTable) attention(name string, ch, kvDim int) {
	s := t.sub(name)
	s.linear("to_q", ch, ch)
	s.linear("to_k", ch, kvDim)
	s.linear("to_v", ch, kvDim)
	s.linear("to_out.0", ch, ch)
	t.merge(s)
}

func (t *layerTable) transformer(name string, ch, depth int) {
	s := t.sub(name)
	s.norm("norm", pipeline.KindGroupNorm, ch)
	s.linear("proj_in", ch, ch)
	for i := 0; i < depth; i++ {
		b := s.sub(fmt.Sprintf("transformer_blocks.%d", i))
		b.norm("norm1", pipeline.KindLayerNorm, ch)
		b.attention("attn1", ch, ch)
		b.norm("norm2", pipeline.KindLayerNorm, ch)
		b.attention("attn2", ch, crossAttentionDim)
		b.norm("norm3", pipeline.KindLayerNorm, ch)
		// GEGLU doubles the hidden width of the input projection.
		b.linear("ff.net.0.proj", 8*ch, ch)
		b.linear("ff.net.2", ch, 4*ch)
		s.merge(b)
	}
	s.linear("proj_out", ch, ch)
	t.merge(s)
}

// unetLayers is the SDXL base UNet: three resolutions of 320, 640 and 1280
// channels with 0, 2 and 10 transformer blocks per attention layer.
func unetLayers() []pipeline.Layer {
	t := &layerTable{}
	t.conv("conv_in", 320, 4, 3)
	t.linear("time_embedding.linear_1", timeEmbedDim, 320)
	t.linear("time_embedding.linear_2", timeEmbedDim, timeEmbedDim)
	t.linear("add_embedding.linear_1", timeEmbedDim, addEmbedDim)
	t.linear("add_embedding.linear_2", timeEmbedDim, timeEmbedDim)

	channels := []int{320, 640, 1280}
	depths := []int{0, 2, 10}

	in := 320
	for i, ch := range channels {
		for j := 0; j < 2; j++ {
			t.resnet(fmt.Sprintf("down_blocks.%d.resnets.%d", i, j), in, ch, true)
			if depths[i] > 0 {
				t.transformer(fmt.Sprintf("down_blocks.%d.attentions.%d", i, j), ch, depths[i])
			}
			in = ch
		}
		if i < len(channels)-1 {
			t.conv(fmt.Sprintf("down_blocks.%d.downsamplers.0.conv", i), ch, ch, 3)
		}
	}

	t.resnet("mid_block.resnets.0", 1280, 1280, true)
	t.transformer("mid_block.attentions.0", 1280, 10)
	t.resnet("mid_block.resnets.1", 1280, 1280, true)

	for i := range channels {
		r := len(channels) - 1 - i
		ch := channels[r]
		for j := 0; j < 3; j++ {
			// Skip connections concatenate the matching down block output.
			t.resnet(fmt.Sprintf("up_blocks.%d.resnets.%d", i, j), in+ch, ch, true)
			if depths[r] > 0 {
				t.transformer(fmt.Sprintf("up_blocks.%d.attentions.%d", i, j), ch, depths[r])
			}
			in = ch
		}
		if r > 0 {
			t.conv(fmt.Sprintf("up_blocks.%d.upsamplers.0.conv", i), ch, ch, 3)
		}
	}

	t.norm("conv_norm_out", pipeline.KindGroupNorm, 320)
	t.conv("conv_out", 4, 320, 3)
	return t.layers
}

// vaeLayers is the SDXL autoencoder with 128, 256, 512 and 512 channels.
func vaeLayers() []pipeline.Layer {
	t := &layerTable{}
	channels := []int{128, 256, 512, 512}

	enc := t.sub("encoder")
	enc.conv("conv_in", 128, 3, 3)
	in := 128
	for i, ch := range channels {
		for j := 0; j < 2; j++ {
			enc.resnet(fmt.Sprintf("down_blocks.%d.resnets.%d", i, j), in, ch, false)
			in = ch
		}
		if i < len(channels)-1 {
			enc.conv(fmt.Sprintf("down_blocks.%d.downsamplers.0.conv", i), ch, ch, 3)
		}
	}
	enc.resnet("mid_block.resnets.0", 512, 512, false)
	enc.attention("mid_block.attentions.0", 512, 512)
	enc.resnet("mid_block.resnets.1", 512, 512, false)
	enc.conv("conv_out", 8, 512, 3)
	t.merge(enc)
	t.conv("quant_conv", 8, 8, 1)
	t.conv("post_quant_conv", 4, 4, 1)

	dec := t.sub("decoder")
	dec.conv("conv_in", 512, 4, 3)
	dec.resnet("mid_block.resnets.0", 512, 512, false)
	dec.attention("mid_block.attentions.0", 512, 512)
	dec.resnet("mid_block.resnets.1", 512, 512, false)
	in = 512
	for i := range channels {
		ch := channels[len(channels)-1-i]
		for j := 0; j < 3; j++ {
			dec.resnet(fmt.Sprintf("up_blocks.%d.resnets.%d", i, j), in, ch, false)
			in = ch
		}
		if i < len(channels)-1 {
			dec.conv(fmt.Sprintf("up_blocks.%d.upsamplers.0.conv", i), ch, ch, 3)
		}
	}
	dec.norm("conv_norm_out", pipeline.KindGroupNorm, 128)
	dec.conv("conv_out", 3, 128, 3)
	t.merge(dec)
	return t.layers
}

func totalParams(layers []pipeline.Layer) int64 {
	var n int64
	for _, l := range layers {
		n += l.Params
	}
	return n
}
