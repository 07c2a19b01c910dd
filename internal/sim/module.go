package sim

import (
	"fmt"

	"github.com/23skdu/longbow-diffbench/internal/pipeline"
)

type module struct {
	sim    *sim
	name   string
	source string
	dtype  pipeline.DType
	layers []pipeline.Layer
	format pipeline.MemoryFormat

	fused     bool
	quantized map[string]bool
	compiled  bool
	compile   pipeline.CompileOptions
	// warm is set once the compiled graph has run.
	warm bool

	onDevice bool
	// resident is the number of weight bytes currently held on the device.
	resident int64
}

func newModule(s *sim, name, source string, dtype pipeline.DType, layers []pipeline.Layer) *module {
	return &module{
		sim:       s,
		name:      name,
		source:    source,
		dtype:     dtype,
		layers:    layers,
		format:    pipeline.ContiguousFormat,
		quantized: map[string]bool{},
	}
}

func (m *module) Name() string { return m.name }

func (m *module) Layers() []pipeline.Layer { return m.layers }

func (m *module) FuseQKVProjections() error {
	if m.compiled {
		return fmt.Errorf("fuse %s: module already compiled: %w", m.name, pipeline.ErrUnsupported)
	}
	if len(m.quantized) > 0 {
		return fmt.Errorf("fuse %s: module has quantized layers: %w", m.name, pipeline.ErrUnsupported)
	}
	if m.fused {
		return nil
	}
	m.layers = fuseProjections(m.layers)
	m.fused = true
	return nil
}

func (m *module) SetMemoryFormat(f pipeline.MemoryFormat) error {
	switch f {
	case pipeline.ContiguousFormat, pipeline.ChannelsLastFormat:
		m.format = f
		return nil
	default:
		return fmt.Errorf("memory format %q: %w", f, pipeline.ErrUnsupported)
	}
}

func (m *module) clone() *module {
	c := *m
	c.quantized = make(map[string]bool, len(m.quantized))
	for k, v := range m.quantized {
		c.quantized[k] = v
	}
	return &c
}

// weightBytes is the storage of all weights at the module precision, with
// quantized layers held as int8.
func (m *module) weightBytes() int64 {
	var n int64
	for _, l := range m.layers {
		if m.quantized[l.Name] {
			n += l.Params
		} else {
			n += l.Params * m.dtype.BytesPerParam()
		}
	}
	return n
}

// quantizedShare is the fraction of weights that are quantized.
func (m *module) quantizedShare() float64 {
	var q, total int64
	for _, l := range m.layers {
		total += l.Params
		if m.quantized[l.Name] {
			q += l.Params
		}
	}
	if total == 0 {
		return 0
	}
	return float64(q) / float64(total)
}

// rebalance brings the device reservation in line with weightBytes.
func (m *module) rebalance() error {
	if !m.onDevice {
		return nil
	}
	want := m.weightBytes()
	switch delta := want - m.resident; {
	case delta > 0:
		if err := m.sim.dev.Alloc(delta); err != nil {
			return fmt.Errorf("move %s to device: %w", m.name, err)
		}
	case delta < 0:
		m.sim.dev.Free(-delta)
	}
	m.resident = want
	return nil
}

func (m *module) toDevice() error {
	m.onDevice = true
	return m.rebalance()
}

func (m *module) toHost() {
	m.sim.dev.Free(m.resident)
	m.resident = 0
	m.onDevice = false
}
