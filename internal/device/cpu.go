package device

import (
	"context"
	"fmt"
	"sync/atomic"
)

// CPUAllocator tracks current and peak allocated bytes for a simulated or
// host-backed device. Safe for concurrent use.
type CPUAllocator struct {
	name     string
	capacity int64
	used     atomic.Int64
	peak     atomic.Int64
}

// NewCPUAllocator returns an allocator with the given capacity in bytes. A
// capacity of 0 means unbounded.
func NewCPUAllocator(name string, capacity int64) *CPUAllocator {
	return &CPUAllocator{name: name, capacity: capacity}
}

// Alloc reserves n bytes, failing with ErrOutOfMemory past capacity.
func (a *CPUAllocator) Alloc(n int64) error {
	if n < 0 {
		return fmt.Errorf("alloc %d bytes: negative size", n)
	}
	for {
		cur := a.used.Load()
		next := cur + n
		if a.capacity > 0 && next > a.capacity {
			return fmt.Errorf("alloc %d bytes with %d of %d in use: %w", n, cur, a.capacity, ErrOutOfMemory)
		}
		if a.used.CompareAndSwap(cur, next) {
			a.raisePeak(next)
			return nil
		}
	}
}

// Free releases n bytes. Freeing more than is allocated clamps to zero.
func (a *CPUAllocator) Free(n int64) {
	for {
		cur := a.used.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if a.used.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (a *CPUAllocator) raisePeak(v int64) {
	for {
		p := a.peak.Load()
		if v <= p || a.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func (a *CPUAllocator) Name() string {
	return a.name
}

// Synchronize is a no-op: host work is complete when the call returns.
func (a *CPUAllocator) Synchronize(ctx context.Context) error {
	return ctx.Err()
}

func (a *CPUAllocator) MemoryAllocated() int64 {
	return a.used.Load()
}

func (a *CPUAllocator) MaxMemoryAllocated() int64 {
	return a.peak.Load()
}

func (a *CPUAllocator) ResetPeakMemoryStats() {
	a.peak.Store(a.used.Load())
}

func (a *CPUAllocator) TotalMemory() int64 {
	return a.capacity
}
