package device

import (
	"context"
	"errors"
)

var ErrOutOfMemory = errors.New("device out of memory")

const bytesPerGiB = 1 << 30

// Runtime is the accelerator runtime surface the harness depends on:
// synchronization and the allocation counters.
type Runtime interface {
	Name() string
	// Synchronize blocks until all queued device work has completed.
	Synchronize(ctx context.Context) error
	// MaxMemoryAllocated is the peak allocated bytes since process start or
	// the last ResetPeakMemoryStats.
	MaxMemoryAllocated() int64
	ResetPeakMemoryStats()
	// TotalMemory is the device capacity in bytes, 0 if unknown.
	TotalMemory() int64
}

// BytesToGiB converts a byte count to gibibytes.
func BytesToGiB(b int64) float64 {
	return float64(b) / bytesPerGiB
}
