package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Options are handed to a backend factory. Backends ignore what they do not
// use.
type Options struct {
	// Addr is the worker address for remote backends.
	Addr string
	// SimScale multiplies simulated latencies; 0 disables sleeping.
	SimScale float64
	// DeviceMemory overrides the simulated device capacity in bytes.
	DeviceMemory int64
}

type Factory func(opts Options) (*Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. Backends call it from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("pipeline: backend %q registered twice", name))
	}
	registry[name] = f
}

// Open instantiates a registered backend.
func Open(name string, opts Options) (*Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", name, Backends())
	}
	b, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", name, err)
	}
	return b, nil
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
