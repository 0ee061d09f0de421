package ir

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory constructs a fresh backend instance. One instance compiles one
// unit at a time and is not safe for concurrent use.
type Factory func(log *slog.Logger) Backend

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Factory)
)

// RegisterBackend wires a target-family backend into the shared driver. It
// panics when attempting to register the same name more than once so
// mistakes are caught during init.
func RegisterBackend(name string, factory Factory) {
	if name == "" {
		panic("ir: cannot register backend without a name")
	}
	if factory == nil {
		panic("ir: backend factory must be non-nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("ir: backend for %s already registered", name))
	}
	backends[name] = factory
}

// NewBackend instantiates the backend registered under name.
func NewBackend(name string, log *slog.Logger) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		if name == "" {
			return nil, fmt.Errorf("ir: backend name must be specified")
		}
		return nil, fmt.Errorf("ir: no backend registered for %q", name)
	}
	if log == nil {
		log = slog.Default()
	}
	return factory(log), nil
}

// Backends lists registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	out := make([]string, 0, len(backends))
	for name := range backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
