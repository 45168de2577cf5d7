package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// SourceFactory builds an asset source from its config entry.
type SourceFactory func(ctx context.Context, cfg SourceConfig) (sound.Source, error)

// BackendFactory builds an audio backend from its config section.
type BackendFactory func(cfg BackendConfig) (sound.Backend, error)

// Registry maps source types and backend names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sources  map[SourceType]SourceFactory
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:  make(map[SourceType]SourceFactory),
		backends: make(map[string]BackendFactory),
	}
}

// RegisterSource registers a source factory for t.
// Subsequent calls with the same type overwrite the previous registration.
func (r *Registry) RegisterSource(t SourceType, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[t] = factory
}

// RegisterBackend registers a backend factory under name.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateSource instantiates the source described by cfg.
// Returns [ErrNotRegistered] if no factory has been registered for its type.
func (r *Registry) CreateSource(ctx context.Context, cfg SourceConfig) (sound.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, cfg.Type)
	}
	return factory(ctx, cfg)
}

// CreateBackend instantiates the backend named in cfg.
func (r *Registry) CreateBackend(cfg BackendConfig) (sound.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
