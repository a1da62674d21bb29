package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ErrPlatformNotRegistered is returned by [Registry.CreatePlatform] when no
// factory has been registered under the requested platform name.
var ErrPlatformNotRegistered = errors.New("config: platform not registered")

// PlatformFactory builds a voice platform for one account.
type PlatformFactory func(AccountEntry) (audio.Platform, error)

// Registry maps platform names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]PlatformFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]PlatformFactory)}
}

// RegisterPlatform registers a platform factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterPlatform(name string, factory PlatformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[name] = factory
}

// CreatePlatform instantiates a platform using the factory registered under
// entry.Platform. Returns [ErrPlatformNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreatePlatform(entry AccountEntry) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.platforms[entry.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPlatformNotRegistered, entry.Platform)
	}
	return factory(entry)
}

// Platforms returns the registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
