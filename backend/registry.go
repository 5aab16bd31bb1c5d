package backend

import (
	"fmt"
	"sync"
)

// Backend identifiers.
const (
	// BackendSoftware is the host-memory device (always available).
	BackendSoftware = "software"

	// BackendWgpu is the gogpu/wgpu hal device (available when
	// backend/wgpu is imported and a GPU is present).
	BackendWgpu = "wgpu"
)

// Factory creates a new device instance.
type Factory func() (Device, error)

// registry holds registered device factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for device selection (first available wins).
	priority = []string{BackendWgpu, BackendSoftware}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a factory with the same name is already registered, it is replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a device factory from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks whether a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Get creates a device by backend name.
func Get(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return factory()
}

// Default creates the best available device based on priority.
// Priority order: wgpu > software.
func Default() (Device, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range priority {
		if factory, ok := factories[name]; ok {
			if dev, err := factory(); err == nil {
				return dev, nil
			}
		}
	}

	// Fallback: first factory that produces a device.
	for _, factory := range factories {
		if dev, err := factory(); err == nil {
			return dev, nil
		}
	}
	return nil, ErrBackendNotAvailable
}
