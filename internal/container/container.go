// Package container implements the Container Factory (spec.md §4.G): a
// registry of named container backends that create the execution context
// (namespace, sandbox, or plain host process group) an application's
// runtime instance runs inside.
//
// Grounded on the teacher's Box/Boxer container lifecycle in box.go and
// boxer.go (idempotent container creation keyed by a caller-supplied id,
// a small ContainerOps-shaped interface per backend).
package container

import (
	"context"
	"fmt"
	"sync"
)

// Container is a live execution context created by a Backend.
type Container struct {
	ID          string
	BackendName string
	Mounts      []Mount

	mu      sync.Mutex
	stopped bool
}

// Mount is a host-path to container-path bind mount (spec.md §3
// Container.mounts).
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Backend creates and destroys Containers of one kind (e.g. "process",
// "ssh-remote").
type Backend interface {
	Create(ctx context.Context, id string, mounts []Mount) (*Container, error)
	Destroy(ctx context.Context, c *Container) error
	// SupportsQuickLaunch reports whether Containers from this backend may
	// be pre-created and held idle in the quick-launch pool (spec.md
	// §4.H); some backends (e.g. a one-shot debug wrapper invocation)
	// must not be pooled.
	SupportsQuickLaunch() bool
}

// Factory is the registry of Backends keyed by name.
type Factory struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewFactory constructs an empty Factory.
func NewFactory() *Factory {
	return &Factory{backends: make(map[string]Backend)}
}

// ErrAlreadyRegistered is returned by Register when name already has a
// backend (spec.md §4.G: "duplicate registration is a no-op returning
// failure").
type ErrAlreadyRegistered struct{ Name string }

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("container: backend %q is already registered", e.Name)
}

// Register adds the backend for name. Registering a name that already has
// a backend is a no-op that returns ErrAlreadyRegistered.
func (f *Factory) Register(name string, b Backend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.backends[name]; exists {
		return &ErrAlreadyRegistered{Name: name}
	}
	f.backends[name] = b
	return nil
}

// ErrUnknownBackend is returned when no backend is registered for a name.
type ErrUnknownBackend struct{ Name string }

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("container: unknown container backend %q", e.Name)
}

// Create resolves the named backend and asks it to create a new Container.
func (f *Factory) Create(ctx context.Context, backendName, id string, mounts []Mount) (*Container, error) {
	f.mu.RLock()
	b, ok := f.backends[backendName]
	f.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownBackend{Name: backendName}
	}
	c, err := b.Create(ctx, id, mounts)
	if err != nil {
		return nil, err
	}
	c.BackendName = backendName
	return c, nil
}

// SupportsQuickLaunch reports whether backendName's containers may be
// pooled.
func (f *Factory) SupportsQuickLaunch(backendName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[backendName]
	return ok && b.SupportsQuickLaunch()
}

// Destroy tears a Container down through the backend that created it.
func (f *Factory) Destroy(ctx context.Context, c *Container) error {
	f.mu.RLock()
	b, ok := f.backends[c.BackendName]
	f.mu.RUnlock()
	if !ok {
		return &ErrUnknownBackend{Name: c.BackendName}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if err := b.Destroy(ctx, c); err != nil {
		return err
	}
	c.stopped = true
	return nil
}
