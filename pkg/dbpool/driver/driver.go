// Package driver defines the capability a connection pool consumes to produce
// raw connections, and a name-keyed registry of drivers in the style of
// database/sql.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
)

// RawConn is an unwrapped connection produced by a Driver.
// Close releases the underlying resource and must be safe to call more than once.
type RawConn interface {
	Close() error
}

// RoundTripper is an optional RawConn capability: send one request payload and
// wait for its response.
type RoundTripper interface {
	RoundTrip(ctx context.Context, payload []byte) ([]byte, error)
}

// Driver opens fresh raw connections.
type Driver interface {
	Open(ctx context.Context, url, username, password string) (RawConn, error)
}

// DriverFunc adapts an ordinary function to the Driver interface.
type DriverFunc func(ctx context.Context, url, username, password string) (RawConn, error)

// Open calls f.
func (f DriverFunc) Open(ctx context.Context, url, username, password string) (RawConn, error) {
	return f(ctx, url, username, password)
}

// Registry maps driver names to drivers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex      // Protects drivers
	drivers map[string]Driver // Name to driver mapping
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
	}
}

// Register makes a driver available by the provided name.
// It panics if d is nil, if name is not a valid identifier, or if a driver is
// already registered under name.
func (r *Registry) Register(name string, d Driver) {
	if d == nil {
		panic("driver: Register driver is nil")
	}
	if err := common.ValidateName("driver", name); err != nil {
		panic("driver: " + err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.drivers[name]; dup {
		panic("driver: Register called twice for driver " + name)
	}
	r.drivers[name] = d
}

// Unregister removes name from the registry. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.drivers, name)
}

// Lookup resolves a driver by name.
func (r *Registry) Lookup(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrDriverNotFound, name)
	}
	return d, nil
}

// Drivers returns a sorted list of the registered driver names.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Default is the process-wide registry drivers add themselves to from init.
var Default = NewRegistry()

// Register adds d to the Default registry.
func Register(name string, d Driver) {
	Default.Register(name, d)
}

// Lookup resolves name in the Default registry.
func Lookup(name string) (Driver, error) {
	return Default.Lookup(name)
}

// Drivers lists the names in the Default registry.
func Drivers() []string {
	return Default.Drivers()
}
