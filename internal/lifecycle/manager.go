// Package lifecycle closes app resources in reverse registration order.
package lifecycle

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager collects closers during app construction and releases them LIFO
// at shutdown, so dependents close before the pools and connections they
// sit on.
type Manager struct {
	mu        sync.Mutex
	resources []resource
}

type resource struct {
	name   string
	closer io.Closer
}

func NewManager() *Manager {
	return &Manager{}
}

// Register adds a closer. Later registrations close first.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc registers a plain cleanup function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close closes every registered resource in reverse order. A failing
// closer is logged and does not stop the rest; all failures are joined
// into the returned error.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			log.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			errs = append(errs, err)
		}
	}
	m.resources = nil
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
