package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager starts and stops registered Services deterministically: Start
// runs them in registration order and rolls back (stops) whatever already
// started if one fails; Stop runs in reverse order and keeps going even if
// one service's Stop errors, returning a joined error.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  []Service
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the managed set. Duplicate names are rejected
// since the manager otherwise has no way to distinguish them in logs.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return errors.New("system: cannot register a nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("system: service %q already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service in registration order. If one
// fails, every service started so far is stopped before the error is
// returned, so a failed Start never leaves partial state running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	started := make([]Service, 0, len(services))
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			m.rollback(ctx, started)
			return fmt.Errorf("system: start %q: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}

	m.mu.Lock()
	m.started = started
	m.mu.Unlock()
	return nil
}

func (m *Manager) rollback(ctx context.Context, started []Service) {
	for i := len(started) - 1; i >= 0; i-- {
		_ = started[i].Stop(ctx)
	}
}

// Stop stops every started service in reverse start order, collecting
// errors rather than stopping at the first one.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("system: stop %q: %w", started[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
