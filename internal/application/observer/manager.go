package observer

import (
	"context"
	"fmt"
	"sync"

	"github.com/alphred/engine/internal/infrastructure/logger"
	"github.com/alphred/engine/pkg/engine"
)

// ObserverManager fans out step events to registered observers, implementing
// engine.Notifier so it can be wired directly into an engine.Executor.
type ObserverManager struct {
	observers []Observer
	logger    *logger.Logger
	mu        sync.RWMutex
}

// ManagerOption configures an ObserverManager.
type ManagerOption func(*ObserverManager)

// WithLogger sets the logger used to report observer failures.
func WithLogger(l *logger.Logger) ManagerOption {
	return func(m *ObserverManager) { m.logger = l }
}

// NewObserverManager creates an empty manager.
func NewObserverManager(opts ...ManagerOption) *ObserverManager {
	mgr := &ObserverManager{observers: make([]Observer, 0)}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Register adds an observer, rejecting a duplicate name.
func (m *ObserverManager) Register(obs Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.observers {
		if existing.Name() == obs.Name() {
			return fmt.Errorf("observer with name %q already registered", obs.Name())
		}
	}
	m.observers = append(m.observers, obs)
	return nil
}

// Unregister removes the observer registered under name.
func (m *ObserverManager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, obs := range m.observers {
		if obs.Name() == name {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("observer %q not found", name)
}

// Notify implements engine.Notifier: dispatches event to every registered
// observer in its own goroutine, never blocking the step loop and recovering
// from any observer panic.
func (m *ObserverManager) Notify(ctx context.Context, event engine.StepEvent) {
	m.mu.RLock()
	observersCopy := make([]Observer, len(m.observers))
	copy(observersCopy, m.observers)
	m.mu.RUnlock()

	for _, obs := range observersCopy {
		go m.notifyObserver(ctx, obs, event)
	}
}

func (m *ObserverManager) notifyObserver(ctx context.Context, obs Observer, event engine.StepEvent) {
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.ErrorContext(ctx, "observer panic recovered",
					"observer", obs.Name(),
					"outcome", string(event.Outcome),
					"panic", r,
				)
			}
		}
	}()

	if filter := obs.Filter(); filter != nil && !filter.ShouldNotify(event) {
		return
	}

	if err := obs.OnEvent(ctx, event); err != nil {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "observer notification failed",
				"observer", obs.Name(),
				"outcome", string(event.Outcome),
				"error", err,
			)
		}
	}
}

// Count returns the number of registered observers.
func (m *ObserverManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}
