// Package health aggregates component liveness checks for the engine.
package health

import (
	"context"
	"sync"
	"time"

	"maotrade/internal/core"
)

// Check probes one component. A nil error means healthy.
type Check func(ctx context.Context) error

// Status is the result of one probe round.
type Status struct {
	Healthy bool              `json:"healthy"`
	Checked time.Time         `json:"checked"`
	Details map[string]string `json:"details"`
}

// Manager runs registered checks on demand and caches the last result.
type Manager struct {
	logger core.ILogger

	mu     sync.RWMutex
	checks map[string]Check
	last   Status
}

// NewManager creates an empty health manager.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]Check),
	}
}

// Register adds a named check.
func (m *Manager) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run executes all checks and returns the aggregate status.
func (m *Manager) Run(ctx context.Context) Status {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	status := Status{Healthy: true, Checked: time.Now(), Details: make(map[string]string, len(checks))}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status.Healthy = false
			status.Details[name] = err.Error()
			m.logger.Warn("Health check failed", "check", name, "error", err)
		} else {
			status.Details[name] = "ok"
		}
	}

	m.mu.Lock()
	m.last = status
	m.mu.Unlock()
	return status
}

// Last returns the most recent probe result.
func (m *Manager) Last() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
