// Package alert centralizes operator-facing alerts: severity levels,
// duplicate suppression and fan-out to the log and any attached sinks
// (the client channel broadcasts through one).
package alert

import (
	"fmt"
	"sync"
	"time"

	"maotrade/internal/core"
)

// Level is the alert severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert is one operator notification.
type Alert struct {
	Level     Level     `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Sink receives fired alerts. Sinks must not block.
type Sink func(Alert)

// dedupWindow suppresses identical alerts fired in close succession.
const dedupWindow = 5 * time.Minute

// Manager fires alerts to the log and registered sinks with duplicate
// suppression per (component, message).
type Manager struct {
	logger core.ILogger

	mu       sync.Mutex
	sinks    []Sink
	lastSent map[string]time.Time
}

// NewManager creates an alert manager logging through the given logger.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger:   logger.WithField("component", "alert_manager"),
		lastSent: make(map[string]time.Time),
	}
}

// AddSink attaches a delivery sink.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Fire raises an alert. Repeats of the same component and message inside
// the suppression window are dropped.
func (m *Manager) Fire(level Level, component, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	now := time.Now()
	key := component + "|" + message

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < dedupWindow {
		m.mu.Unlock()
		return
	}
	m.lastSent[key] = now
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	a := Alert{Level: level, Component: component, Message: message, Time: now}
	switch level {
	case LevelCritical:
		m.logger.Critical(message, "alert_component", component)
	case LevelError:
		m.logger.Error(message, "alert_component", component)
	case LevelWarning:
		m.logger.Warn(message, "alert_component", component)
	default:
		m.logger.Info(message, "alert_component", component)
	}
	for _, s := range sinks {
		s(a)
	}
}
