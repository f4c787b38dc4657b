// Package health tracks per-stream staleness and named component checks.
// The evaluator consults stream health every tick; the HTTP surface uses the
// check registry for /health.
package health

import (
	"fmt"
	"sync"
	"time"

	"fundarb/internal/core"
)

// Well-known stream names
const (
	StreamTicker = "ticker"
)

type streamState struct {
	lastMessage time.Time
	threshold   time.Duration
}

// CheckFunc probes one component; nil means healthy
type CheckFunc func() error

// Monitor tracks stream liveness and registered checks
type Monitor struct {
	mu      sync.RWMutex
	streams map[string]*streamState
	checks  map[string]CheckFunc
	logger  core.ILogger
	now     func() time.Time
}

// NewMonitor creates an empty monitor
func NewMonitor(logger core.ILogger) *Monitor {
	return &Monitor{
		streams: make(map[string]*streamState),
		checks:  make(map[string]CheckFunc),
		logger:  logger.WithField("component", "health_monitor"),
		now:     time.Now,
	}
}

// RegisterStream adds a stream with its staleness threshold. A stream with
// no message yet counts as unhealthy.
func (m *Monitor) RegisterStream(name string, threshold time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[name] = &streamState{threshold: threshold}
}

// RecordMessage marks a qualifying message on the stream
func (m *Monitor) RecordMessage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[name]; ok {
		s.lastMessage = m.now()
	}
}

// StreamHealthy reports whether the stream's last message is within its
// threshold. Unknown streams are unhealthy.
func (m *Monitor) StreamHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[name]
	if !ok || s.lastMessage.IsZero() {
		return false
	}
	return m.now().Sub(s.lastMessage) <= s.threshold
}

// IsHealthy reports whether every registered stream is healthy
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for _, s := range m.streams {
		if s.lastMessage.IsZero() || now.Sub(s.lastMessage) > s.threshold {
			return false
		}
	}
	return true
}

// Streams returns the health of each registered stream
func (m *Monitor) Streams() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make(map[string]bool, len(m.streams))
	for name, s := range m.streams {
		out[name] = !s.lastMessage.IsZero() && now.Sub(s.lastMessage) <= s.threshold
	}
	return out
}

// RegisterCheck adds a named component check
func (m *Monitor) RegisterCheck(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// RunChecks executes all checks and returns the failures by name
func (m *Monitor) RunChecks() map[string]error {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	failures := make(map[string]error)
	for name, fn := range checks {
		if err := fn(); err != nil {
			failures[name] = fmt.Errorf("check %s failed: %w", name, err)
			m.logger.Warn("health check failed", "check", name, "error", err.Error())
		}
	}
	return failures
}
