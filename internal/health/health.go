// Package health tracks per-component health of the update service for the
// status surface.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Component names reported by the updater.
const (
	ComponentManifest = "manifest"
	ComponentTransfer = "transfer"
	ComponentCommit   = "commit"
	ComponentState    = "state"
	ComponentNotify   = "notify"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name" cbor:"name"`
	Status    Status    `json:"status" cbor:"status"`
	Message   string    `json:"message,omitempty" cbor:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"updatedAt"`
}

// Summary is a consistent snapshot of every component.
type Summary struct {
	Status     Status            `json:"status" cbor:"status"`
	Components map[string]Status `json:"components" cbor:"components"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records the health status for a named component. Unrecognised
// statuses are stored as Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	prev, had := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	if status != Healthy && (!had || prev.Status != status || prev.Message != message) {
		log.Warn("component health changed", "component", name, "status", string(status), "message", message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks, or
// Unknown when nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns the overall status and every component's status taken
// under one lock.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Status:     m.overallLocked(),
		Components: make(map[string]Status, len(m.checks)),
	}
	for name, c := range m.checks {
		s.Components[name] = c.Status
	}
	return s
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
