// Package health tracks the status of the recorder's dependencies for the
// /healthz endpoint and the status command.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/boardcast/recorder/internal/logging"
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

// Components reported by the recorder.
const (
	ComponentCapture  = "capture"
	ComponentStorage  = "storage"
	ComponentBoardAPI = "board_api"
	ComponentDisk     = "disk"
)

// advisory components never push the overall status past Degraded: a
// recording that cannot be registered is still stored.
var advisory = map[string]bool{
	ComponentBoardAPI: true,
}

func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Report is a consistent view of every component, sorted by name.
type Report struct {
	Status     Status    `json:"status"`
	Components []Check   `json:"components"`
	Uptime     string    `json:"uptime"`
	At         time.Time `json:"at"`
}

// Monitor tracks health checks for the recorder's components.
type Monitor struct {
	mu      sync.RWMutex
	checks  map[string]Check
	started time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks:  make(map[string]Check),
		started: time.Now(),
	}
}

// Update records the status of a component. Invalid statuses are recorded
// as Unhealthy. Transitions are logged once, repeats are not.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status, treating as unhealthy", "component", name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	prev, had := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	switch {
	case status == Healthy && had && prev.Status != Healthy:
		log.Info("component recovered", "component", name)
	case status != Healthy && (!had || prev.Status != status || prev.Message != message):
		log.Warn("component not healthy", "component", name, "status", string(status), "message", message)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst effective status across all components, or
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
		if s := effective(c); rank(s) > rank(worst) {
			worst = s
		}
	}
	return worst
}

// All returns every check sorted by component name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *Monitor) sortedLocked() []Check {
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary returns the overall status and the components under one lock.
func (m *Monitor) Summary() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	return Report{
		Status:     m.overallLocked(),
		Components: m.sortedLocked(),
		Uptime:     now.Sub(m.started).Truncate(time.Second).String(),
		At:         now,
	}
}

func effective(c Check) Status {
	if advisory[c.Name] && c.Status == Unhealthy {
		return Degraded
	}
	return c.Status
}

// rank orders statuses from best to worst. A component that has not been
// checked yet ranks below one known to be degraded.
func rank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Unknown:
		return 1
	case Degraded:
		return 2
	case Unhealthy:
		return 3
	}
	return 0
}
