// Package health tracks rolling success/failure outcomes of backend
// calls and derives an advisory health status. The status shapes batch
// sizing and retry delays; it never halts the scheduler by itself.
package health

import (
	"sync"
	"time"
)

// Status is the derived backend health level.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// State is a point-in-time snapshot of the monitor.
type State struct {
	Status              Status
	SuccessRate         float64
	ConsecutiveFailures int
	WindowSize          int
	WindowFill          int
}

// Thresholds control the deterministic status transitions. The zero
// value is replaced by defaults in NewMonitor.
type Thresholds struct {
	WindowSize                   int     // rolling window length (default 20)
	DegradedConsecutiveFailures  int     // default 2
	UnhealthyConsecutiveFailures int     // default 3
	DegradedSuccessRate          float64 // default 0.6
	UnhealthySuccessRate         float64 // default 0.3, applied only once the window is full
}

func (t Thresholds) withDefaults() Thresholds {
	if t.WindowSize <= 0 {
		t.WindowSize = 20
	}
	if t.DegradedConsecutiveFailures <= 0 {
		t.DegradedConsecutiveFailures = 2
	}
	if t.UnhealthyConsecutiveFailures <= 0 {
		t.UnhealthyConsecutiveFailures = 3
	}
	if t.DegradedSuccessRate <= 0 {
		t.DegradedSuccessRate = 0.6
	}
	if t.UnhealthySuccessRate <= 0 {
		t.UnhealthySuccessRate = 0.3
	}
	return t
}

// Monitor owns the rolling outcome window. All access goes through its
// methods under a single mutex; it is never shared as a bare global.
type Monitor struct {
	mu sync.Mutex

	th          Thresholds
	window      []bool // FIFO of most recent outcomes, true = success
	consecutive int
}

// NewMonitor creates a Monitor with the given thresholds.
func NewMonitor(th Thresholds) *Monitor {
	return &Monitor{th: th.withDefaults()}
}

// Record appends one call outcome, dropping the oldest entry once the
// window is full.
func (m *Monitor) Record(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, success)
	if len(m.window) > m.th.WindowSize {
		m.window = m.window[1:]
	}
	if success {
		m.consecutive = 0
	} else {
		m.consecutive++
	}
}

// Current returns a snapshot of the derived health state. Given the
// same outcome sequence the result is identical on every run.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		Status:              Healthy,
		SuccessRate:         1,
		ConsecutiveFailures: m.consecutive,
		WindowSize:          m.th.WindowSize,
		WindowFill:          len(m.window),
	}
	if len(m.window) > 0 {
		succ := 0
		for _, ok := range m.window {
			if ok {
				succ++
			}
		}
		st.SuccessRate = float64(succ) / float64(len(m.window))
	}

	full := len(m.window) >= m.th.WindowSize
	switch {
	case m.consecutive >= m.th.UnhealthyConsecutiveFailures,
		full && st.SuccessRate < m.th.UnhealthySuccessRate:
		st.Status = Unhealthy
	case m.consecutive >= m.th.DegradedConsecutiveFailures,
		len(m.window) > 0 && st.SuccessRate < m.th.DegradedSuccessRate:
		st.Status = Degraded
	}
	return st
}

// Backoff returns the recommended pause before the next batch dispatch
// for the given status.
func (s State) Backoff() time.Duration {
	switch s.Status {
	case Degraded:
		return 5 * time.Second
	case Unhealthy:
		return 30 * time.Second
	}
	return 0
}
