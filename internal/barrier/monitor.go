package barrier

import (
	"sync"
	"time"
)

// DecisionSnapshot summarises observed filter decisions.
type DecisionSnapshot struct {
	Decisions int           `json:"decisions"`
	Overrides int           `json:"overrides"`
	Average   time.Duration `json:"average_ns"`
	Max       time.Duration `json:"max_ns"`
	Last      time.Duration `json:"last_ns"`
}

// OverrideRate is the fraction of decisions that replaced the nominal command.
func (s DecisionSnapshot) OverrideRate() float64 {
	if s.Decisions == 0 {
		return 0
	}
	return float64(s.Overrides) / float64(s.Decisions)
}

// DecisionMonitor accumulates latency and override counts for filter decisions.
type DecisionMonitor struct {
	mu        sync.Mutex
	decisions int
	overrides int
	total     time.Duration
	max       time.Duration
	last      time.Duration
}

// NewDecisionMonitor constructs an empty monitor.
func NewDecisionMonitor() *DecisionMonitor {
	return &DecisionMonitor{}
}

// Observe records one decision. A nil monitor ignores the sample.
func (m *DecisionMonitor) Observe(duration time.Duration, overridden bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	//1.- Count every decision, even ones too fast for the clock to resolve.
	m.decisions++
	if overridden {
		m.overrides++
	}
	if duration > 0 {
		m.total += duration
		//2.- Keep the worst case so spikes from large grids stand out.
		if duration > m.max {
			m.max = duration
		}
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated statistics.
func (m *DecisionMonitor) Snapshot() DecisionSnapshot {
	if m == nil {
		return DecisionSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := DecisionSnapshot{Decisions: m.decisions, Overrides: m.overrides, Max: m.max, Last: m.last}
	if m.decisions > 0 {
		snapshot.Average = m.total / time.Duration(m.decisions)
	}
	return snapshot
}

// Reset clears the accumulated statistics.
func (m *DecisionMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.decisions = 0
	m.overrides = 0
	m.total = 0
	m.max = 0
	m.last = 0
	m.mu.Unlock()
}
