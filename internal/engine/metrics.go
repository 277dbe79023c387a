package engine

import (
	"sort"
	"sync"
	"time"
)

// Metrics tracks reconciliation counters for monitoring and the status API.
//
// Counters are kept per target plus process-wide totals. Everything is
// in-process; exposition happens through the HTTP API.
type Metrics struct {
	mu sync.RWMutex

	targetMetrics map[string]*targetMetrics

	totalRunAttempts  int64
	totalRunSuccesses int64
	totalRunFailures  int64
	totalNoops        int64
}

// targetMetrics holds reconciliation counters for a single target.
type targetMetrics struct {
	Target        string
	RunAttempts   int64
	RunSuccesses  int64
	RunFailures   int64
	Noops         int64
	LastRunAt     time.Time
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// MetricsSnapshot is a point-in-time copy of the collected counters.
type MetricsSnapshot struct {
	TotalRunAttempts  int64                   `json:"totalRunAttempts"`
	TotalRunSuccesses int64                   `json:"totalRunSuccesses"`
	TotalRunFailures  int64                   `json:"totalRunFailures"`
	TotalNoops        int64                   `json:"totalNoops"`
	Targets           []TargetMetricsSnapshot `json:"targets"`
}

// TargetMetricsSnapshot is the per-target slice of a MetricsSnapshot.
type TargetMetricsSnapshot struct {
	Target        string    `json:"target"`
	RunAttempts   int64     `json:"runAttempts"`
	RunSuccesses  int64     `json:"runSuccesses"`
	RunFailures   int64     `json:"runFailures"`
	Noops         int64     `json:"noops"`
	LastRunAt     time.Time `json:"lastRunAt,omitempty"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
}

// NewMetrics creates an empty Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{targetMetrics: make(map[string]*targetMetrics)}
}

func (m *Metrics) getOrCreate(target string) *targetMetrics {
	if tm, ok := m.targetMetrics[target]; ok {
		return tm
	}
	tm := &targetMetrics{Target: target}
	m.targetMetrics[target] = tm
	return tm
}

// RecordRunAttempt records the start of a reconciliation run.
func (m *Metrics) RecordRunAttempt(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(target)
	tm.RunAttempts++
	tm.LastRunAt = time.Now()
	m.totalRunAttempts++
}

// RecordRunSuccess records a run that finished without error.
func (m *Metrics) RecordRunSuccess(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(target)
	tm.RunSuccesses++
	tm.LastSuccessAt = time.Now()
	m.totalRunSuccesses++
}

// RecordRunFailure records a run that surfaced an error to the scheduler.
func (m *Metrics) RecordRunFailure(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(target)
	tm.RunFailures++
	tm.LastFailureAt = time.Now()
	m.totalRunFailures++
}

// RecordNoop records a run whose diff had no actionable entries.
func (m *Metrics) RecordNoop(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreate(target).Noops++
	m.totalNoops++
}

// Snapshot returns a copy of all counters, targets sorted by name.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		TotalRunAttempts:  m.totalRunAttempts,
		TotalRunSuccesses: m.totalRunSuccesses,
		TotalRunFailures:  m.totalRunFailures,
		TotalNoops:        m.totalNoops,
	}
	for _, tm := range m.targetMetrics {
		snap.Targets = append(snap.Targets, TargetMetricsSnapshot{
			Target:        tm.Target,
			RunAttempts:   tm.RunAttempts,
			RunSuccesses:  tm.RunSuccesses,
			RunFailures:   tm.RunFailures,
			Noops:         tm.Noops,
			LastRunAt:     tm.LastRunAt,
			LastSuccessAt: tm.LastSuccessAt,
			LastFailureAt: tm.LastFailureAt,
		})
	}
	sort.Slice(snap.Targets, func(i, j int) bool { return snap.Targets[i].Target < snap.Targets[j].Target })
	return snap
}
