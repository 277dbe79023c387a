package engine

import "testing"

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordRunAttempt("web")
	m.RecordRunSuccess("web")
	m.RecordRunAttempt("web")
	m.RecordNoop("web")
	m.RecordRunAttempt("db")
	m.RecordRunFailure("db")

	snap := m.Snapshot()
	if snap.TotalRunAttempts != 3 || snap.TotalRunSuccesses != 1 || snap.TotalRunFailures != 1 || snap.TotalNoops != 1 {
		t.Errorf("unexpected totals: %+v", snap)
	}

	if len(snap.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(snap.Targets))
	}
	// Sorted by name.
	if snap.Targets[0].Target != "db" || snap.Targets[1].Target != "web" {
		t.Errorf("expected sorted targets, got %s, %s", snap.Targets[0].Target, snap.Targets[1].Target)
	}

	web := snap.Targets[1]
	if web.RunAttempts != 2 || web.RunSuccesses != 1 || web.Noops != 1 || web.RunFailures != 0 {
		t.Errorf("unexpected web counters: %+v", web)
	}
	if web.LastRunAt.IsZero() || web.LastSuccessAt.IsZero() {
		t.Error("expected run timestamps to be set")
	}
	if !web.LastFailureAt.IsZero() {
		t.Error("expected no failure timestamp for web")
	}

	db := snap.Targets[0]
	if db.RunFailures != 1 || db.LastFailureAt.IsZero() {
		t.Errorf("unexpected db counters: %+v", db)
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := NewMetrics()
	m.RecordRunAttempt("web")

	snap := m.Snapshot()
	m.RecordRunAttempt("web")

	if snap.TotalRunAttempts != 1 {
		t.Errorf("snapshot mutated after the fact: %d", snap.TotalRunAttempts)
	}
}
