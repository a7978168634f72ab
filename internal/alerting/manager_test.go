package alerting

import (
	"errors"
	"sync"
	"testing"
	"time"

	"guardpost/internal/rules"
	"guardpost/internal/schema"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (r *recordingNotifier) Notify(ev TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) ofType(t EventType) []TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TransitionEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *recordingNotifier) {
	t.Helper()
	reg, err := rules.NewRegistry(rules.BuiltinPatterns(rules.DefaultThresholds()))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	m := NewManager(reg, 100)
	rec := &recordingNotifier{}
	m.AddNotifier(rec)
	return m, rec
}

func threatEvent(pattern, source string, sev schema.Severity, value float64, contributing int, ts time.Time) schema.ThreatEvent {
	return schema.ThreatEvent{
		Fingerprint:   schema.Fingerprint{PatternID: pattern, SourceID: source},
		Severity:      sev,
		ObservedValue: value,
		Timestamp:     ts,
		Contributing:  contributing,
	}
}

func TestManager_CreateAndReinforce(t *testing.T) {
	m, rec := newTestManager(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fp := schema.Fingerprint{PatternID: "auth-brute-force", SourceID: "bastion"}

	m.HandleEvent(threatEvent("auth-brute-force", "bastion", schema.SeverityHigh, 1, 5, base))
	m.HandleEvent(threatEvent("auth-brute-force", "bastion", schema.SeverityHigh, 1, 6, base.Add(time.Minute)))
	m.PublishSnapshot(base.Add(time.Minute))

	a, ok := m.GetAlert(fp)
	if !ok {
		t.Fatal("alert not found in snapshot")
	}
	if a.Status != StatusOpen {
		t.Errorf("status = %s, want open", a.Status)
	}
	if a.OccurrenceCount != 6 {
		t.Errorf("occurrence count = %d, want 6 (5 contributing + 1 reinforcement)", a.OccurrenceCount)
	}
	if !a.FirstSeen.Equal(base) || !a.LastSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("first/last seen = %s/%s", a.FirstSeen, a.LastSeen)
	}
	if a.EscalationDeadline == nil || !a.EscalationDeadline.Equal(base.Add(60*time.Second)) {
		t.Errorf("escalation deadline = %v, want first seen + 60s", a.EscalationDeadline)
	}
	if got := rec.ofType(EventCreated); len(got) != 1 {
		t.Errorf("created events = %d, want 1 (reinforcement must not re-notify)", len(got))
	}
}

func TestManager_SeverityIsMonotonic(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now().UTC()
	fp := schema.Fingerprint{PatternID: "cpu-abuse", SourceID: "web-1"}

	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityHigh, 95, 1, base))
	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityMedium, 91, 1, base.Add(time.Second)))
	m.PublishSnapshot(base.Add(time.Second))

	a, _ := m.GetAlert(fp)
	if a.Severity != schema.SeverityHigh {
		t.Errorf("severity = %s, want high (must never decrease while active)", a.Severity)
	}

	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityCritical, 99, 1, base.Add(2*time.Second)))
	m.PublishSnapshot(base.Add(2 * time.Second))
	a, _ = m.GetAlert(fp)
	if a.Severity != schema.SeverityCritical {
		t.Errorf("severity = %s, want critical", a.Severity)
	}
}

func TestManager_AutoResolveStreak(t *testing.T) {
	m, rec := newTestManager(t)
	base := time.Now().UTC()
	fp := schema.Fingerprint{PatternID: "cpu-abuse", SourceID: "web-1"}
	clear := func(ts time.Time) schema.ClearSignal {
		return schema.ClearSignal{Fingerprint: fp, ObservedValue: 60, Timestamp: ts}
	}

	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityMedium, 95, 1, base))

	// Two clears, then a breach: the streak restarts.
	m.HandleClear(clear(base.Add(1 * time.Minute)))
	m.HandleClear(clear(base.Add(2 * time.Minute)))
	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityMedium, 92, 1, base.Add(3*time.Minute)))
	m.HandleClear(clear(base.Add(4 * time.Minute)))
	m.HandleClear(clear(base.Add(5 * time.Minute)))
	if m.ActiveCount() != 1 {
		t.Fatal("alert resolved before streak reached threshold")
	}

	m.HandleClear(clear(base.Add(6 * time.Minute)))
	if m.ActiveCount() != 0 {
		t.Fatal("three consecutive clears must auto-resolve")
	}
	resolved := rec.ofType(EventResolved)
	if len(resolved) != 1 || resolved[0].Alert.ResolvedBy != "auto" {
		t.Fatalf("resolved events = %+v", resolved)
	}

	// A recurrence after resolution is a new alert with a new id.
	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityMedium, 96, 1, base.Add(10*time.Minute)))
	created := rec.ofType(EventCreated)
	if len(created) != 2 {
		t.Fatalf("created events = %d, want 2", len(created))
	}
	if created[0].Alert.ID == created[1].Alert.ID {
		t.Error("recurrence must get a fresh alert id")
	}
}

func TestManager_ClearsIgnoredWithoutAutoResolve(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now().UTC()
	fp := schema.Fingerprint{PatternID: "connection-flood", SourceID: "edge"}

	m.HandleEvent(threatEvent("connection-flood", "edge", schema.SeverityHigh, 2000, 1, base))
	for i := 0; i < 10; i++ {
		m.HandleClear(schema.ClearSignal{Fingerprint: fp, ObservedValue: 100, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	if m.ActiveCount() != 1 {
		t.Fatal("patterns without auto_resolve must ignore clear signals")
	}
}

func TestManager_Escalation(t *testing.T) {
	m, rec := newTestManager(t)
	base := time.Now().UTC()

	// connection-flood escalates after 180s.
	m.HandleEvent(threatEvent("connection-flood", "edge", schema.SeverityHigh, 2000, 1, base))

	if n := m.CheckEscalations(base.Add(179 * time.Second)); n != 0 {
		t.Fatalf("escalated %d alerts before deadline", n)
	}
	if n := m.CheckEscalations(base.Add(180 * time.Second)); n != 1 {
		t.Fatalf("escalated %d alerts at deadline, want 1", n)
	}
	// Idempotent: the same deadline never fires twice.
	if n := m.CheckEscalations(base.Add(300 * time.Second)); n != 0 {
		t.Fatalf("escalated %d alerts on repeat check, want 0", n)
	}
	if got := rec.ofType(EventEscalated); len(got) != 1 {
		t.Fatalf("escalated events = %d, want 1", len(got))
	}

	m.PublishSnapshot(base.Add(300 * time.Second))
	a, _ := m.GetAlert(schema.Fingerprint{PatternID: "connection-flood", SourceID: "edge"})
	if a.Status != StatusEscalated {
		t.Errorf("status = %s, want escalated", a.Status)
	}
}

func TestManager_AcknowledgeSuppressesEscalation(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now().UTC()
	fp := schema.Fingerprint{PatternID: "connection-flood", SourceID: "edge"}

	m.HandleEvent(threatEvent("connection-flood", "edge", schema.SeverityHigh, 2000, 1, base))
	a, err := m.Acknowledge(fp, "oncall", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if a.Status != StatusAcknowledged || a.AckedBy != "oncall" {
		t.Fatalf("acked alert = %+v", a)
	}
	if n := m.CheckEscalations(base.Add(time.Hour)); n != 0 {
		t.Fatal("acknowledgement must suppress escalation for this pattern")
	}

	// Double-ack is rejected.
	if _, err := m.Acknowledge(fp, "oncall", base.Add(2*time.Minute)); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second acknowledge: %v, want ErrBadTransition", err)
	}
}

func TestManager_BruteForceEscalatesDespiteAck(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now().UTC()
	fp := schema.Fingerprint{PatternID: "auth-brute-force", SourceID: "bastion"}

	m.HandleEvent(threatEvent("auth-brute-force", "bastion", schema.SeverityHigh, 1, 5, base))
	if _, err := m.Acknowledge(fp, "oncall", base.Add(10*time.Second)); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if n := m.CheckEscalations(base.Add(60 * time.Second)); n != 1 {
		t.Fatalf("escalated %d, want 1: brute force keeps its deadline through ack", n)
	}
}

func TestManager_ResolveAndNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now().UTC()
	fp := schema.Fingerprint{PatternID: "cpu-abuse", SourceID: "web-1"}

	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityMedium, 95, 1, base))
	a, err := m.Resolve(fp, "oncall", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Status != StatusResolved || a.ResolvedBy != "oncall" || a.ResolvedAt == nil {
		t.Fatalf("resolved alert = %+v", a)
	}

	if _, err := m.Resolve(fp, "oncall", base.Add(2*time.Minute)); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("resolve after terminal: %v, want ErrAlertNotFound", err)
	}
	if _, err := m.Acknowledge(fp, "oncall", base.Add(2*time.Minute)); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("ack after terminal: %v, want ErrAlertNotFound", err)
	}
}

func TestManager_SnapshotOrderingAndFilter(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now().UTC()

	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityMedium, 95, 1, base))
	m.HandleEvent(threatEvent("connection-flood", "edge", schema.SeverityHigh, 2000, 1, base.Add(time.Second)))
	m.HandleEvent(threatEvent("memory-abuse", "web-2", schema.SeverityMedium, 97, 1, base.Add(2*time.Second)))
	m.PublishSnapshot(base.Add(3 * time.Second))

	all := m.ListAlerts(Filter{})
	if len(all) != 3 {
		t.Fatalf("listed %d alerts, want 3", len(all))
	}
	if all[0].Severity != schema.SeverityHigh {
		t.Errorf("first alert severity = %s, want high first", all[0].Severity)
	}
	if all[1].LastSeen.Before(all[2].LastSeen) {
		t.Error("equal-severity alerts must order most recent first")
	}

	medium := m.ListAlerts(Filter{Severity: schema.SeverityMedium})
	if len(medium) != 2 {
		t.Errorf("severity filter: got %d, want 2", len(medium))
	}
	web1 := m.ListAlerts(Filter{SourceID: "web-1"})
	if len(web1) != 1 || web1[0].Fingerprint.SourceID != "web-1" {
		t.Errorf("source filter: %+v", web1)
	}
	limited := m.ListAlerts(Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit filter: got %d, want 1", len(limited))
	}

	// The snapshot is immutable: later mutations do not leak into it.
	snap := m.Snapshot()
	m.HandleEvent(threatEvent("cpu-abuse", "web-1", schema.SeverityCritical, 99, 1, base.Add(time.Minute)))
	for i := range snap.Alerts {
		if snap.Alerts[i].Severity == schema.SeverityCritical {
			t.Fatal("published snapshot must not observe later writes")
		}
	}
}

func TestManager_ResolvedHistoryBounded(t *testing.T) {
	reg, err := rules.NewRegistry(rules.BuiltinPatterns(rules.DefaultThresholds()))
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(reg, 2)
	base := time.Now().UTC()

	for i, src := range []string{"a", "b", "c"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		m.HandleEvent(threatEvent("cpu-abuse", src, schema.SeverityMedium, 95, 1, ts))
		if _, err := m.Resolve(schema.Fingerprint{PatternID: "cpu-abuse", SourceID: src}, "oncall", ts.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	m.PublishSnapshot(base.Add(time.Hour))

	resolved := m.ListAlerts(Filter{Status: StatusResolved})
	if len(resolved) != 2 {
		t.Fatalf("history holds %d resolved alerts, want cap of 2", len(resolved))
	}
}
