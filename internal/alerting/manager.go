// Package alerting owns the alert lifecycle: creation and reinforcement
// from threat events, acknowledgement, escalation, resolution, and the
// read-side snapshot served to the API.
package alerting

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"guardpost/internal/rules"
	"guardpost/internal/schema"
)

// Status is the lifecycle state of an alert. Resolved is terminal: a
// condition that recurs after resolution opens a new alert with a new id.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
)

// Active reports whether the alert still tracks a live condition.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAcknowledged || s == StatusEscalated
}

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusEscalated, StatusResolved:
		return true
	}
	return false
}

// Alert is one managed alert. Severity is monotonic while the alert is
// active: reinforcement can raise it, never lower it.
type Alert struct {
	ID                 uuid.UUID          `json:"id"`
	Fingerprint        schema.Fingerprint `json:"fingerprint"`
	PatternKind        rules.Kind         `json:"pattern_kind"`
	Severity           schema.Severity    `json:"severity"`
	Status             Status             `json:"status"`
	FirstSeen          time.Time          `json:"first_seen"`
	LastSeen           time.Time          `json:"last_seen"`
	OccurrenceCount    int                `json:"occurrence_count"`
	LastValue          float64            `json:"last_value"`
	EscalationDeadline *time.Time         `json:"escalation_deadline,omitempty"`
	ResolveStreak      int                `json:"-"`
	AckedAt            *time.Time         `json:"acked_at,omitempty"`
	AckedBy            string             `json:"acked_by,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy         string             `json:"resolved_by,omitempty"`
}

// EventType classifies a lifecycle transition.
type EventType string

const (
	EventCreated      EventType = "created"
	EventAcknowledged EventType = "acknowledged"
	EventEscalated    EventType = "escalated"
	EventResolved     EventType = "resolved"
)

// TransitionEvent carries a copy of the alert as of the transition, so
// consumers never observe later mutations.
type TransitionEvent struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
	At    time.Time `json:"at"`
}

// Notifier receives lifecycle transitions. Implementations must not
// block: slow delivery belongs behind the dispatcher's queue.
type Notifier interface {
	Notify(ev TransitionEvent)
}

var (
	// ErrAlertNotFound is returned for operations on an unknown or
	// already-resolved fingerprint.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrBadTransition is returned when an operator action is not legal
	// from the alert's current status.
	ErrBadTransition = errors.New("transition not allowed")
)

const alertShards = 16

type alertShard struct {
	mu     sync.Mutex
	active map[schema.Fingerprint]*Alert
}

// Snapshot is the immutable read view published once per tick. Alerts
// are value copies ordered by severity rank descending, then most
// recently seen first.
type Snapshot struct {
	Alerts  []Alert   `json:"alerts"`
	TakenAt time.Time `json:"taken_at"`
}

// Manager deduplicates threat events into alerts keyed by fingerprint
// and drives their lifecycle. Active alerts are sharded by source so the
// scheduler's per-source partitioning writes without cross-worker
// contention; reads go through the published snapshot.
type Manager struct {
	registry atomic.Pointer[rules.Registry]
	shards   [alertShards]*alertShard
	snapshot atomic.Value // *Snapshot

	historyMu  sync.Mutex
	resolved   []Alert // ring, newest at the logical end
	historyPos int
	maxHistory int

	notifyMu  sync.RWMutex
	notifiers []Notifier
}

// NewManager creates an alert manager over the given registry.
// maxHistory bounds the retained resolved alerts.
func NewManager(reg *rules.Registry, maxHistory int) *Manager {
	m := &Manager{maxHistory: maxHistory}
	m.registry.Store(reg)
	for i := range m.shards {
		m.shards[i] = &alertShard{active: make(map[schema.Fingerprint]*Alert)}
	}
	m.snapshot.Store(&Snapshot{})
	return m
}

// SetRegistry swaps in a new pattern registry. Alerts opened under the
// old registry keep their lifecycle parameters only through the pattern
// lookup, so a removed pattern freezes escalation for its alerts.
func (m *Manager) SetRegistry(reg *rules.Registry) {
	m.registry.Store(reg)
}

// AddNotifier registers a transition consumer.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

func (m *Manager) shardFor(fp schema.Fingerprint) *alertShard {
	h := fnv.New32a()
	h.Write([]byte(fp.SourceID))
	return m.shards[h.Sum32()%alertShards]
}

func (m *Manager) emit(t EventType, a *Alert, at time.Time) {
	ev := TransitionEvent{Type: t, Alert: *a, At: at}
	m.notifyMu.RLock()
	notifiers := m.notifiers
	m.notifyMu.RUnlock()
	for _, n := range notifiers {
		n.Notify(ev)
	}
}

// HandleEvent folds one threat event into the alert set. An event for a
// fingerprint with no active alert opens a new one; otherwise it
// reinforces the existing alert in place.
func (m *Manager) HandleEvent(ev schema.ThreatEvent) {
	sh := m.shardFor(ev.Fingerprint)
	sh.mu.Lock()

	if a, ok := sh.active[ev.Fingerprint]; ok {
		a.LastSeen = latest(a.LastSeen, ev.Timestamp)
		a.OccurrenceCount++
		a.LastValue = ev.ObservedValue
		a.Severity = schema.MaxSeverity(a.Severity, ev.Severity)
		a.ResolveStreak = 0
		sh.mu.Unlock()
		return
	}

	a := &Alert{
		ID:              uuid.New(),
		Fingerprint:     ev.Fingerprint,
		Severity:        ev.Severity,
		Status:          StatusOpen,
		FirstSeen:       ev.Timestamp,
		LastSeen:        ev.Timestamp,
		OccurrenceCount: ev.Contributing,
		LastValue:       ev.ObservedValue,
	}
	if p := m.registry.Load().Get(ev.Fingerprint.PatternID); p != nil {
		a.PatternKind = p.Kind
		if p.EscalateAfter > 0 {
			deadline := ev.Timestamp.Add(p.EscalateAfter)
			a.EscalationDeadline = &deadline
		}
	}
	sh.active[ev.Fingerprint] = a
	sh.mu.Unlock()

	slog.Info("alert opened",
		"alert_id", a.ID,
		"fingerprint", a.Fingerprint.String(),
		"severity", a.Severity,
		"occurrences", a.OccurrenceCount)
	m.emit(EventCreated, a, ev.Timestamp)
}

// HandleClear folds one clear signal into the alert set. Clears advance
// the auto-resolve streak of an active alert; the alert resolves when
// the streak reaches the pattern's resolve threshold. Clears for
// unknown fingerprints and for patterns without auto-resolve are
// dropped.
func (m *Manager) HandleClear(cs schema.ClearSignal) {
	p := m.registry.Load().Get(cs.Fingerprint.PatternID)
	if p == nil || !p.AutoResolve {
		return
	}

	sh := m.shardFor(cs.Fingerprint)
	sh.mu.Lock()
	a, ok := sh.active[cs.Fingerprint]
	if !ok {
		sh.mu.Unlock()
		return
	}
	a.ResolveStreak++
	a.LastValue = cs.ObservedValue
	if a.ResolveStreak < p.ResolveStreak {
		sh.mu.Unlock()
		return
	}
	m.resolveLocked(sh, a, "auto", cs.Timestamp)
	sh.mu.Unlock()

	m.emit(EventResolved, a, cs.Timestamp)
}

// resolveLocked finalizes an alert and moves it to history. The shard
// lock must be held.
func (m *Manager) resolveLocked(sh *alertShard, a *Alert, by string, at time.Time) {
	a.Status = StatusResolved
	a.ResolvedAt = &at
	a.ResolvedBy = by
	delete(sh.active, a.Fingerprint)
	m.recordResolved(*a)
	slog.Info("alert resolved",
		"alert_id", a.ID,
		"fingerprint", a.Fingerprint.String(),
		"by", by)
}

func (m *Manager) recordResolved(a Alert) {
	if m.maxHistory <= 0 {
		return
	}
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	if len(m.resolved) < m.maxHistory {
		m.resolved = append(m.resolved, a)
		return
	}
	m.resolved[m.historyPos] = a
	m.historyPos = (m.historyPos + 1) % m.maxHistory
}

// Acknowledge marks an open alert as acknowledged. For patterns where
// acknowledgement suppresses escalation, the deadline is dropped;
// otherwise the alert escalates on schedule even while acknowledged.
func (m *Manager) Acknowledge(fp schema.Fingerprint, by string, now time.Time) (Alert, error) {
	sh := m.shardFor(fp)
	sh.mu.Lock()
	a, ok := sh.active[fp]
	if !ok {
		sh.mu.Unlock()
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, fp)
	}
	if a.Status != StatusOpen {
		sh.mu.Unlock()
		return Alert{}, fmt.Errorf("%w: cannot acknowledge %s alert", ErrBadTransition, a.Status)
	}
	a.Status = StatusAcknowledged
	a.AckedAt = &now
	a.AckedBy = by
	if p := m.registry.Load().Get(fp.PatternID); p != nil && p.AckSuppresses {
		a.EscalationDeadline = nil
	}
	copied := *a
	sh.mu.Unlock()

	slog.Info("alert acknowledged", "alert_id", copied.ID, "by", by)
	m.emit(EventAcknowledged, &copied, now)
	return copied, nil
}

// Resolve resolves an active alert on operator request.
func (m *Manager) Resolve(fp schema.Fingerprint, by string, now time.Time) (Alert, error) {
	sh := m.shardFor(fp)
	sh.mu.Lock()
	a, ok := sh.active[fp]
	if !ok {
		sh.mu.Unlock()
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, fp)
	}
	m.resolveLocked(sh, a, by, now)
	copied := *a
	sh.mu.Unlock()

	m.emit(EventResolved, &copied, now)
	return copied, nil
}

// CheckEscalations promotes alerts whose escalation deadline has passed.
// The check is level triggered and idempotent: an alert escalates once,
// and a deadline that passed while the engine was down fires on the
// first tick after restart.
func (m *Manager) CheckEscalations(now time.Time) int {
	var escalated []Alert
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, a := range sh.active {
			if a.Status == StatusEscalated || a.EscalationDeadline == nil {
				continue
			}
			if now.Before(*a.EscalationDeadline) {
				continue
			}
			a.Status = StatusEscalated
			escalated = append(escalated, *a)
		}
		sh.mu.Unlock()
	}

	for i := range escalated {
		slog.Warn("alert escalated",
			"alert_id", escalated[i].ID,
			"fingerprint", escalated[i].Fingerprint.String(),
			"severity", escalated[i].Severity)
		m.emit(EventEscalated, &escalated[i], now)
	}
	return len(escalated)
}

// PublishSnapshot atomically replaces the read view with the current
// alert set. Called once per scheduler tick after all workers finish.
func (m *Manager) PublishSnapshot(now time.Time) {
	snap := &Snapshot{TakenAt: now}
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, a := range sh.active {
			snap.Alerts = append(snap.Alerts, *a)
		}
		sh.mu.Unlock()
	}
	m.historyMu.Lock()
	snap.Alerts = append(snap.Alerts, m.resolved...)
	m.historyMu.Unlock()

	sort.Slice(snap.Alerts, func(i, j int) bool {
		a, b := &snap.Alerts[i], &snap.Alerts[j]
		if a.Status.Active() != b.Status.Active() {
			return a.Status.Active()
		}
		if ar, br := a.Severity.Rank(), b.Severity.Rank(); ar != br {
			return ar > br
		}
		return a.LastSeen.After(b.LastSeen)
	})
	m.snapshot.Store(snap)
}

// Snapshot returns the last published read view.
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot.Load().(*Snapshot)
}

// Filter narrows ListAlerts results. Zero values match everything.
type Filter struct {
	Status   Status
	Severity schema.Severity
	SourceID string
	Limit    int
}

func (f *Filter) matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.SourceID != "" && a.Fingerprint.SourceID != f.SourceID {
		return false
	}
	return true
}

// ListAlerts returns alerts from the published snapshot, preserving its
// ordering.
func (m *Manager) ListAlerts(f Filter) []Alert {
	snap := m.Snapshot()
	out := make([]Alert, 0, len(snap.Alerts))
	for i := range snap.Alerts {
		if !f.matches(&snap.Alerts[i]) {
			continue
		}
		out = append(out, snap.Alerts[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// GetAlert returns the snapshot view of one fingerprint.
func (m *Manager) GetAlert(fp schema.Fingerprint) (Alert, bool) {
	snap := m.Snapshot()
	for i := range snap.Alerts {
		if snap.Alerts[i].Fingerprint == fp {
			return snap.Alerts[i], true
		}
	}
	return Alert{}, false
}

// Stats summarizes the published snapshot.
func (m *Manager) Stats() map[string]any {
	snap := m.Snapshot()
	byStatus := make(map[string]int)
	bySeverity := make(map[string]int)
	active := 0
	for i := range snap.Alerts {
		a := &snap.Alerts[i]
		byStatus[string(a.Status)]++
		if a.Status.Active() {
			bySeverity[string(a.Severity)]++
			active++
		}
	}
	return map[string]any{
		"total":       len(snap.Alerts),
		"active":      active,
		"by_status":   byStatus,
		"by_severity": bySeverity,
		"taken_at":    snap.TakenAt,
	}
}

// ActiveCount returns the number of live alerts without touching the
// snapshot, for metrics gauges.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.active)
		sh.mu.Unlock()
	}
	return n
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
