// Package detect evaluates metric samples against the threat pattern
// registry and emits threat events and clear signals.
package detect

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"guardpost/internal/rules"
	"guardpost/internal/schema"
)

const stateShards = 16

// levelState tracks one level pattern for one source. breached is a
// hysteresis latch: it is set on the first sample at or above the
// threshold and gates clear signals so a source that never breached
// produces none.
type levelState struct {
	breached  bool
	lastValue float64
	lastSeen  time.Time
}

// windowState tracks one windowed pattern for one source. times holds
// the timestamps of qualifying samples still inside the window,
// ordered oldest first. highWater is the newest timestamp observed and
// anchors the window so late samples cannot resurrect expired entries.
// fired latches after a fire and gates clear signals; clears counts
// those emitted since the last fire, so the latch drops once the
// pattern's resolve streak is served instead of clearing forever.
type windowState struct {
	times     []time.Time
	highWater time.Time
	fired     bool
	clears    int
	lastSeen  time.Time
}

type shard struct {
	mu      sync.Mutex
	levels  map[string]*levelState
	windows map[string]*windowState
}

// Detector is the stateless-in, stateful-out evaluation core. Pattern
// state is sharded by source so the scheduler's per-source partitioning
// never contends on a shard from two workers at once.
type Detector struct {
	registry  atomic.Pointer[rules.Registry]
	validator *schema.Validator
	shards    [stateShards]*shard
}

// New builds a detector over the given registry.
func New(reg *rules.Registry) *Detector {
	d := &Detector{validator: schema.NewValidator()}
	d.registry.Store(reg)
	for i := range d.shards {
		d.shards[i] = &shard{
			levels:  make(map[string]*levelState),
			windows: make(map[string]*windowState),
		}
	}
	return d
}

// SetRegistry swaps in a new pattern registry. In-flight evaluations
// finish against the snapshot they started with.
func (d *Detector) SetRegistry(reg *rules.Registry) {
	d.registry.Store(reg)
}

// Registry returns the current pattern registry snapshot.
func (d *Detector) Registry() *rules.Registry {
	return d.registry.Load()
}

func (d *Detector) shardFor(sourceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sourceID))
	return d.shards[h.Sum32()%stateShards]
}

// Evaluate runs one sample through every pattern registered for its
// metric kind. A sample that fails validation is rejected whole; a valid
// sample for a metric no pattern watches is a silent no-op. Events and
// clears for distinct patterns may be emitted from the same sample.
func (d *Detector) Evaluate(sample schema.MetricSample) ([]schema.ThreatEvent, []schema.ClearSignal, error) {
	if err := d.validator.Validate(&sample); err != nil {
		return nil, nil, err
	}

	patterns := d.registry.Load().ForMetric(sample.Kind)
	if len(patterns) == 0 {
		return nil, nil, nil
	}

	sh := d.shardFor(sample.SourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var events []schema.ThreatEvent
	var clears []schema.ClearSignal
	for _, p := range patterns {
		fp := schema.Fingerprint{PatternID: p.ID, SourceID: sample.SourceID}
		if p.Kind.Windowed() {
			if ev, clear, ok := sh.evalWindow(p, fp, sample); ok {
				if clear != nil {
					clears = append(clears, *clear)
				} else {
					events = append(events, ev)
				}
			}
			continue
		}
		if ev, clear, ok := sh.evalLevel(p, fp, sample); ok {
			if clear != nil {
				clears = append(clears, *clear)
			} else {
				events = append(events, ev)
			}
		}
	}
	return events, clears, nil
}

func (s *shard) evalLevel(p *rules.Pattern, fp schema.Fingerprint, sample schema.MetricSample) (schema.ThreatEvent, *schema.ClearSignal, bool) {
	key := fp.String()
	st := s.levels[key]
	if st == nil {
		st = &levelState{}
		s.levels[key] = st
	}
	st.lastValue = sample.Value
	if sample.Timestamp.After(st.lastSeen) {
		st.lastSeen = sample.Timestamp
	}

	switch {
	case sample.Value >= p.Threshold:
		st.breached = true
		return schema.ThreatEvent{
			Fingerprint:   fp,
			Severity:      p.Severity,
			ObservedValue: sample.Value,
			Timestamp:     sample.Timestamp,
			Contributing:  1,
		}, nil, true
	case st.breached && sample.Value < p.ClearBelow():
		return schema.ThreatEvent{}, &schema.ClearSignal{
			Fingerprint:   fp,
			ObservedValue: sample.Value,
			Timestamp:     sample.Timestamp,
		}, true
	}
	// Inside the hysteresis band: neither a breach nor a clear.
	return schema.ThreatEvent{}, nil, false
}

func (s *shard) evalWindow(p *rules.Pattern, fp schema.Fingerprint, sample schema.MetricSample) (schema.ThreatEvent, *schema.ClearSignal, bool) {
	key := fp.String()
	st := s.windows[key]
	if st == nil {
		st = &windowState{}
		s.windows[key] = st
	}
	if sample.Timestamp.After(st.lastSeen) {
		st.lastSeen = sample.Timestamp
	}
	if sample.Timestamp.After(st.highWater) {
		st.highWater = sample.Timestamp
	}

	cutoff := st.highWater.Add(-p.Window)
	if sample.Value >= p.QualifyValue() && sample.Timestamp.After(cutoff) {
		st.times = insertOrdered(st.times, sample.Timestamp)
	}
	st.times = pruneBefore(st.times, cutoff)

	if len(st.times) >= int(p.Threshold) {
		st.fired = true
		st.clears = 0
		return schema.ThreatEvent{
			Fingerprint:   fp,
			Severity:      p.Severity,
			ObservedValue: sample.Value,
			Timestamp:     sample.Timestamp,
			Contributing:  len(st.times),
		}, nil, true
	}
	if st.fired {
		st.clears++
		streak := 1
		if p.AutoResolve && p.ResolveStreak > 0 {
			streak = p.ResolveStreak
		}
		if st.clears >= streak || len(st.times) == 0 {
			st.fired = false
			st.clears = 0
		}
		return schema.ThreatEvent{}, &schema.ClearSignal{
			Fingerprint:   fp,
			ObservedValue: sample.Value,
			Timestamp:     sample.Timestamp,
		}, true
	}
	return schema.ThreatEvent{}, nil, false
}

// insertOrdered keeps timestamps sorted oldest first so pruning is a
// prefix cut. Out-of-order arrivals within the window are rare, so the
// scan from the tail is effectively O(1).
func insertOrdered(times []time.Time, t time.Time) []time.Time {
	i := len(times)
	for i > 0 && times[i-1].After(t) {
		i--
	}
	times = append(times, time.Time{})
	copy(times[i+1:], times[i:])
	times[i] = t
	return times
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

// Sweep drops pattern state for sources that have been silent longer
// than maxIdle, bounding memory on churning source populations. It is
// called periodically by the scheduler, never during a worker pass.
func (d *Detector) Sweep(now time.Time, maxIdle time.Duration) int {
	horizon := now.Add(-maxIdle)
	removed := 0
	for _, sh := range d.shards {
		sh.mu.Lock()
		for key, st := range sh.levels {
			if st.lastSeen.Before(horizon) {
				delete(sh.levels, key)
				removed++
			}
		}
		for key, st := range sh.windows {
			if st.lastSeen.Before(horizon) {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StateCount returns the number of tracked pattern states, for stats
// reporting.
func (d *Detector) StateCount() int {
	n := 0
	for _, sh := range d.shards {
		sh.mu.Lock()
		n += len(sh.levels) + len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}
