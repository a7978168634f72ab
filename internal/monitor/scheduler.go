// Package monitor drives the periodic evaluation cycle: drain queued
// samples, run collectors, evaluate patterns, advance the alert
// lifecycle, and publish a fresh snapshot.
package monitor

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"guardpost/internal/alerting"
	"guardpost/internal/detect"
	"guardpost/internal/metrics"
	"guardpost/internal/queue"
	"guardpost/internal/schema"
)

// Collector produces samples at tick time, for sources the engine
// polls itself rather than receives pushes for.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]schema.MetricSample, error)
}

// Config configures the scheduler.
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	Workers      int           `yaml:"workers"`
	MaxPerTick   int           `yaml:"max_per_tick"`
	StateMaxIdle time.Duration `yaml:"state_max_idle"`
	SweepEvery   int           `yaml:"sweep_every"`
}

// DefaultConfig returns the stock scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		Workers:      4,
		MaxPerTick:   50000,
		StateMaxIdle: 24 * time.Hour,
		SweepEvery:   120,
	}
}

// Scheduler owns the tick loop. Within a tick, samples are partitioned
// by source hash so every fingerprint is touched by exactly one worker;
// escalation checks and the snapshot publish run after all workers
// join, so a tick observes a consistent world.
type Scheduler struct {
	config     Config
	queue      *queue.SampleQueue
	detector   *detect.Detector
	manager    *alerting.Manager
	collectors []Collector

	ticks    uint64
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler.
func New(cfg Config, q *queue.SampleQueue, d *detect.Detector, m *alerting.Manager, collectors ...Collector) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Scheduler{
		config:     cfg,
		queue:      q,
		detector:   d,
		manager:    m,
		collectors: collectors,
		done:       make(chan struct{}),
	}
}

// Start runs the tick loop until the context is cancelled or Stop is
// called. A final tick drains what ingestion already accepted before
// Start returns, so shutdown never abandons buffered samples.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		slog.Info("scheduler started",
			"interval", s.config.Interval,
			"workers", s.config.Workers,
			"collectors", len(s.collectors))

		for {
			select {
			case <-ctx.Done():
				s.RunTick(context.Background(), time.Now().UTC())
				return
			case <-s.done:
				s.RunTick(context.Background(), time.Now().UTC())
				return
			case now := <-ticker.C:
				s.RunTick(ctx, now.UTC())
			}
		}
	}()
}

// RunTick executes one full evaluation cycle at the given time.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) {
	started := time.Now()

	samples := s.queue.Drain(s.config.MaxPerTick)
	samples = append(samples, s.collect(ctx)...)

	s.evaluate(samples)

	s.manager.CheckEscalations(now)

	s.ticks++
	if s.config.SweepEvery > 0 && s.ticks%uint64(s.config.SweepEvery) == 0 {
		if removed := s.detector.Sweep(now, s.config.StateMaxIdle); removed > 0 {
			slog.Debug("swept idle pattern state", "removed", removed)
		}
	}

	s.manager.PublishSnapshot(now)

	metrics.TickDuration.Observe(time.Since(started).Seconds())
	metrics.TickSamples.Observe(float64(len(samples)))
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	metrics.ActiveAlerts.Set(float64(s.manager.ActiveCount()))
}

// collect polls every registered collector. A failing collector loses
// only its own samples for this tick.
func (s *Scheduler) collect(ctx context.Context) []schema.MetricSample {
	var out []schema.MetricSample
	for _, c := range s.collectors {
		collected, err := c.Collect(ctx)
		if err != nil {
			slog.Error("collector failed", "collector", c.Name(), "error", err)
			continue
		}
		metrics.SamplesIngested.WithLabelValues("collector").Add(float64(len(collected)))
		out = append(out, collected...)
	}
	return out
}

// evaluate partitions samples by source and runs the detector and
// lifecycle updates on worker goroutines, one partition per worker.
func (s *Scheduler) evaluate(samples []schema.MetricSample) {
	if len(samples) == 0 {
		return
	}

	partitions := make([][]schema.MetricSample, s.config.Workers)
	for _, sample := range samples {
		h := fnv.New32a()
		h.Write([]byte(sample.SourceID))
		idx := h.Sum32() % uint32(s.config.Workers)
		partitions[idx] = append(partitions[idx], sample)
	}

	var wg sync.WaitGroup
	for _, part := range partitions {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(part []schema.MetricSample) {
			defer wg.Done()
			s.evaluatePartition(part)
		}(part)
	}
	wg.Wait()
}

func (s *Scheduler) evaluatePartition(part []schema.MetricSample) {
	for i := range part {
		events, clears, err := s.detector.Evaluate(part[i])
		if err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				metrics.SamplesRejected.WithLabelValues("tick", "validation").Inc()
				slog.Debug("sample failed validation",
					"source_id", part[i].SourceID,
					"field", verr.Field,
					"reason", verr.Reason)
				continue
			}
			slog.Error("sample evaluation failed", "source_id", part[i].SourceID, "error", err)
			continue
		}
		for _, ev := range events {
			metrics.ThreatEvents.WithLabelValues(ev.Fingerprint.PatternID).Inc()
			s.manager.HandleEvent(ev)
		}
		for _, cs := range clears {
			s.manager.HandleClear(cs)
		}
	}
}

// Stop halts the tick loop after a final draining tick. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	slog.Info("scheduler stopped", "ticks", s.ticks)
}

// MetricsNotifier mirrors lifecycle transitions into the transition
// counter. Registered on the manager alongside the dispatcher.
type MetricsNotifier struct{}

func (MetricsNotifier) Notify(ev alerting.TransitionEvent) {
	metrics.Transitions.WithLabelValues(string(ev.Type)).Inc()
}
