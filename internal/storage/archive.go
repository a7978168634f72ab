package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"guardpost/internal/alerting"
)

// ArchiveConfig holds configuration for the resolved-alert archive.
type ArchiveConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultArchiveConfig returns the stock archive settings.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchInserter persists one batch of resolved alerts.
type BatchInserter interface {
	InsertBatch(ctx context.Context, alerts []alerting.Alert) error
}

// Archive buffers resolved alerts and writes them to ClickHouse in
// batches. It consumes lifecycle transitions as a Notifier and keeps
// only terminal ones. Notify never writes: it appends and nudges the
// flush worker, so insert retries against a slow or down ClickHouse
// stay off the lifecycle path entirely.
type Archive struct {
	inserter BatchInserter
	config   ArchiveConfig

	mu     sync.Mutex
	buffer []alerting.Alert
	closed bool

	// flushMu serializes writers; never held while appending.
	flushMu sync.Mutex

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewArchive creates an archive over the given inserter and starts its
// flush worker.
func NewArchive(inserter BatchInserter, cfg ArchiveConfig) *Archive {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	a := &Archive{
		inserter: inserter,
		config:   cfg,
		buffer:   make([]alerting.Alert, 0, cfg.BatchSize),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify buffers resolved alerts for archival. Implements the alerting
// Notifier contract: it only appends and returns.
func (a *Archive) Notify(ev alerting.TransitionEvent) {
	if ev.Type != alerting.EventResolved {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.buffer = append(a.buffer, ev.Alert)
	full := len(a.buffer) >= a.config.BatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
}

// run is the flush worker: it writes on the interval and whenever the
// buffer crosses the batch size.
func (a *Archive) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-a.kick:
		case <-ticker.C:
		}
		if err := a.Flush(); err != nil {
			slog.Error("archive flush failed", "error", err)
		}
	}
}

// Flush takes the current buffer and writes it with retries.
func (a *Archive) Flush() error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return nil
	}
	alerts := a.buffer
	a.buffer = make([]alerting.Alert, 0, a.config.BatchSize)
	a.mu.Unlock()

	return a.write(alerts)
}

// write inserts one taken batch, retrying with linear backoff.
func (a *Archive) write(alerts []alerting.Alert) error {
	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.config.RetryDelay * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := a.inserter.InsertBatch(ctx, alerts)
		cancel()

		if err != nil {
			lastErr = err
			slog.Warn("archive insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", a.config.MaxRetries,
				"count", len(alerts),
				"error", err)
			continue
		}

		atomic.AddUint64(&a.totalWritten, uint64(len(alerts)))
		atomic.AddUint64(&a.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&a.totalFailed, uint64(len(alerts)))
	return fmt.Errorf("archive insert failed after %d retries: %w", a.config.MaxRetries, lastErr)
}

// Close stops the flush worker and writes the remaining buffer.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	<-a.done
	return a.Flush()
}

// Metrics returns archive counters.
func (a *Archive) Metrics() ArchiveMetrics {
	a.mu.Lock()
	pending := len(a.buffer)
	a.mu.Unlock()
	return ArchiveMetrics{
		Written: atomic.LoadUint64(&a.totalWritten),
		Failed:  atomic.LoadUint64(&a.totalFailed),
		Batches: atomic.LoadUint64(&a.batchCount),
		Pending: pending,
	}
}

// ArchiveMetrics holds archive statistics.
type ArchiveMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// ClickHouseInserter writes resolved-alert batches through the native
// ClickHouse batch interface.
type ClickHouseInserter struct {
	client *ClickHouseClient
}

// NewClickHouseInserter creates an inserter over the given client.
func NewClickHouseInserter(client *ClickHouseClient) *ClickHouseInserter {
	return &ClickHouseInserter{client: client}
}

// InsertBatch implements BatchInserter.
func (i *ClickHouseInserter) InsertBatch(ctx context.Context, alerts []alerting.Alert) error {
	batch, err := i.client.PrepareBatch(ctx, `
		INSERT INTO resolved_alerts (
			alert_id, pattern_id, source_id, pattern_kind, severity,
			first_seen, last_seen, resolved_at, resolved_by,
			occurrence_count, last_value
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, a := range alerts {
		resolvedAt := a.LastSeen
		if a.ResolvedAt != nil {
			resolvedAt = *a.ResolvedAt
		}
		err := batch.Append(
			a.ID,
			a.Fingerprint.PatternID,
			a.Fingerprint.SourceID,
			string(a.PatternKind),
			string(a.Severity),
			a.FirstSeen,
			a.LastSeen,
			resolvedAt,
			a.ResolvedBy,
			uint32(a.OccurrenceCount),
			a.LastValue,
		)
		if err != nil {
			return fmt.Errorf("failed to append alert: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	slog.Debug("archived resolved alerts", "count", len(alerts))
	return nil
}
