package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DispatchError reports a delivery failure on one channel. Dispatch
// failures are logged and counted, never propagated: a failing channel
// must not block the lifecycle or roll back a transition.
type DispatchError struct {
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// DispatchConfig configures delivery retries.
type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultDispatchConfig returns the stock retry policy.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// ChannelResolver maps a pattern id to the channel names it notifies.
// The rules registry satisfies this through a small adapter in wiring.
type ChannelResolver interface {
	ChannelsFor(patternID string) []string
}

// Dispatcher fans lifecycle transitions out to notification channels.
// Each delivery runs in its own goroutine with bounded exponential
// backoff; Notify itself never blocks on channel latency.
type Dispatcher struct {
	config   DispatchConfig
	resolver ChannelResolver
	channels map[string]Channel

	mu      sync.Mutex
	sent    map[string]int
	failed  map[string]int
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels. Channel
// names referenced by patterns but not registered here are skipped at
// dispatch time.
func NewDispatcher(cfg DispatchConfig, resolver ChannelResolver, channels ...Channel) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		config:   cfg,
		resolver: resolver,
		channels: make(map[string]Channel, len(channels)),
		sent:     make(map[string]int),
		failed:   make(map[string]int),
		stopCh:   make(chan struct{}),
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	return d
}

// Notify routes the transition to every channel its pattern names.
// Implements Notifier.
func (d *Dispatcher) Notify(ev TransitionEvent) {
	names := d.resolver.ChannelsFor(ev.Alert.Fingerprint.PatternID)
	for _, name := range names {
		ch, ok := d.channels[name]
		if !ok {
			continue
		}
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		d.wg.Add(1)
		d.mu.Unlock()
		go d.deliver(ch, ev)
	}
}

// deliver attempts one delivery with exponential backoff. Exhausted
// retries are logged as a DispatchError and dropped.
func (d *Dispatcher) deliver(ch Channel, ev TransitionEvent) {
	defer d.wg.Done()

	backoff := d.config.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.AttemptTimeout)
		err := ch.Send(ctx, ev)
		cancel()

		if err == nil {
			d.mu.Lock()
			d.sent[ch.Name()]++
			d.mu.Unlock()
			slog.Debug("notification delivered",
				"channel", ch.Name(),
				"alert_id", ev.Alert.ID,
				"transition", ev.Type,
				"attempts", attempt)
			return
		}
		lastErr = err

		if attempt < d.config.MaxAttempts {
			select {
			case <-d.stopCh:
				d.recordFailure(ch.Name(), ev, lastErr, attempt)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if d.config.MaxBackoff > 0 && backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}
	d.recordFailure(ch.Name(), ev, lastErr, d.config.MaxAttempts)
}

func (d *Dispatcher) recordFailure(channel string, ev TransitionEvent, err error, attempts int) {
	d.mu.Lock()
	d.failed[channel]++
	d.mu.Unlock()

	derr := &DispatchError{Channel: channel, Err: err}
	slog.Error("notification dropped",
		"error", derr,
		"alert_id", ev.Alert.ID,
		"transition", ev.Type,
		"attempts", attempts)
}

// Stats returns per-channel delivery counters.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	sent := make(map[string]int, len(d.sent))
	for k, v := range d.sent {
		sent[k] = v
	}
	failed := make(map[string]int, len(d.failed))
	for k, v := range d.failed {
		failed[k] = v
	}
	return map[string]any{
		"channels": len(d.channels),
		"sent":     sent,
		"failed":   failed,
	}
}

// Stop rejects new deliveries and waits for in-flight ones to finish
// their current attempt or abort their backoff.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}
