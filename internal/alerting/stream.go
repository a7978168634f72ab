package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broadcaster fans lifecycle transitions out to in-process subscribers,
// the dashboard's live-update feed. Delivery is best effort: a
// subscriber that stops draining its channel loses updates rather than
// stalling the lifecycle. Implements Notifier.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan TransitionEvent
	nextID  int
	dropped uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan TransitionEvent)}
}

// Subscribe registers a subscriber with the given buffer and returns
// its channel plus a cancel function. Cancel closes the channel; the
// subscriber must stop receiving after calling it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan TransitionEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan TransitionEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Notify delivers the transition to every subscriber without blocking.
func (b *Broadcaster) Notify(ev TransitionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns the number of updates lost to full subscriber
// buffers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// RedisPublisher mirrors lifecycle transitions to a Redis pub/sub
// channel so dashboards on other hosts can follow the live feed.
// Publish failures are logged and dropped. Implements Notifier.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(addr, password string, db int, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("redis publisher connected", "addr", addr, "channel", channel)
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Notify(ev TransitionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal transition for redis", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		slog.Error("redis publish failed",
			"channel", p.channel,
			"alert_id", ev.Alert.ID,
			"error", err)
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
