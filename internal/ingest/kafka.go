package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"guardpost/internal/schema"
)

// KafkaConfig configures the Kafka sample consumer.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	MinBytes      int           `yaml:"min_bytes"`
	MaxBytes      int           `yaml:"max_bytes"`
	MaxWait       time.Duration `yaml:"max_wait"`
}

// Validate checks the Kafka configuration.
func (c *KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("kafka: consumer group is required")
	}
	return nil
}

// KafkaConsumer reads JSON-encoded metric samples from a Kafka topic
// and submits them through the ingest handler. Malformed or invalid
// messages are logged and skipped, never retried.
type KafkaConsumer struct {
	reader  *kafka.Reader
	handler *Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaConsumer creates a consumer over the given config.
func NewKafkaConsumer(cfg KafkaConfig, handler *Handler) (*KafkaConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	return &KafkaConsumer{reader: reader, handler: handler}, nil
}

// Start begins consuming in a background goroutine.
func (c *KafkaConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	slog.Info("kafka sample consumer started", "topic", c.reader.Config().Topic)
}

func (c *KafkaConsumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("kafka read failed", "error", err)
			continue
		}

		var sample schema.MetricSample
		if err := json.Unmarshal(msg.Value, &sample); err != nil {
			slog.Warn("skipping malformed kafka sample",
				"offset", msg.Offset,
				"partition", msg.Partition,
				"error", err)
			continue
		}
		if err := c.handler.submit(&sample, "kafka"); err != nil {
			slog.Warn("kafka sample rejected",
				"source_id", sample.SourceID,
				"metric", sample.Kind,
				"error", err)
		}
	}
}

// Stop cancels consumption and closes the reader.
func (c *KafkaConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}
