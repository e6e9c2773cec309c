// Package kafka publishes read-model update notifications to a Kafka
// topic. Best effort by design: produce errors are counted and logged,
// never surfaced to the dispatch path.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"

	"projector/internal/notify"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string

	// Partitions > 0 pins notifications to a partition derived from the
	// stream id, keeping per-stream notification order. 0 lets the client
	// partition by key hash.
	Partitions int

	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.Partitions < 0 {
		return errors.New("kafka.partitions must be >= 0")
	}
	return nil
}

// Publisher sends notifications via franz-go's async producer.
type Publisher struct {
	cfg    Config
	client *kgo.Client
	logger *slog.Logger

	dropped atomic.Int64

	produce func(ctx context.Context, rec *kgo.Record)
}

func NewPublisher(cfg Config, logger *slog.Logger, opts ...kgo.Opt) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Partitions > 0 {
		kopts = append(kopts, kgo.RecordPartitioner(kgo.ManualPartitioner()))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	p := &Publisher{
		cfg:    cfg,
		client: cl,
		logger: logger.With("component", "notify-kafka"),
	}
	p.produce = func(ctx context.Context, rec *kgo.Record) {
		cl.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			if err != nil {
				p.dropped.Add(1)
				p.logger.Warn("notification produce failed", "err", err)
			}
		})
	}
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, n notify.ReadModelUpdated) error {
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	rec := &kgo.Record{
		Key:   []byte(n.StreamID),
		Value: value,
		Topic: p.cfg.Topic,
	}
	if p.cfg.Partitions > 0 {
		rec.Partition = partitionForStream(n.StreamID, p.cfg.Partitions)
	}
	p.produce(ctx, rec)
	return nil
}

// Dropped is how many notifications failed to produce since startup.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// partitionForStream derives a stable partition from the stream id so all
// notifications of one stream land in order on one partition.
func partitionForStream(streamID string, partitions int) int32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(streamID))
	return int32(h.Sum64() % uint64(partitions))
}
