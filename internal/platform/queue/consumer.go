// Package queue consumes records from Kafka consumer groups with franz-go
// and hands them to a Handler one at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cm/cm/internal/platform/metrics"
)

// Message is a consumed record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Handler processes one message. A returned error is retried; once retries
// are exhausted the message is logged and skipped.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxAttempts bounds handler invocations per record. Zero means 3.
	MaxAttempts int
	// Backoff is the wait before the first retry; it doubles per attempt up
	// to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Consumer polls one topic and commits offsets after each batch has been
// handled.
type Consumer struct {
	client *kgo.Client
	proc   *processor
	logger zerolog.Logger
}

func NewConsumer(cfg Config, handler Handler, logger zerolog.Logger, m *metrics.Collector) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("queue: no brokers configured")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("queue: topic and group id are required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	logger = logger.With().Str("topic", cfg.Topic).Str("group", cfg.GroupID).Logger()
	return &Consumer{
		client: client,
		proc:   newProcessor(cfg, handler, logger, m),
		logger: logger,
	}, nil
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("consumer started")
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error().Err(err).Str("fetch_topic", topic).Int32("partition", partition).Msg("fetch error")
		})

		var records []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			c.proc.process(ctx, messageFromRecord(rec))
			records = append(records, rec)
		})
		if len(records) == 0 {
			continue
		}
		if err := c.client.CommitRecords(ctx, records...); err != nil {
			c.logger.Error().Err(err).Int("records", len(records)).Msg("commit failed")
		}
	}
}

func (c *Consumer) Close() {
	c.client.Close()
}

func messageFromRecord(rec *kgo.Record) *Message {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     rec.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
}

type processor struct {
	handler     Handler
	logger      zerolog.Logger
	metrics     *metrics.Collector
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func newProcessor(cfg Config, handler Handler, logger zerolog.Logger, m *metrics.Collector) *processor {
	p := &processor{
		handler:     handler,
		logger:      logger,
		metrics:     m,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		sleep:       sleepCtx,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.backoff <= 0 {
		p.backoff = 500 * time.Millisecond
	}
	if p.maxBackoff < p.backoff {
		p.maxBackoff = 10 * p.backoff
	}
	return p
}

// process runs the handler with bounded retries and reports whether the
// message was handled.
func (p *processor) process(ctx context.Context, msg *Message) bool {
	wait := p.backoff
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = p.handler.Handle(ctx, msg); err == nil {
			p.metrics.ObserveConsumed(msg.Topic, "handled")
			return true
		}
		p.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("handler failed")

		if attempt == p.maxAttempts {
			break
		}
		if serr := p.sleep(ctx, wait); serr != nil {
			break
		}
		wait *= 2
		if wait > p.maxBackoff {
			wait = p.maxBackoff
		}
	}

	p.metrics.ObserveConsumed(msg.Topic, "skipped")
	p.logger.Error().Err(err).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("giving up on record")
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
