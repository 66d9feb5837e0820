package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"brainloop/internal/metricstore"
)

// Options configure the Kafka sample consumer.
type Options struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Recorder counts consumed samples by status. Optional.
type Recorder interface {
	ObserveIngest(status string)
}

// Consumer feeds metric samples published as JSON messages into a store:
// {"metric":"error_rate","value":0.08,"timestamp":"2026-10-17T12:00:00Z"}.
type Consumer struct {
	opts     Options
	appender metricstore.Appender
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time

	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(opts Options, appender metricstore.Appender, recorder Recorder, logger zerolog.Logger) *Consumer {
	return &Consumer{
		opts:     opts,
		appender: appender,
		recorder: recorder,
		logger:   logger.With().Str("component", "kafka_ingest").Logger(),
		now:      func() time.Time { return time.Now().UTC() },

		backoff:    500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run reads until ctx is cancelled. Malformed messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.opts.Brokers) == 0 || c.opts.Topic == "" {
		return errors.New("kafka ingest requires brokers and topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.opts.Brokers,
		Topic:    c.opts.Topic,
		GroupID:  c.opts.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	c.logger.Info().Strs("brokers", c.opts.Brokers).Str("topic", c.opts.Topic).Str("group_id", c.opts.GroupID).Msg("kafka ingest started")
	return c.consume(ctx, reader)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume loops over reader. Read errors back off, doubling up to maxBackoff,
// and the delay resets after the next successful read.
func (c *Consumer) consume(ctx context.Context, reader messageReader) error {
	delay := c.backoff
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(2*delay, c.maxBackoff)
			continue
		}
		delay = c.backoff
		if err := c.Handle(ctx, msg); err != nil {
			c.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("drop metric message")
		}
	}
}

type samplePayload struct {
	Metric    string    `json:"metric"`
	Value     *float64  `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle decodes and stores one message.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	sample, err := c.decode(msg)
	if err != nil {
		c.observe("invalid")
		return err
	}
	if err := c.appender.Append(ctx, sample); err != nil {
		c.observe("error")
		return fmt.Errorf("append sample: %w", err)
	}
	c.observe("ok")
	return nil
}

func (c *Consumer) decode(msg kafka.Message) (metricstore.Sample, error) {
	var p samplePayload
	if err := json.Unmarshal(msg.Value, &p); err != nil {
		return metricstore.Sample{}, fmt.Errorf("decode metric message: %w", err)
	}
	name := strings.TrimSpace(p.Metric)
	if name == "" && len(msg.Key) > 0 {
		name = string(msg.Key)
	}
	if name == "" {
		return metricstore.Sample{}, errors.New("metric message without metric name")
	}
	if p.Value == nil || math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0) {
		return metricstore.Sample{}, fmt.Errorf("metric %s: missing or non-finite value", name)
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = msg.Time
	}
	if ts.IsZero() {
		ts = c.now()
	}
	return metricstore.Sample{MetricName: name, Value: *p.Value, Timestamp: ts.UTC()}, nil
}

func (c *Consumer) observe(status string) {
	if c.recorder != nil {
		c.recorder.ObserveIngest(status)
	}
}
