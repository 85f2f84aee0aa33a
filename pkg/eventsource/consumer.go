// Package eventsource consumes trigger events from kafka with at-least-once
// semantics: an offset is committed only after its handler returns nil.
package eventsource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"partners-controlplane/pkg/config"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var consumed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "eventsource_messages_total",
	Help: "Messages read from the event stream, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(consumed)
}

const (
	pollTimeoutMs = 500
	maxBackoff    = 30 * time.Second
)

type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Position identifies the message within the stream.
func (m Message) Position() string {
	return fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
}

// Handler processes one message. A returned error causes redelivery.
type Handler func(ctx context.Context, msg Message) error

type client interface {
	Poll(timeoutMs int) kafka.Event
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

type Consumer struct {
	client client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewConsumer(cfg *config.Config, logger *zap.Logger) (*Consumer, error) {
	if cfg.Kafka.Addrs == "" {
		return nil, errors.New("eventsource: KAFKA.ADDR is required")
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Kafka.Addrs,
		"group.id":           cfg.Kafka.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics(strings.Split(cfg.Kafka.Topic, ","), nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Kafka.Topic, err)
	}

	return newConsumer(c, logger), nil
}

func newConsumer(c client, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{client: c, logger: logger.Named("eventsource"), sleep: sleepCtx}
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

// Run polls until ctx is canceled. Messages are handled one at a time; a
// failing message is retried with backoff and blocks its successors.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		switch e := c.client.Poll(pollTimeoutMs).(type) {
		case nil:
		case *kafka.Message:
			if err := c.handle(ctx, h, e); err != nil {
				return nil
			}
		case kafka.Error:
			c.logger.Warn("kafka error", zap.String("code", e.Code().String()), zap.Error(e))
			if e.IsFatal() {
				return e
			}
		default:
			c.logger.Debug("ignoring kafka event", zap.String("event", e.String()))
		}
	}
}

// handle retries h until it succeeds or ctx ends, then commits.
func (c *Consumer) handle(ctx context.Context, h Handler, km *kafka.Message) error {
	msg := Message{
		Partition: km.TopicPartition.Partition,
		Offset:    int64(km.TopicPartition.Offset),
		Key:       km.Key,
		Value:     km.Value,
	}
	if km.TopicPartition.Topic != nil {
		msg.Topic = *km.TopicPartition.Topic
	}

	backoff := time.Second
	for {
		err := h(ctx, msg)
		if err == nil {
			break
		}
		consumed.WithLabelValues("retry").Inc()
		c.logger.Warn("event handler failed, retrying",
			zap.String("position", msg.Position()), zap.Duration("backoff", backoff), zap.Error(err))
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, maxBackoff)
	}

	if _, err := c.client.CommitMessage(km); err != nil {
		c.logger.Warn("failed to commit offset", zap.String("position", msg.Position()), zap.Error(err))
	}
	consumed.WithLabelValues("handled").Inc()
	return nil
}

func (c *Consumer) Close() error {
	return c.client.Close()
}

var Module = fx.Module("eventsource",
	fx.Provide(NewConsumer),
	fx.Invoke(run),
)

type runParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Consumer  *Consumer
	Handler   Handler
}

func run(p runParams) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.Consumer.Run(ctx, p.Handler); err != nil {
					zap.L().Error("[Kafka] consumer stopped", zap.Error(err))
				}
			}()
			zap.L().Info("[Kafka] consumer started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return p.Consumer.Close()
		},
	})
}
