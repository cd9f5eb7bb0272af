// Package events publishes internal state changes to the message bus for
// downstream consumers (analytics, audit).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const (
	TopicSessionState      = "payment.state.changed"
	TopicSubscriptionState = "subscription.state.changed"
	SubjectFraudDecision   = "fraud.decision"
)

// Publisher sends a keyed JSON message to a topic or subject.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const kafkaBatchTimeout = 10 * time.Millisecond

// KafkaPublisher writes to Kafka; the writer is created without a fixed
// topic so each message names its own.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{writer: newKafkaWriter(brokers)}
}

// newKafkaWriter queues messages and flushes them in the background, so
// Publish never waits on the broker. Delivery failures are logged.
func newKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		Async:                  true,
		BatchTimeout:           kafkaBatchTimeout,
		Completion:             logCompletion,
	}
}

func logCompletion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range messages {
		telemetry.Logger.Warn("Kafka delivery failed",
			zap.String("topic", m.Topic),
			zap.String("key", string(m.Key)),
			zap.Error(err),
		)
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

type NatsPublisher struct {
	conn natsConn
}

func NewNatsPublisher(url string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("checkout-simulator"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsPublisher{conn: nc}, nil
}

// Publish ignores key; NATS subjects carry no partition key.
func (p *NatsPublisher) Publish(_ context.Context, subject, _ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}
	return p.conn.Publish(subject, data)
}

func (p *NatsPublisher) Close() error {
	p.conn.Close()
	return nil
}

type Noop struct{}

func (Noop) Publish(context.Context, string, string, any) error { return nil }
func (Noop) Close() error                                       { return nil }

// Router sends each topic to the publisher registered for it and falls back
// to a default for the rest.
type Router struct {
	routes   map[string]Publisher
	fallback Publisher
}

func NewRouter(fallback Publisher) *Router {
	if fallback == nil {
		fallback = Noop{}
	}
	return &Router{routes: make(map[string]Publisher), fallback: fallback}
}

func (r *Router) Route(topic string, p Publisher) *Router {
	if p != nil {
		r.routes[topic] = p
	}
	return r
}

func (r *Router) Publish(ctx context.Context, topic, key string, payload any) error {
	if p, ok := r.routes[topic]; ok {
		return p.Publish(ctx, topic, key, payload)
	}
	return r.fallback.Publish(ctx, topic, key, payload)
}

func (r *Router) Close() error {
	seen := map[Publisher]struct{}{}
	var err error
	for _, p := range append(r.publishers(), r.fallback) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		err = multierr.Append(err, p.Close())
	}
	return err
}

func (r *Router) publishers() []Publisher {
	out := make([]Publisher, 0, len(r.routes))
	for _, p := range r.routes {
		out = append(out, p)
	}
	return out
}

// PublishBestEffort logs instead of failing; bus outages must not roll back
// committed state.
func PublishBestEffort(ctx context.Context, p Publisher, topic, key string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, topic, key, payload); err != nil {
		telemetry.Logger.Warn("Event publish failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
