// Package redpanda provides Redpanda/Kafka queue integration.
//
// It publishes completed turn events for analytics consumers. Delivery is
// at-least-once; the event stream is advisory and never blocks a turn.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// TopicTurns is the Kafka topic for completed turn events.
const TopicTurns = "chat-turns"

// Producer wraps a Kafka producer and implements domain.TurnEventQueue.
type Producer struct {
	client *kgo.Client
}

// NewProducer constructs a Producer against the given seed brokers.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	slog.Info("redpanda producer created", slog.Any("brokers", brokers))
	return &Producer{client: client}, nil
}

// PublishTurn publishes one turn event, keyed by session for per-session
// ordering.
func (p *Producer) PublishTurn(ctx context.Context, ev domain.TurnEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.PublishTurn: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicTurns,
		Key:   []byte(ev.SessionID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "turn_id", Value: []byte(ev.TurnID)},
			{Key: "role", Value: []byte(ev.Role)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.PublishTurn: produce: %w", err)
	}
	slog.Debug("turn event published",
		slog.String("turn_id", ev.TurnID),
		slog.String("topic", TopicTurns))
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
