// Package kafka provides the Kafka sink for the audit outbox relay.
package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher produces audit payloads to a single topic, keyed by event type
// so consumers can partition retention policy by action.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher dials the brokers and returns a publisher for the topic.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish produces one record synchronously. The relay depends on the
// produce being acknowledged before it marks the outbox row relayed.
func (p *Publisher) Publish(ctx context.Context, key string, payload []byte) error {
	record := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: payload}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}
