package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Wundero/sinkr/pkg/logging"
)

// Producer wraps a franz-go client for fire-and-forget event publication.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, clientID string, logger logging.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
	}, nil
}

// Produce enqueues a record asynchronously. Delivery failures are logged,
// never returned: event publication must not slow the delivery path.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.WithError(err).WithField("topic", r.Topic).Warn("Failed to produce event")
		}
	})
}

// Client returns the underlying kgo.Client for health checks
func (p *Producer) Client() *kgo.Client {
	return p.client
}

// Close flushes pending records and releases the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
