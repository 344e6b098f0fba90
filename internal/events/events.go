// Package events publishes operational events to the Kafka firehose.
// Publication is optional and fire-and-forget: a deployment without
// KAFKA_BROKERS runs with a nil Publisher and every emit is a no-op.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Wundero/sinkr/pkg/logging"
)

// Event is one operational event on the firehose topic.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	AppID     string         `json:"app_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types.
const (
	TypePeerConnected    = "peer.connected"
	TypePeerDisconnected = "peer.disconnected"
	TypeChannelCreated   = "channel.created"
	TypeChannelDeleted   = "channel.deleted"
	TypeMessageSent      = "message.sent"
)

// producer is the slice of pkg/kafka.Producer the publisher needs.
type producer interface {
	Produce(ctx context.Context, topic string, key, value []byte)
}

// Publisher emits events keyed by app id so per-tenant ordering survives
// partitioning. A nil *Publisher is valid and drops everything.
type Publisher struct {
	producer  producer
	topic     string
	source    string
	published *prometheus.CounterVec
	logger    logging.Logger
}

// NewPublisher wires a publisher to a producer. The published counter may be
// nil when metrics are not wanted, such as in tests.
func NewPublisher(p producer, topic, source string, published *prometheus.CounterVec, logger logging.Logger) *Publisher {
	return &Publisher{
		producer:  p,
		topic:     topic,
		source:    source,
		published: published,
		logger:    logger,
	}
}

// Publish emits one event. Marshal failures are logged and dropped; the
// delivery path never waits on the firehose.
func (p *Publisher) Publish(ctx context.Context, eventType, appID string, data map[string]any) {
	if p == nil || p.producer == nil {
		return
	}

	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    p.source,
		AppID:     appID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).WithField("event_type", eventType).Warn("Failed to marshal firehose event")
		return
	}

	p.producer.Produce(ctx, p.topic, []byte(appID), payload)
	if p.published != nil {
		p.published.WithLabelValues(eventType).Inc()
	}
}

// PeerConnected reports a peer socket opening.
func (p *Publisher) PeerConnected(ctx context.Context, appID, peerID, peerType string) {
	p.Publish(ctx, TypePeerConnected, appID, map[string]any{
		"peer_id":   peerID,
		"peer_type": peerType,
	})
}

// PeerDisconnected reports a peer socket closing.
func (p *Publisher) PeerDisconnected(ctx context.Context, appID, peerID string) {
	p.Publish(ctx, TypePeerDisconnected, appID, map[string]any{
		"peer_id": peerID,
	})
}

// ChannelCreated reports a channel upsert.
func (p *Publisher) ChannelCreated(ctx context.Context, appID, channelID, name string) {
	p.Publish(ctx, TypeChannelCreated, appID, map[string]any{
		"channel_id": channelID,
		"name":       name,
	})
}

// ChannelDeleted reports a channel removal.
func (p *Publisher) ChannelDeleted(ctx context.Context, appID, channelID string) {
	p.Publish(ctx, TypeChannelDeleted, appID, map[string]any{
		"channel_id": channelID,
	})
}

// MessageSent reports one send operation and how many sinks accepted it.
func (p *Publisher) MessageSent(ctx context.Context, appID, mode string, delivered int) {
	p.Publish(ctx, TypeMessageSent, appID, map[string]any{
		"mode":      mode,
		"delivered": delivered,
	})
}
