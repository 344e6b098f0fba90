// Package metrics defines the service's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Wundero/sinkr/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the sinkr service.
type Metrics struct {
	// Connection metrics
	Connections      *prometheus.GaugeVec
	ShardConnections *prometheus.GaugeVec

	// Delivery metrics
	SourceRequests    *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	FanoutDuration    *prometheus.HistogramVec

	// App cache metrics
	AppCacheEvents *prometheus.CounterVec

	// Cluster metrics
	ClusterMessages *prometheus.CounterVec

	// Firehose metrics
	EventsPublished *prometheus.CounterVec
}

// New registers the service metrics on the given collector.
func New(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Connections:       collector.NewGauge("connections_active", "Active WebSocket connections", []string{"type"}),
		ShardConnections:  collector.NewGauge("shard_connections", "Sink connections per shard", []string{"shard"}),
		SourceRequests:    collector.NewCounter("source_requests_total", "Source requests by route and outcome", []string{"route", "status"}),
		MessagesDelivered: collector.NewCounter("messages_delivered_total", "Frames accepted by sink send queues", []string{"mode"}),
		MessagesDropped:   collector.NewCounter("messages_dropped_total", "Frames dropped before enqueue", []string{"reason"}),
		FanoutDuration:    collector.NewHistogram("fanout_duration_seconds", "Cross-shard fan-out latency", []string{"kind"}, nil),
		AppCacheEvents:    collector.NewCounter("app_cache_events_total", "App lookup cache events", []string{"event"}),
		ClusterMessages:   collector.NewCounter("cluster_messages_total", "Coordination link messages", []string{"type", "direction"}),
		EventsPublished:   collector.NewCounter("events_published_total", "Operational events published to the firehose", []string{"event_type"}),
	}
}

// Delivery modes recorded on MessagesDelivered.
const (
	ModeBroadcast = "broadcast"
	ModeChannel   = "channel"
	ModeDirect    = "direct"
	ModeReplay    = "replay"
	ModeMetadata  = "metadata"
)
