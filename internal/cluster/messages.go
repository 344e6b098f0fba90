// Package cluster is the coordination link between workers and the
// coordinator: a persistent WebSocket carrying shard registration, load
// reports, and relayed fan-out operations.
package cluster

import (
	"time"

	"github.com/Wundero/sinkr/internal/shard"
)

// MessageType discriminates coordination link messages.
type MessageType string

const (
	// TypeHello registers a worker and its shards. Worker to coordinator,
	// first message of every session.
	TypeHello MessageType = "hello"

	// TypeLoad reports one shard's connection count. Worker to coordinator.
	TypeLoad MessageType = "load"

	// TypeCreateShard instructs the worker to allocate a shard.
	// Coordinator to worker.
	TypeCreateShard MessageType = "create-shard"

	// TypeInvoke applies a fan-out op to one shard. Coordinator to worker;
	// answered with a result.
	TypeInvoke MessageType = "invoke"

	// TypeResult answers an invoke or relay, correlated by id. Both
	// directions.
	TypeResult MessageType = "result"

	// TypeRelay asks the coordinator to fan an op out across the whole
	// deployment. Worker to coordinator; answered with a result.
	TypeRelay MessageType = "relay"
)

// Message is the single envelope exchanged on the link. Only the fields of
// its type are populated.
type Message struct {
	Type MessageType `json:"type"`

	// hello
	WorkerID      string        `json:"workerId,omitempty"`
	AdvertiseAddr string        `json:"advertiseAddr,omitempty"`
	Shards        []shard.State `json:"shards,omitempty"`

	// load, create-shard, invoke
	ShardID     string `json:"shardId,omitempty"`
	Connections int    `json:"connections,omitempty"`

	// invoke, relay, result correlation
	ID string `json:"id,omitempty"`

	// invoke, relay
	Op *shard.Op `json:"op,omitempty"`

	// result
	Delivered int    `json:"delivered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Link timing. The worker pings; both sides refresh read deadlines off the
// keepalive exchange.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second

	// rpcTimeout bounds one invoke or relay round trip. A timed-out RPC
	// fails only its shard's portion of the aggregate.
	rpcTimeout = 10 * time.Second
)
