// Package shard hosts peer shards on one node: per-shard connection
// registries, the sink and source socket lifecycles, and the fan-out op
// entry point invoked by the coordinator.
package shard

import "encoding/json"

// OpKind discriminates fan-out operations.
type OpKind string

const (
	// OpBroadcast delivers to every connected sink of the app.
	OpBroadcast OpKind = "broadcast"

	// OpDeliver delivers to the named peers present on the shard.
	OpDeliver OpKind = "deliver"
)

// Op is one fan-out operation applied to a shard. The frame is a
// pre-encoded sink frame: it is identical for every recipient, crosses the
// cluster link verbatim, and lands on each socket without re-encoding.
type Op struct {
	Kind    OpKind          `json:"kind"`
	AppID   string          `json:"appId"`
	PeerIDs []string        `json:"peerIds,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}
