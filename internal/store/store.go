// Package store is the durable side of the service: apps, peers, channels,
// subscriptions, stored messages, and shard load accounting. Two
// implementations exist, Postgres for deployments and an in-memory store
// for local development and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Wundero/sinkr/pkg/protocol"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

// PeerType distinguishes publishers from subscribers.
type PeerType string

const (
	PeerTypeSource PeerType = "source"
	PeerTypeSink   PeerType = "sink"
)

// App is a tenant record, owned by the external tenant registry.
type App struct {
	ID        string
	Name      string
	SecretKey string
	Enabled   bool
}

// Peer is one live connection. A row exists iff the socket is live on
// some shard.
type Peer struct {
	ID                  string
	AppID               string
	Type                PeerType
	AuthenticatedUserID string
	UserInfo            json.RawMessage
	ShardID             string
}

// Channel is a named pub/sub target scoped to one app.
type Channel struct {
	ID    string
	AppID string
	Name  string
	Auth  protocol.AuthMode
	Store bool
}

// Member is a subscribed peer as seen by other channel members.
type Member struct {
	PeerID   string
	UserID   string
	UserInfo json.RawMessage
}

// StoredMessage is a persisted channel payload. The id is assigned by the
// source and doubles as the replay correlation id.
type StoredMessage struct {
	ID        string
	AppID     string
	ChannelID string
	CreatedAt time.Time
	Data      json.RawMessage
}

// StoredMessageRef is the id+timestamp listing sent in join-channel frames.
type StoredMessageRef struct {
	ID        string
	CreatedAt time.Time
}

// ChannelReap describes one channel affected by a peer removal: the
// channel and the members still subscribed after the removal.
type ChannelReap struct {
	Channel Channel
	Others  []Member
}

// ShardHandler is one row of the coordinator's load table.
type ShardHandler struct {
	ID              string
	ConnectionCount int
	WorkerID        string
	AdvertiseAddr   string
}

// Store is the transactional interface shared by every shard and the
// coordinator.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Apps. Read-only: rows are maintained by the tenant registry.
	GetApp(ctx context.Context, appID string) (*App, error)

	// Peers.
	InsertPeer(ctx context.Context, peer *Peer) error
	GetPeer(ctx context.Context, appID, peerID string) (*Peer, error)
	AuthenticatePeer(ctx context.Context, appID, peerID, userID string, userInfo json.RawMessage) error
	// ResolvePeers matches subscriberId/recipientId against peer ids
	// first, then authenticated user ids.
	ResolvePeers(ctx context.Context, appID, subscriberID string) ([]Peer, error)
	// ReapPeer removes the peer row (cascading its subscriptions) and
	// reports, per affected channel, the members that remain.
	ReapPeer(ctx context.Context, peerID string) ([]ChannelReap, error)
	// ListShardPeers returns the peers recorded on a shard, for crash
	// cleanup when a worker detaches without closing its sockets.
	ListShardPeers(ctx context.Context, shardID string) ([]Peer, error)
	// DeleteAllPeers clears peer state at coordinator boot. Rows from a
	// previous deployment describe sockets that no longer exist.
	DeleteAllPeers(ctx context.Context) error

	// Channels.
	UpsertChannel(ctx context.Context, channel *Channel) (string, error)
	GetChannel(ctx context.Context, appID, channelID string) (*Channel, error)
	DeleteChannel(ctx context.Context, appID, channelID string) error

	// Subscriptions. Insert and delete report the other members as of the
	// same transaction, so membership notifications describe exactly the
	// set that existed at the commit point.
	InsertSubscription(ctx context.Context, appID, peerID, channelID string) (bool, []Member, error)
	DeleteSubscription(ctx context.Context, appID, peerID, channelID string) (bool, []Member, error)
	IsSubscribed(ctx context.Context, appID, peerID, channelID string) (bool, error)
	ListMembers(ctx context.Context, channelID string) ([]Member, error)

	// Stored messages.
	InsertStoredMessage(ctx context.Context, msg *StoredMessage) error
	ListStoredMessageRefs(ctx context.Context, channelID string) ([]StoredMessageRef, error)
	GetStoredMessages(ctx context.Context, appID, channelID string, ids []string) ([]StoredMessage, error)
	DeleteStoredMessages(ctx context.Context, appID, channelID string, ids []string) (int64, error)

	// Shard handlers.
	UpsertShardHandler(ctx context.Context, handler *ShardHandler) error
	UpdateShardLoad(ctx context.Context, shardID string, connections int) error
	DeleteShardHandler(ctx context.Context, shardID string) error
	ResetShardHandlers(ctx context.Context) error
}
