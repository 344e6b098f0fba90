// Package channels orchestrates channel membership, presence notifications,
// message persistence, and fan-out. The engine holds no state of its own:
// durable state lives in the store, live connections in the shard
// registries behind the Fanout port.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Wundero/sinkr/internal/events"
	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/store"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/protocol"
)

// Fanout delivers sink frames across every shard of the deployment.
// Implementations: the coordinator (local shards + attached workers) and the
// worker's cluster client (relays through the coordinator).
type Fanout interface {
	// Broadcast sends the frame to every connected sink of the app. The
	// aggregate fails when any shard invocation fails.
	Broadcast(ctx context.Context, appID string, frame protocol.SinkFrame) (int, error)

	// Deliver sends the frame to the named peers wherever they live. The
	// aggregate fails when any shard invocation fails.
	Deliver(ctx context.Context, appID string, peerIDs []string, frame protocol.SinkFrame) (int, error)

	// DeliverAny sends the frame to the named peers and succeeds when any
	// shard accepted it; shard invocation failures only fail the aggregate
	// when every shard failed.
	DeliverAny(ctx context.Context, appID string, peerIDs []string, frame protocol.SinkFrame) (int, error)
}

// Engine executes the channel state machine against the store and pushes
// notifications through the Fanout port.
type Engine struct {
	store   store.Store
	fanout  Fanout
	events  *events.Publisher
	metrics *metrics.Metrics
	logger  logging.Logger
}

// New builds an engine. The Fanout port is attached afterwards via
// SetFanout: the delivery plane is constructed around the engine.
func New(st store.Store, publisher *events.Publisher, m *metrics.Metrics, logger logging.Logger) *Engine {
	return &Engine{
		store:   st,
		events:  publisher,
		metrics: m,
		logger:  logger,
	}
}

// SetFanout attaches the delivery plane. Must be called before serving.
func (e *Engine) SetFanout(f Fanout) {
	e.fanout = f
}

// Authenticate assigns a user identity to a connected peer.
func (e *Engine) Authenticate(ctx context.Context, appID string, req *protocol.AuthenticateRequest) error {
	err := e.store.AuthenticatePeer(ctx, appID, req.PeerID, req.UserID, req.UserInfo)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.ErrPeerNotFound
	}
	if err != nil {
		return fmt.Errorf("authenticate peer: %w", err)
	}
	return nil
}

// CreateChannel upserts a channel by (app, name) and returns its id.
func (e *Engine) CreateChannel(ctx context.Context, appID string, req *protocol.ChannelCreateRequest) (string, error) {
	channelID, err := e.store.UpsertChannel(ctx, &store.Channel{
		AppID: appID,
		Name:  req.Name,
		Auth:  req.AuthMode,
		Store: req.StoreMessages,
	})
	if err != nil {
		return "", fmt.Errorf("upsert channel: %w", err)
	}

	e.events.ChannelCreated(ctx, appID, channelID, req.Name)
	return channelID, nil
}

// DeleteChannel removes a channel, cascading subscriptions and stored
// messages.
func (e *Engine) DeleteChannel(ctx context.Context, appID string, req *protocol.ChannelDeleteRequest) error {
	if _, err := e.resolveChannel(ctx, appID, req.ChannelID); err != nil {
		return err
	}
	if err := e.store.DeleteChannel(ctx, appID, req.ChannelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}

	e.events.ChannelDeleted(ctx, appID, req.ChannelID)
	return nil
}

// DeleteMessages removes the named stored messages from a channel, or all
// of them when the id list is empty.
func (e *Engine) DeleteMessages(ctx context.Context, appID string, req *protocol.ChannelMessagesDeleteRequest) error {
	if _, err := e.resolveChannel(ctx, appID, req.ChannelID); err != nil {
		return err
	}
	if _, err := e.store.DeleteStoredMessages(ctx, appID, req.ChannelID, req.MessageIDs); err != nil {
		return fmt.Errorf("delete stored messages: %w", err)
	}
	return nil
}

// Subscribe adds a peer to a channel and emits membership notifications.
// Duplicate subscriptions succeed silently.
func (e *Engine) Subscribe(ctx context.Context, appID, subscriberID, channelID string) error {
	channel, err := e.resolveChannel(ctx, appID, channelID)
	if err != nil {
		return err
	}

	peer, err := e.resolveOnePeer(ctx, appID, subscriberID)
	if err != nil {
		return err
	}

	if channel.Auth.RequiresAuthentication() && peer.AuthenticatedUserID == "" {
		return protocol.ErrPeerNotAuthenticated
	}

	inserted, others, err := e.store.InsertSubscription(ctx, appID, peer.ID, channelID)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	if !inserted {
		return nil
	}

	var storedRefs []protocol.StoredMessageRef
	if channel.Store {
		refs, err := e.store.ListStoredMessageRefs(ctx, channelID)
		if err != nil {
			e.logger.WithError(err).WithField("channel_id", channelID).Warn("Failed to list stored messages for join")
		}
		storedRefs = make([]protocol.StoredMessageRef, 0, len(refs))
		for _, ref := range refs {
			storedRefs = append(storedRefs, protocol.StoredMessageRef{ID: ref.ID, Date: ref.CreatedAt})
		}
	}

	joinFrame := protocol.NewMetadataFrame(protocol.JoinChannelEvent{
		Event:                 protocol.EventJoinChannel,
		ChannelID:             channel.ID,
		ChannelName:           channel.Name,
		ChannelAuthMode:       channel.Auth,
		ChannelStoredMessages: storedRefs,
		Members:               toProtocolMembers(others, channel.Auth),
	})
	e.notify(ctx, appID, []string{peer.ID}, joinFrame)

	if len(others) > 0 {
		memberFrame := protocol.NewMetadataFrame(protocol.MemberJoinEvent{
			Event:     protocol.EventMemberJoin,
			ChannelID: channel.ID,
			Member:    peerAsMember(peer, channel.Auth),
		})
		e.notify(ctx, appID, memberPeerIDs(others), memberFrame)
	}

	return nil
}

// Unsubscribe removes a peer from a channel and emits membership
// notifications.
func (e *Engine) Unsubscribe(ctx context.Context, appID, subscriberID, channelID string) error {
	channel, err := e.resolveChannel(ctx, appID, channelID)
	if err != nil {
		return err
	}

	peer, err := e.resolveOnePeer(ctx, appID, subscriberID)
	if err != nil {
		return err
	}

	removed, remaining, err := e.store.DeleteSubscription(ctx, appID, peer.ID, channelID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if !removed {
		return protocol.ErrPeerNotSubscribed
	}

	leaveFrame := protocol.NewMetadataFrame(protocol.LeaveChannelEvent{
		Event:     protocol.EventLeaveChannel,
		ChannelID: channel.ID,
	})
	e.notify(ctx, appID, []string{peer.ID}, leaveFrame)

	if len(remaining) > 0 {
		memberFrame := protocol.NewMetadataFrame(protocol.MemberLeaveEvent{
			Event:     protocol.EventMemberLeave,
			ChannelID: channel.ID,
			Member:    peerAsMember(peer, channel.Auth),
		})
		e.notify(ctx, appID, memberPeerIDs(remaining), memberFrame)
	}

	return nil
}

// SendChannel publishes to a channel's subscribers, persisting first when
// the channel stores messages. The stored row reuses the envelope id so
// replayed frames correlate with the original send.
func (e *Engine) SendChannel(ctx context.Context, appID, envelopeID string, req *protocol.ChannelMessagesSendRequest) error {
	channel, err := e.resolveChannel(ctx, appID, req.ChannelID)
	if err != nil {
		return err
	}

	data := protocol.MessageData{
		Event:   req.Event,
		From:    protocol.ChannelFrom(channel.ID),
		Message: req.Message,
	}

	if channel.Store {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal stored message: %w", err)
		}
		err = e.store.InsertStoredMessage(ctx, &store.StoredMessage{
			ID:        envelopeID,
			AppID:     appID,
			ChannelID: channel.ID,
			Data:      payload,
		})
		if err != nil {
			return fmt.Errorf("persist channel message: %w", err)
		}
	}

	members, err := e.store.ListMembers(ctx, channel.ID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if len(members) == 0 {
		e.events.MessageSent(ctx, appID, metrics.ModeChannel, 0)
		return nil
	}

	delivered, err := e.fanout.Deliver(ctx, appID, memberPeerIDs(members), protocol.NewMessageFrame(envelopeID, data))
	if err != nil {
		return fmt.Errorf("channel fan-out: %w", err)
	}

	e.metrics.MessagesDelivered.WithLabelValues(metrics.ModeChannel).Add(float64(delivered))
	e.events.MessageSent(ctx, appID, metrics.ModeChannel, delivered)
	return nil
}

// SendDirect delivers to one recipient, matched by peer id first and then
// by authenticated user id. Any shard accepting the frame wins; zero
// deliveries report the recipient as missing.
func (e *Engine) SendDirect(ctx context.Context, appID, envelopeID string, req *protocol.UserMessagesSendRequest) error {
	peers, err := e.store.ResolvePeers(ctx, appID, req.RecipientID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if len(peers) == 0 {
		return protocol.ErrRecipientNotFound
	}

	peerIDs := make([]string, 0, len(peers))
	for _, p := range peers {
		peerIDs = append(peerIDs, p.ID)
	}

	data := protocol.MessageData{
		Event:   req.Event,
		From:    protocol.DirectFrom(),
		Message: req.Message,
	}

	delivered, err := e.fanout.DeliverAny(ctx, appID, peerIDs, protocol.NewMessageFrame(envelopeID, data))
	if err != nil && delivered == 0 {
		return fmt.Errorf("direct delivery: %w", err)
	}
	if delivered == 0 {
		return protocol.ErrRecipientNotFound
	}

	e.metrics.MessagesDelivered.WithLabelValues(metrics.ModeDirect).Add(float64(delivered))
	e.events.MessageSent(ctx, appID, metrics.ModeDirect, delivered)
	return nil
}

// SendBroadcast delivers to every connected peer of the app on every shard.
func (e *Engine) SendBroadcast(ctx context.Context, appID, envelopeID string, req *protocol.GlobalMessagesSendRequest) error {
	data := protocol.MessageData{
		Event:   req.Event,
		From:    protocol.BroadcastFrom(),
		Message: req.Message,
	}

	delivered, err := e.fanout.Broadcast(ctx, appID, protocol.NewMessageFrame(envelopeID, data))
	if err != nil {
		return fmt.Errorf("broadcast fan-out: %w", err)
	}

	e.metrics.MessagesDelivered.WithLabelValues(metrics.ModeBroadcast).Add(float64(delivered))
	e.events.MessageSent(ctx, appID, metrics.ModeBroadcast, delivered)
	return nil
}

// Replay pushes stored messages to one sink through its own connection.
// Runs on the node hosting the sink's shard. Unsubscribed or empty requests
// are rejected here and silently ignored by the caller.
func (e *Engine) Replay(ctx context.Context, appID, peerID string, req *protocol.SinkRequest, send func(protocol.SinkFrame) bool) error {
	if req.ChannelID == "" || len(req.MessageIDs) == 0 {
		return protocol.ErrInvalidRequest
	}

	subscribed, err := e.store.IsSubscribed(ctx, appID, peerID, req.ChannelID)
	if err != nil {
		return fmt.Errorf("check subscription: %w", err)
	}
	if !subscribed {
		return protocol.ErrPeerNotSubscribed
	}

	messages, err := e.store.GetStoredMessages(ctx, appID, req.ChannelID, req.MessageIDs)
	if err != nil {
		return fmt.Errorf("load stored messages: %w", err)
	}

	replayed := 0
	for _, msg := range messages {
		var data protocol.MessageData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			e.logger.WithError(err).WithFields(logging.Fields{
				"channel_id": req.ChannelID,
				"message_id": msg.ID,
			}).Warn("Dropping undecodable stored message")
			continue
		}
		if send(protocol.NewMessageFrame(msg.ID, data)) {
			replayed++
		}
	}

	e.metrics.MessagesDelivered.WithLabelValues(metrics.ModeReplay).Add(float64(replayed))
	return nil
}

// HandleDisconnect reaps a closed peer: one transaction removes the peer
// row and enumerates the channels it sat in, then remaining members learn
// of the departure best-effort.
func (e *Engine) HandleDisconnect(ctx context.Context, appID, peerID string) error {
	peer, err := e.store.GetPeer(ctx, appID, peerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load closing peer: %w", err)
	}

	reaps, err := e.store.ReapPeer(ctx, peerID)
	if err != nil {
		return fmt.Errorf("reap peer: %w", err)
	}

	for _, reap := range reaps {
		if len(reap.Others) == 0 {
			continue
		}
		frame := protocol.NewMetadataFrame(protocol.MemberLeaveEvent{
			Event:     protocol.EventMemberLeave,
			ChannelID: reap.Channel.ID,
			Member:    peerAsMember(peer, reap.Channel.Auth),
		})
		e.notify(ctx, appID, memberPeerIDs(reap.Others), frame)
	}

	e.events.PeerDisconnected(ctx, appID, peerID)
	return nil
}

// ReapShardPeers removes every peer recorded on a dead shard, with
// notifications. Used when a worker detaches without closing its sockets.
func (e *Engine) ReapShardPeers(ctx context.Context, shardID string) {
	peers, err := e.store.ListShardPeers(ctx, shardID)
	if err != nil {
		e.logger.WithError(err).WithField("shard_id", shardID).Error("Failed to enumerate dead shard peers")
		return
	}

	for _, peer := range peers {
		if err := e.HandleDisconnect(ctx, peer.AppID, peer.ID); err != nil {
			e.logger.WithError(err).WithFields(logging.Fields{
				"peer_id":  peer.ID,
				"shard_id": shardID,
			}).Warn("Failed to reap peer from dead shard")
		}
	}
}

// notify fans a metadata frame out to the named peers. Notification
// failures never fail the operation that triggered them.
func (e *Engine) notify(ctx context.Context, appID string, peerIDs []string, frame protocol.SinkFrame) {
	if len(peerIDs) == 0 {
		return
	}
	delivered, err := e.fanout.Deliver(ctx, appID, peerIDs, frame)
	if err != nil {
		e.logger.WithError(err).WithField("app_id", appID).Warn("Membership notification fan-out failed")
	}
	e.metrics.MessagesDelivered.WithLabelValues(metrics.ModeMetadata).Add(float64(delivered))
}

// resolveChannel loads a channel scoped to the app.
func (e *Engine) resolveChannel(ctx context.Context, appID, channelID string) (*store.Channel, error) {
	channel, err := e.store.GetChannel(ctx, appID, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}
	return channel, nil
}

// resolveOnePeer picks the subscriber a subscriberId names. Exact peer id
// matches sort first, so they win over user id matches.
func (e *Engine) resolveOnePeer(ctx context.Context, appID, subscriberID string) (*store.Peer, error) {
	peers, err := e.store.ResolvePeers(ctx, appID, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer: %w", err)
	}
	if len(peers) == 0 {
		return nil, protocol.ErrPeerNotFound
	}
	return &peers[0], nil
}

// memberPeerIDs extracts delivery targets from a member list.
func memberPeerIDs(members []store.Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.PeerID)
	}
	return ids
}

// toProtocolMembers converts store members to wire members. Peers are known
// by their authenticated user id when they have one; userInfo only leaves
// the store on presence channels.
func toProtocolMembers(members []store.Member, auth protocol.AuthMode) []protocol.Member {
	out := make([]protocol.Member, 0, len(members))
	for _, m := range members {
		id := m.UserID
		if id == "" {
			id = m.PeerID
		}
		pm := protocol.Member{ID: id}
		if auth == protocol.AuthPresence {
			pm.UserInfo = m.UserInfo
		}
		out = append(out, pm)
	}
	return out
}

// peerAsMember renders a peer the way other subscribers see it.
func peerAsMember(peer *store.Peer, auth protocol.AuthMode) protocol.Member {
	id := peer.AuthenticatedUserID
	if id == "" {
		id = peer.ID
	}
	m := protocol.Member{ID: id}
	if auth == protocol.AuthPresence {
		m.UserInfo = peer.UserInfo
	}
	return m
}
