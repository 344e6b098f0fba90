package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Wundero/sinkr/internal/events"
	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/registry"
	"github.com/Wundero/sinkr/internal/store"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/protocol"
)

// SourceShardID labels source peer rows. Source sockets live on the
// coordinator outside the dispatchable shard set, so the id never appears
// in the load table.
const SourceShardID = "sources"

// cleanupTimeout bounds the store work that runs after a socket closes.
const cleanupTimeout = 10 * time.Second

// SourceExecutor executes one source envelope and returns the reply body.
// Wired on the coordinator only; workers never terminate source transports.
type SourceExecutor interface {
	Execute(ctx context.Context, appID string, env *protocol.Envelope) protocol.Response
}

// PeerEngine is the slice of the channel engine the host drives: close-reap
// on disconnect and stored-message replay for sink requests.
type PeerEngine interface {
	HandleDisconnect(ctx context.Context, appID, peerID string) error
	Replay(ctx context.Context, appID, peerID string, req *protocol.SinkRequest, send func(protocol.SinkFrame) bool) error
}

// LoadReporter learns the shard's connection count after every open and
// close. The coordinator writes its load table directly; workers relay the
// count over the control link.
type LoadReporter interface {
	ReportLoad(shardID string, connections int)
}

// State is one shard's identity and current load.
type State struct {
	ID          string `json:"id"`
	Connections int    `json:"connections"`
}

type hostedShard struct {
	id       string
	registry *registry.Registry
}

// Host owns the shards of one node. Every method is safe for concurrent
// use; socket serving methods block for the connection's lifetime.
type Host struct {
	store   store.Store
	events  *events.Publisher
	metrics *metrics.Metrics
	logger  logging.Logger

	mu      sync.RWMutex
	shards  map[string]*hostedShard
	sources *registry.Registry

	engine   PeerEngine
	executor SourceExecutor
	reporter LoadReporter
}

// NewHost builds an empty host. The engine (and, on the coordinator, the
// executor) attach afterwards: they are constructed around the delivery
// plane this host is part of.
func NewHost(st store.Store, publisher *events.Publisher, m *metrics.Metrics, logger logging.Logger) *Host {
	return &Host{
		store:   st,
		events:  publisher,
		metrics: m,
		logger:  logger,
		shards:  make(map[string]*hostedShard),
		sources: registry.New(),
	}
}

// SetEngine attaches the channel engine. Must be called before serving.
func (h *Host) SetEngine(engine PeerEngine) { h.engine = engine }

// SetExecutor attaches the source request executor.
func (h *Host) SetExecutor(executor SourceExecutor) { h.executor = executor }

// SetReporter attaches the load reporter.
func (h *Host) SetReporter(reporter LoadReporter) { h.reporter = reporter }

// CreateShard allocates a shard. Idempotent: recreating an existing shard
// keeps its registry.
func (h *Host) CreateShard(shardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.shards[shardID]; ok {
		return
	}
	h.shards[shardID] = &hostedShard{id: shardID, registry: registry.New()}
	h.logger.WithField("shard_id", shardID).Info("Shard created")
}

// HasShard reports whether the shard lives on this host.
func (h *Host) HasShard(shardID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.shards[shardID]
	return ok
}

// States snapshots every hosted shard with its live connection count,
// ordered by id. Sent in the worker's hello.
func (h *Host) States() []State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	states := make([]State, 0, len(h.shards))
	for _, s := range h.shards {
		states = append(states, State{ID: s.id, Connections: s.registry.Len()})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// Apply executes a fan-out op against one shard's registry and reports how
// many sinks accepted the frame.
func (h *Host) Apply(shardID string, op *Op) (int, error) {
	h.mu.RLock()
	s, ok := h.shards[shardID]
	h.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown shard %s", shardID)
	}

	switch op.Kind {
	case OpBroadcast:
		return s.registry.BroadcastApp(op.AppID, op.Frame), nil
	case OpDeliver:
		return s.registry.SendToMany(op.PeerIDs, op.Frame), nil
	default:
		return 0, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// ServeSink runs a subscriber socket on a shard until it closes: peer row,
// registry entry, init frame, then the read loop. Blocks for the lifetime
// of the connection.
func (h *Host) ServeSink(ctx context.Context, shardID, appID string, ws *websocket.Conn) {
	if appID == "" {
		closeAndDiscard(ws, protocol.CloseInvalidApplication, protocol.ReasonInvalidApplication)
		return
	}

	// The coordinator announces shards over the control link before
	// proxying, but the first proxied upgrade can race the announcement.
	h.ensureShard(shardID)

	peerID := uuid.New().String()
	err := h.store.InsertPeer(ctx, &store.Peer{
		ID:      peerID,
		AppID:   appID,
		Type:    store.PeerTypeSink,
		ShardID: shardID,
	})
	if err != nil {
		h.logger.WithError(err).WithField("app_id", appID).Error("Failed to insert sink peer")
		closeAndDiscard(ws, protocol.CloseInvalidApplication, protocol.ReasonSocketFailed)
		return
	}

	conn := registry.NewConn(ws, registry.DefaultSinkConfig(), h.logger)
	go conn.WritePump()

	h.addSink(shardID, appID, peerID, conn)
	defer h.removeSink(shardID, appID, peerID)

	h.events.PeerConnected(ctx, appID, peerID, string(store.PeerTypeSink))

	if !h.sendFrame(conn, protocol.NewMetadataFrame(protocol.NewInitEvent(peerID))) {
		return
	}

	h.sinkReadLoop(ctx, appID, peerID, conn)
}

// ServeSource runs a publisher socket until it closes. Each envelope is
// executed in its own goroutine, so replies may overtake slow requests;
// the send queue serializes the actual socket writes.
func (h *Host) ServeSource(ctx context.Context, appID string, ws *websocket.Conn) {
	peerID := uuid.New().String()
	err := h.store.InsertPeer(ctx, &store.Peer{
		ID:      peerID,
		AppID:   appID,
		Type:    store.PeerTypeSource,
		ShardID: SourceShardID,
	})
	if err != nil {
		h.logger.WithError(err).WithField("app_id", appID).Error("Failed to insert source peer")
		closeAndDiscard(ws, protocol.CloseInvalidApplication, protocol.ReasonSocketFailed)
		return
	}

	conn := registry.NewConn(ws, registry.DefaultSourceConfig(), h.logger)
	go conn.WritePump()

	h.sources.Add(appID, peerID, conn)
	h.metrics.Connections.WithLabelValues(string(store.PeerTypeSource)).Inc()
	defer func() {
		conn.Close(websocket.CloseNormalClosure, "")
		h.sources.Remove(peerID)
		h.metrics.Connections.WithLabelValues(string(store.PeerTypeSource)).Dec()
		h.reapPeer(appID, peerID)
	}()

	h.events.PeerConnected(ctx, appID, peerID, string(store.PeerTypeSource))

	if !h.sendFrame(conn, protocol.NewMetadataFrame(protocol.NewInitEvent(peerID))) {
		return
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !conn.Allow() {
			h.logger.WithField("peer_id", peerID).Debug("Source exceeded inbound rate, dropping frame")
			continue
		}

		var env protocol.Envelope
		if jsonErr := json.Unmarshal(payload, &env); jsonErr != nil || env.Validate() != nil {
			h.sendReply(conn, protocol.Reply{
				ID:       env.ID,
				Route:    env.Data.Route,
				Response: protocol.Fail(protocol.ErrInvalidRequest),
			})
			continue
		}

		inflight.Add(1)
		go func(env protocol.Envelope) {
			defer inflight.Done()
			resp := h.executor.Execute(ctx, appID, &env)
			h.sendReply(conn, protocol.Reply{ID: env.ID, Route: env.Data.Route, Response: resp})
		}(env)
	}
}

// Drain closes every connection on the host. Used at shutdown; peers
// reconnect against the next deployment.
func (h *Host) Drain() {
	h.mu.RLock()
	shards := make([]*hostedShard, 0, len(h.shards))
	for _, s := range h.shards {
		shards = append(shards, s)
	}
	sources := h.sources
	h.mu.RUnlock()

	for _, s := range shards {
		s.registry.CloseAll(websocket.CloseGoingAway, "server draining")
	}
	sources.CloseAll(websocket.CloseGoingAway, "server draining")
}

// sinkReadLoop consumes inbound sink frames: keepalive pings, replay
// requests, and nothing else. Invalid frames are dropped, never answered.
func (h *Host) sinkReadLoop(ctx context.Context, appID, peerID string, conn *registry.Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !conn.Allow() {
			h.logger.WithField("peer_id", peerID).Debug("Sink exceeded inbound rate, dropping frame")
			continue
		}

		if string(payload) == protocol.PingMessage {
			conn.Send([]byte(protocol.PongMessage))
			continue
		}

		var req protocol.SinkRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.Event != protocol.EventRequestStoredMessages {
			continue
		}

		err = h.engine.Replay(ctx, appID, peerID, &req, func(frame protocol.SinkFrame) bool {
			return h.sendFrame(conn, frame)
		})
		if err != nil {
			h.logger.WithError(err).WithFields(logging.Fields{
				"peer_id":    peerID,
				"channel_id": req.ChannelID,
			}).Debug("Ignoring sink replay request")
		}
	}
}

func (h *Host) ensureShard(shardID string) {
	h.mu.RLock()
	_, ok := h.shards[shardID]
	h.mu.RUnlock()
	if !ok {
		h.CreateShard(shardID)
	}
}

func (h *Host) addSink(shardID, appID, peerID string, conn *registry.Conn) {
	h.mu.RLock()
	s := h.shards[shardID]
	h.mu.RUnlock()

	s.registry.Add(appID, peerID, conn)
	h.metrics.Connections.WithLabelValues(string(store.PeerTypeSink)).Inc()
	h.reportLoad(shardID, s.registry.Len())
}

func (h *Host) removeSink(shardID, appID, peerID string) {
	h.mu.RLock()
	s := h.shards[shardID]
	h.mu.RUnlock()

	if entry := s.registry.Remove(peerID); entry != nil {
		entry.Conn.Close(websocket.CloseNormalClosure, "")
	}
	h.metrics.Connections.WithLabelValues(string(store.PeerTypeSink)).Dec()
	h.reportLoad(shardID, s.registry.Len())
	h.reapPeer(appID, peerID)
}

// reapPeer converges membership after a socket closes. Runs on its own
// deadline: the request context died with the connection.
func (h *Host) reapPeer(appID, peerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := h.engine.HandleDisconnect(ctx, appID, peerID); err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"app_id":  appID,
			"peer_id": peerID,
		}).Warn("Failed to reap closed peer")
	}
}

func (h *Host) reportLoad(shardID string, connections int) {
	h.metrics.ShardConnections.WithLabelValues(shardID).Set(float64(connections))
	if h.reporter != nil {
		h.reporter.ReportLoad(shardID, connections)
	}
}

func (h *Host) sendFrame(conn *registry.Conn, frame protocol.SinkFrame) bool {
	payload, err := frame.Encode()
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode sink frame")
		h.metrics.MessagesDropped.WithLabelValues("encode").Inc()
		return false
	}
	if !conn.Send(payload) {
		h.metrics.MessagesDropped.WithLabelValues("backpressure").Inc()
		return false
	}
	return true
}

func (h *Host) sendReply(conn *registry.Conn, reply protocol.Reply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode source reply")
		h.metrics.MessagesDropped.WithLabelValues("encode").Inc()
		return
	}
	if !conn.Send(payload) {
		h.metrics.MessagesDropped.WithLabelValues("backpressure").Inc()
	}
}

// closeAndDiscard writes a close frame on a socket that never joined a
// registry and drops it.
func closeAndDiscard(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
