package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/shard"
	"github.com/Wundero/sinkr/pkg/clients"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/protocol"
)

// ErrNotAttached reports an operation attempted while the link is down.
var ErrNotAttached = errors.New("coordinator link not attached")

// Client is the worker's end of the coordination link. It keeps one socket
// to the coordinator alive, answers shard invocations against the local
// host, and relays the local engine's fan-outs to the coordinator. It is
// the worker's channels.Fanout and the host's LoadReporter.
type Client struct {
	url           string
	secret        string
	workerID      string
	advertiseAddr string
	host          *shard.Host
	metrics       *metrics.Metrics
	logger        logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan Message

	connected atomic.Bool
}

// NewClient prepares a client for one coordinator. The worker id is fresh
// per process: a restarted worker is a new worker.
func NewClient(coordinatorURL, secret, advertiseAddr string, host *shard.Host, m *metrics.Metrics, logger logging.Logger) *Client {
	return &Client{
		url:           controlURL(coordinatorURL),
		secret:        secret,
		workerID:      uuid.New().String(),
		advertiseAddr: advertiseAddr,
		host:          host,
		metrics:       m,
		logger:        logger,
		pending:       make(map[string]chan Message),
	}
}

// WorkerID returns the worker's self-assigned id.
func (c *Client) WorkerID() string { return c.workerID }

// Connected reports whether the link is currently up. Feeds the health
// checker: a detached worker is degraded, not dead.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run keeps the link alive until the context is cancelled, redialing with
// jittered exponential backoff. Each session re-announces the worker's
// current shards.
func (c *Client) Run(ctx context.Context) error {
	executor := failsafe.With(clients.NewBackoffPolicy[*websocket.Conn](clients.BackoffConfig{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: -1,
	}))

	for {
		ws, err := executor.WithContext(ctx).Get(c.dial)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dial coordinator: %w", err)
		}

		c.logger.WithFields(logging.Fields{
			"coordinator": c.url,
			"worker_id":   c.workerID,
		}).Info("Attached to coordinator")

		err = c.session(ctx, ws)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(err).Warn("Coordinator link lost, reconnecting")
	}
}

// ReportLoad sends one shard's connection count. Best-effort: a detached
// worker re-announces all counts in the next hello.
func (c *Client) ReportLoad(shardID string, connections int) {
	err := c.send(Message{Type: TypeLoad, ShardID: shardID, Connections: connections})
	if err != nil && !errors.Is(err, ErrNotAttached) {
		c.logger.WithError(err).WithField("shard_id", shardID).Warn("Failed to report shard load")
	}
}

// Broadcast relays an app-wide broadcast through the coordinator.
func (c *Client) Broadcast(ctx context.Context, appID string, frame protocol.SinkFrame) (int, error) {
	payload, err := frame.Encode()
	if err != nil {
		return 0, err
	}
	return c.relay(ctx, &shard.Op{Kind: shard.OpBroadcast, AppID: appID, Frame: payload})
}

// Deliver relays a targeted delivery through the coordinator.
func (c *Client) Deliver(ctx context.Context, appID string, peerIDs []string, frame protocol.SinkFrame) (int, error) {
	payload, err := frame.Encode()
	if err != nil {
		return 0, err
	}
	return c.relay(ctx, &shard.Op{Kind: shard.OpDeliver, AppID: appID, PeerIDs: peerIDs, Frame: payload})
}

// DeliverAny relays like Deliver. Direct sends originate on the
// coordinator, so a worker relay never needs the any-wins aggregation; the
// coordinator's own fan-out applies it where it matters.
func (c *Client) DeliverAny(ctx context.Context, appID string, peerIDs []string, frame protocol.SinkFrame) (int, error) {
	return c.Deliver(ctx, appID, peerIDs, frame)
}

func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.secret)

	ws, resp, err := websocket.DefaultDialer.Dial(c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return ws, nil
}

// session drives one connected socket: hello, then the read loop with a
// keepalive ping ticker. Returns when the socket dies.
func (c *Client) session(ctx context.Context, ws *websocket.Conn) error {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.connected.Store(true)

	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
		c.failPending()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	hello := Message{
		Type:          TypeHello,
		WorkerID:      c.workerID,
		AdvertiseAddr: c.advertiseAddr,
		Shards:        c.host.States(),
	}
	if err := c.send(hello); err != nil {
		return err
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, ws)

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("coordinator link read: %w", err)
		}
		c.metrics.ClusterMessages.WithLabelValues(string(msg.Type), "in").Inc()

		switch msg.Type {
		case TypeCreateShard:
			c.host.CreateShard(msg.ShardID)

		case TypeInvoke:
			go c.serveInvoke(msg)

		case TypeResult:
			c.resolve(msg)

		default:
			c.logger.WithField("type", msg.Type).Warn("Dropping unexpected link message")
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) serveInvoke(msg Message) {
	if msg.Op == nil {
		return
	}

	delivered, err := c.host.Apply(msg.ShardID, msg.Op)
	result := Message{Type: TypeResult, ID: msg.ID, Delivered: delivered}
	if err != nil {
		result.Error = err.Error()
	}
	if err := c.send(result); err != nil {
		c.logger.WithError(err).WithField("shard_id", msg.ShardID).Warn("Failed to answer invoke")
	}
}

// relay runs one fan-out RPC through the coordinator.
func (c *Client) relay(ctx context.Context, op *shard.Op) (int, error) {
	id := uuid.New().String()
	ch := c.register(id)
	defer c.unregister(id)

	if err := c.send(Message{Type: TypeRelay, ID: id, Op: op}); err != nil {
		return 0, err
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return msg.Delivered, errors.New(msg.Error)
		}
		return msg.Delivered, nil
	case <-time.After(rpcTimeout):
		return 0, fmt.Errorf("relay %s timed out", id)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Client) register(id string) chan Message {
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) resolve(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// failPending answers every in-flight RPC with a link failure so callers
// fail fast instead of waiting out the RPC timeout.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- Message{Type: TypeResult, ID: id, Error: ErrNotAttached.Error()}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotAttached
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("coordinator link write: %w", err)
	}
	c.metrics.ClusterMessages.WithLabelValues(string(msg.Type), "out").Inc()
	return nil
}

// controlURL normalizes a coordinator base URL to the ws control endpoint.
func controlURL(base string) string {
	url := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	}
	if !strings.HasSuffix(url, "/internal/coordination") {
		url += "/internal/coordination"
	}
	return url
}
