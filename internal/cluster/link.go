package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/shard"
	"github.com/Wundero/sinkr/pkg/logging"
)

// LinkHandler receives the worker-initiated traffic of one link.
// Implemented by the coordinator.
type LinkHandler interface {
	// HandleLoad records a shard's reported connection count.
	HandleLoad(workerID, shardID string, connections int)

	// HandleRelay fans a worker-originated op out across the deployment
	// and reports total deliveries.
	HandleRelay(ctx context.Context, op *shard.Op) (int, error)
}

// Link is the coordinator's handle on one attached worker. It owns the
// socket: Run consumes inbound messages, Invoke and CreateShard write
// outbound ones.
type Link struct {
	ws      *websocket.Conn
	metrics *metrics.Metrics
	logger  logging.Logger

	workerID      string
	advertiseAddr string
	shards        []shard.State

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// Accept performs the server half of worker attachment: it reads the hello
// and returns a ready link. The socket is closed on failure.
func Accept(ws *websocket.Conn, m *metrics.Metrics, logger logging.Logger) (*Link, error) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	var hello Message
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != TypeHello || hello.WorkerID == "" {
		ws.Close()
		return nil, fmt.Errorf("expected hello, got %q", hello.Type)
	}

	m.ClusterMessages.WithLabelValues(string(TypeHello), "in").Inc()

	return &Link{
		ws:            ws,
		metrics:       m,
		logger:        logger,
		workerID:      hello.WorkerID,
		advertiseAddr: hello.AdvertiseAddr,
		shards:        hello.Shards,
		pending:       make(map[string]chan Message),
		done:          make(chan struct{}),
	}, nil
}

// WorkerID returns the worker's self-assigned id.
func (l *Link) WorkerID() string { return l.workerID }

// AdvertiseAddr returns the address sink upgrades are proxied to.
func (l *Link) AdvertiseAddr() string { return l.advertiseAddr }

// Shards returns the shards announced in the hello.
func (l *Link) Shards() []shard.State { return l.shards }

// Run consumes inbound messages until the socket dies, dispatching load
// reports and relays to the handler. Always returns a non-nil error.
func (l *Link) Run(ctx context.Context, handler LinkHandler) error {
	defer l.Close()

	for {
		var msg Message
		if err := l.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("worker link read: %w", err)
		}
		l.metrics.ClusterMessages.WithLabelValues(string(msg.Type), "in").Inc()

		switch msg.Type {
		case TypeLoad:
			handler.HandleLoad(l.workerID, msg.ShardID, msg.Connections)

		case TypeRelay:
			go l.serveRelay(ctx, handler, msg)

		case TypeResult:
			l.resolve(msg)

		default:
			l.logger.WithFields(logging.Fields{
				"worker_id": l.workerID,
				"type":      msg.Type,
			}).Warn("Dropping unexpected link message")
		}
	}
}

// Invoke applies an op to one of the worker's shards and awaits the result.
func (l *Link) Invoke(ctx context.Context, shardID string, op *shard.Op) (int, error) {
	id := uuid.New().String()
	ch := l.register(id)
	defer l.unregister(id)

	err := l.send(Message{Type: TypeInvoke, ID: id, ShardID: shardID, Op: op})
	if err != nil {
		return 0, err
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return msg.Delivered, errors.New(msg.Error)
		}
		return msg.Delivered, nil
	case <-time.After(rpcTimeout):
		return 0, fmt.Errorf("invoke on shard %s timed out", shardID)
	case <-l.done:
		return 0, fmt.Errorf("worker %s detached", l.workerID)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CreateShard instructs the worker to allocate a shard.
func (l *Link) CreateShard(shardID string) error {
	return l.send(Message{Type: TypeCreateShard, ShardID: shardID})
}

// Close tears the link down and fails every pending invoke.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.ws.Close()
	})
}

func (l *Link) serveRelay(ctx context.Context, handler LinkHandler, msg Message) {
	if msg.Op == nil {
		return
	}

	delivered, err := handler.HandleRelay(ctx, msg.Op)
	result := Message{Type: TypeResult, ID: msg.ID, Delivered: delivered}
	if err != nil {
		result.Error = err.Error()
	}
	if err := l.send(result); err != nil {
		l.logger.WithError(err).WithField("worker_id", l.workerID).Warn("Failed to answer relay")
	}
}

func (l *Link) register(id string) chan Message {
	ch := make(chan Message, 1)
	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()
	return ch
}

func (l *Link) unregister(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *Link) resolve(msg Message) {
	l.mu.Lock()
	ch, ok := l.pending[msg.ID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (l *Link) send(msg Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("worker link write: %w", err)
	}
	l.metrics.ClusterMessages.WithLabelValues(string(msg.Type), "out").Inc()
	return nil
}
