package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Wundero/sinkr/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames queued per connection before the peer is dropped
	sendBuffer = 256
)

// ConnConfig bounds what a single peer connection may do.
type ConnConfig struct {
	// MaxMessageSize caps inbound frame size in bytes.
	MaxMessageSize int64
	// MessagesPerSecond rate-limits inbound frames. Zero disables limiting.
	MessagesPerSecond float64
	// Burst is the rate limiter burst size.
	Burst int
}

// DefaultSinkConfig bounds subscriber connections, which only ever send
// small control frames.
func DefaultSinkConfig() ConnConfig {
	return ConnConfig{MaxMessageSize: 32 * 1024, MessagesPerSecond: 20, Burst: 40}
}

// DefaultSourceConfig bounds publisher connections, which carry payloads.
func DefaultSourceConfig() ConnConfig {
	return ConnConfig{MaxMessageSize: 1 << 20, MessagesPerSecond: 200, Burst: 400}
}

// Conn wraps a WebSocket connection with a buffered write pump. Each queued
// payload is written as its own text frame. A peer that cannot drain its
// buffer is closed rather than allowed to stall delivery to others.
type Conn struct {
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  logging.Logger

	closeOnce sync.Once
	closeCode int
	closeText string
}

// NewConn prepares a freshly upgraded connection. The caller must run
// WritePump in its own goroutine and drive reads via ReadMessage.
func NewConn(ws *websocket.Conn, cfg ConnConfig, logger logging.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	if cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)
	}

	ws.SetReadLimit(cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// Send queues a payload for delivery. Returns false when the peer is gone
// or too slow, in which case the connection is being torn down.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		c.logger.WithFields(logging.Fields{
			"buffered": len(c.send),
		}).Warn("Peer cannot keep up, dropping connection")
		c.Close(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

// Close requests connection shutdown with the given close code. The first
// call wins; later calls are no-ops.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// Done is closed once shutdown has begun.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Allow reports whether the peer is within its inbound rate limit.
func (c *Conn) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// ReadMessage reads the next frame from the peer.
func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// WritePump writes queued payloads and keepalive pings until Close is
// called or a write fails. It owns all writes to the socket.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			// Flush anything already queued before the close frame.
			for {
				select {
				case payload := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText))
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
