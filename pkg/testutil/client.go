// Package testutil provides a dialing WebSocket client for exercising
// peer endpoints in tests.
package testutil

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Client wraps one peer socket. Every read carries a deadline so a stuck
// test fails instead of hanging.
//
// A timed-out read poisons the underlying connection: gorilla read errors
// are permanent. Treat Silent as the last read on a socket.
type Client struct {
	conn *websocket.Conn
}

// Dial opens a socket against a peer endpoint.
func Dial(rawURL string, header http.Header) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	if resp != nil && resp.Body != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// ReadText reads one text frame, waiting at most timeout.
func (c *Client) ReadText(timeout time.Duration) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

// WriteText writes one text frame.
func (c *Client) WriteText(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Silent reports whether the socket stays quiet for the window. The frame
// that broke the silence is returned for the failure message.
func (c *Client) Silent(window time.Duration) ([]byte, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	if _, payload, err := c.conn.ReadMessage(); err == nil {
		return payload, false
	}
	return nil, true
}

// Close closes the underlying socket without a close handshake, like a
// client that lost power.
func (c *Client) Close() error {
	return c.conn.Close()
}
