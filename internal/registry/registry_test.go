package registry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Wundero/sinkr/pkg/logging"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialTestConn spins up a server that upgrades one connection, wraps it in
// a Conn with a running write pump, and returns both halves.
func dialTestConn(t *testing.T, cfg ConnConfig) (*Conn, *websocket.Conn) {
	t.Helper()
	logger := logging.NewLoggerWithService("registry-test")

	serverConns := make(chan *Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conn := NewConn(ws, cfg, logger)
		go conn.WritePump()
		serverConns <- conn
	}))
	t.Cleanup(server.Close)

	url := strings.Replace(server.URL, "http://", "ws://", 1)
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-serverConns:
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection")
		return nil, nil
	}
}

func TestConnDeliversQueuedPayloads(t *testing.T) {
	conn, client := dialTestConn(t, DefaultSinkConfig())

	if !conn.Send([]byte(`{"hello":"world"}`)) {
		t.Fatal("expected send to succeed")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", msgType)
	}
	if string(payload) != `{"hello":"world"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestConnCloseDeliversCloseCode(t *testing.T) {
	conn, client := dialTestConn(t, DefaultSinkConfig())

	conn.Close(4000, "Invalid application")

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != 4000 || closeErr.Text != "Invalid application" {
		t.Fatalf("unexpected close frame: code=%d text=%q", closeErr.Code, closeErr.Text)
	}

	if conn.Send([]byte("late")) {
		t.Fatal("expected send after close to fail")
	}
}

func TestConnFlushesQueuedPayloadsBeforeClose(t *testing.T) {
	conn, client := dialTestConn(t, DefaultSinkConfig())

	if !conn.Send([]byte("first")) {
		t.Fatal("expected send to succeed")
	}
	conn.Close(websocket.CloseGoingAway, "shutting down")

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected queued payload before close, got %v", err)
	}
	if string(payload) != "first" {
		t.Fatalf("unexpected payload: %s", payload)
	}

	_, _, err = client.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going away close, got %v", err)
	}
}

func TestConnRateLimiter(t *testing.T) {
	conn, _ := dialTestConn(t, ConnConfig{MaxMessageSize: 1024, MessagesPerSecond: 1, Burst: 2})

	if !conn.Allow() || !conn.Allow() {
		t.Fatal("expected burst to be allowed")
	}
	if conn.Allow() {
		t.Fatal("expected limiter to reject after burst")
	}

	unlimited, _ := dialTestConn(t, ConnConfig{MaxMessageSize: 1024})
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("expected unlimited conn to always allow")
		}
	}
}

func TestRegistryIndexesByApp(t *testing.T) {
	r := New()
	connA, clientA := dialTestConn(t, DefaultSinkConfig())
	connB, clientB := dialTestConn(t, DefaultSinkConfig())
	connC, clientC := dialTestConn(t, DefaultSinkConfig())

	r.Add("app-1", "peer-a", connA)
	r.Add("app-1", "peer-b", connB)
	r.Add("app-2", "peer-c", connC)

	if r.Len() != 3 {
		t.Fatalf("expected 3 peers, got %d", r.Len())
	}

	sent := r.BroadcastApp("app-1", []byte("fanout"))
	if sent != 2 {
		t.Fatalf("expected broadcast to reach 2 peers, got %d", sent)
	}
	for _, client := range []*websocket.Conn{clientA, clientB} {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := client.ReadMessage()
		if err != nil || string(payload) != "fanout" {
			t.Fatalf("expected broadcast payload, got %s err=%v", payload, err)
		}
	}
	_ = clientC.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := clientC.ReadMessage(); err == nil {
		t.Fatal("expected no delivery to other app")
	}

	if removed := r.Remove("peer-a"); removed == nil || removed.AppID != "app-1" {
		t.Fatalf("unexpected removal result: %+v", removed)
	}
	if removed := r.Remove("peer-a"); removed != nil {
		t.Fatal("expected second removal to be a no-op")
	}
	if sent := r.BroadcastApp("app-1", []byte("again")); sent != 1 {
		t.Fatalf("expected broadcast to reach 1 peer after removal, got %d", sent)
	}
	if !r.SendTo("peer-c", []byte("direct")) {
		t.Fatal("expected direct send to succeed")
	}
	if r.SendTo("peer-a", []byte("gone")) {
		t.Fatal("expected send to removed peer to fail")
	}
}

func TestRegistrySendToMany(t *testing.T) {
	r := New()
	conn, client := dialTestConn(t, DefaultSinkConfig())
	r.Add("app-1", "peer-a", conn)

	sent := r.SendToMany([]string{"peer-a", "peer-missing"}, []byte("multi"))
	if sent != 1 {
		t.Fatalf("expected 1 delivery, got %d", sent)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil || string(payload) != "multi" {
		t.Fatalf("expected payload, got %s err=%v", payload, err)
	}
}
