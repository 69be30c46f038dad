package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

// MockServer is a raw websocket server for exercising transports. Each
// accepted connection is passed to Handler; by default frames are recorded
// and echoed back.
type MockServer struct {
	T       *testing.T
	Server  *httptest.Server
	WsURL   string
	Handler func(ctx context.Context, conn *websocket.Conn, ms *MockServer)

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int
	received [][]byte
}

// NewMockServer starts a MockServer. A nil handler echoes every frame.
func NewMockServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn, ms *MockServer)) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, Handler: handler}
	if ms.Handler == nil {
		ms.Handler = Echo
	}

	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			ms.T.Logf("MockServer: Accept error: %v", err)
			return
		}
		ms.mu.Lock()
		ms.conns = append(ms.conns, conn)
		ms.accepted++
		ms.mu.Unlock()

		ms.Handler(r.Context(), conn, ms)
		conn.CloseNow()
	}))
	ms.WsURL = "ws" + strings.TrimPrefix(ms.Server.URL, "http")

	t.Cleanup(ms.Close)
	return ms
}

// Echo records every inbound frame and writes it straight back.
func Echo(ctx context.Context, conn *websocket.Conn, ms *MockServer) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		ms.Record(data)
		if err := conn.Write(ctx, typ, data); err != nil {
			return
		}
	}
}

// Record stores an inbound frame.
func (ms *MockServer) Record(data []byte) {
	ms.mu.Lock()
	ms.received = append(ms.received, append([]byte(nil), data...))
	ms.mu.Unlock()
}

// Received returns the recorded frames as strings.
func (ms *MockServer) Received() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]string, len(ms.received))
	for i, f := range ms.received {
		out[i] = string(f)
	}
	return out
}

// Accepted returns how many connections have been accepted.
func (ms *MockServer) Accepted() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.accepted
}

// Broadcast writes data to every live connection.
func (ms *MockServer) Broadcast(ctx context.Context, data []byte) {
	ms.mu.Lock()
	conns := append([]*websocket.Conn(nil), ms.conns...)
	ms.mu.Unlock()
	for _, c := range conns {
		_ = c.Write(ctx, websocket.MessageText, data)
	}
}

// CloseCurrentConnection drops every open connection without closing the
// listener, so clients can reconnect.
func (ms *MockServer) CloseCurrentConnection() {
	ms.mu.Lock()
	conns := ms.conns
	ms.conns = nil
	ms.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "Test closing connection")
	}
}

// Close closes the mock server.
func (ms *MockServer) Close() {
	ms.CloseCurrentConnection()
	if ms.Server != nil {
		ms.Server.Close()
	}
}
