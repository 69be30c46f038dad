// pkg/transport/websocket.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand" // For jitter
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultReadLimit         = 1024 * 1024 // 1MB
	defaultReconnectDelayMin = 1 * time.Second
	defaultReconnectDelayMax = 30 * time.Second
)

type wsConfig struct {
	logger            *slog.Logger
	dialOptions       *websocket.DialOptions
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	readLimit         int64
	pingInterval      time.Duration // 0 disables client pings
	autoReconnect     bool
	reconnectAttempts int // 0 for infinite if autoReconnect is true
	reconnectDelayMin time.Duration
	reconnectDelayMax time.Duration
}

// WebSocket is a Transport over github.com/coder/websocket. The connection
// is owned by one goroutine which dials, reads, emits events and, when
// enabled, reconnects with jittered exponential backoff.
type WebSocket struct {
	config wsConfig
	url    string

	handlersMu sync.RWMutex
	handlers   map[Event][]Handler

	connMu sync.RWMutex
	conn   *websocket.Conn

	runMu      sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	everOpened bool
}

// WSOption configures a WebSocket.
type WSOption func(*WebSocket)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) WSOption {
	return func(w *WebSocket) {
		if logger != nil {
			w.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) WSOption {
	return func(w *WebSocket) {
		if opts != nil {
			w.config.dialOptions = opts
		}
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(timeout time.Duration) WSOption {
	return func(w *WebSocket) {
		if timeout > 0 {
			w.config.dialTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(timeout time.Duration) WSOption {
	return func(w *WebSocket) {
		if timeout > 0 {
			w.config.writeTimeout = timeout
		}
	}
}

// WithReadLimit sets the maximum inbound frame size in bytes.
func WithReadLimit(limit int64) WSOption {
	return func(w *WebSocket) {
		if limit > 0 {
			w.config.readLimit = limit
		}
	}
}

// WithPingInterval enables client-initiated pings. interval <= 0 disables them.
func WithPingInterval(interval time.Duration) WSOption {
	return func(w *WebSocket) {
		if interval < 0 {
			interval = 0
		}
		w.config.pingInterval = interval
	}
}

// WithAutoReconnect enables automatic reconnection.
// maxAttempts = 0 means infinite attempts.
func WithAutoReconnect(maxAttempts int, minDelay, maxDelay time.Duration) WSOption {
	return func(w *WebSocket) {
		w.config.autoReconnect = true
		w.config.reconnectAttempts = maxAttempts
		if minDelay > 0 {
			w.config.reconnectDelayMin = minDelay
		}
		if maxDelay > 0 && maxDelay >= w.config.reconnectDelayMin {
			w.config.reconnectDelayMax = maxDelay
		} else if maxDelay > 0 {
			w.config.reconnectDelayMax = w.config.reconnectDelayMin
		}
	}
}

// NewWebSocket creates a WebSocket transport for url. Nothing is dialed
// until Connect.
func NewWebSocket(url string, opts ...WSOption) *WebSocket {
	w := &WebSocket{
		config: wsConfig{
			logger:            slog.Default(),
			dialOptions:       &websocket.DialOptions{HTTPClient: http.DefaultClient},
			dialTimeout:       defaultDialTimeout,
			writeTimeout:      defaultWriteTimeout,
			readLimit:         defaultReadLimit,
			reconnectDelayMin: defaultReconnectDelayMin,
			reconnectDelayMax: defaultReconnectDelayMax,
		},
		url:      url,
		handlers: make(map[Event][]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// URL returns the endpoint this transport dials.
func (w *WebSocket) URL() string {
	return w.url
}

// On registers h for ev.
func (w *WebSocket) On(ev Event, h Handler) {
	w.handlersMu.Lock()
	w.handlers[ev] = append(w.handlers[ev], h)
	w.handlersMu.Unlock()
}

func (w *WebSocket) emit(ev Event, data []byte) {
	w.handlersMu.RLock()
	hs := append([]Handler(nil), w.handlers[ev]...)
	w.handlersMu.RUnlock()
	for _, h := range hs {
		h(data)
	}
}

// Connect starts the connection goroutine.
func (w *WebSocket) Connect() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	return true
}

// Disconnect stops the connection goroutine and closes the link. The close
// event is still emitted from the connection goroutine; use Done to wait
// for it to finish.
func (w *WebSocket) Disconnect() bool {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return false
	}
	w.running = false
	cancel := w.cancel
	w.runMu.Unlock()

	cancel()
	if conn := w.getConn(); conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client initiated close")
	}
	return true
}

// Done returns a channel closed when the most recently started connection
// goroutine exits. It is nil before the first Connect.
func (w *WebSocket) Done() <-chan struct{} {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.done
}

// IsConnected reports whether a link is open.
func (w *WebSocket) IsConnected() bool {
	return w.getConn() != nil
}

func (w *WebSocket) getConn() *websocket.Conn {
	w.connMu.RLock()
	defer w.connMu.RUnlock()
	return w.conn
}

// Send writes data as one text frame.
func (w *WebSocket) Send(data []byte) (int, error) {
	conn := w.getConn()
	if conn == nil {
		return 0, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.config.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return 0, fmt.Errorf("transport: write: %w", err)
	}
	return len(data), nil
}

func (w *WebSocket) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		w.runMu.Lock()
		if w.done == done {
			w.running = false
		}
		w.runMu.Unlock()
	}()

	attempts := 0
	currentDelay := w.config.reconnectDelayMin
	for {
		opened, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			attempts = 0
			currentDelay = w.config.reconnectDelayMin
		} else {
			attempts++
			w.config.logger.Info("transport: dial failed", "url", w.url, "attempt", attempts, "error", err)
		}
		if !w.config.autoReconnect {
			w.emit(EventStopped, nil)
			return
		}
		if w.config.reconnectAttempts > 0 && attempts >= w.config.reconnectAttempts {
			w.config.logger.Warn("transport: max reconnect attempts reached, giving up", "attempts", attempts)
			w.emit(EventStopped, nil)
			return
		}

		// Jitter: random 0-25% of currentDelay to spread out retries.
		jitterRange := int64(currentDelay / 4)
		if jitterRange <= 0 {
			jitterRange = 1
		}
		sleep := currentDelay + time.Duration(rand.Int63n(jitterRange))
		w.config.logger.Debug("transport: waiting before reconnect", "delay", sleep, "attempt", attempts+1)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !opened {
			currentDelay *= 2 // Exponential backoff
			if currentDelay > w.config.reconnectDelayMax {
				currentDelay = w.config.reconnectDelayMax
			}
		}
	}
}

// session dials once and, if that succeeds, reads until the link ends.
// opened reports whether the dial succeeded.
func (w *WebSocket) session(ctx context.Context) (opened bool, err error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, w.config.dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, w.url, w.config.dialOptions)
	dialCancel()
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s failed (status: %s): %w", w.url, resp.Status, err)
		}
		return false, fmt.Errorf("dial %s failed: %w", w.url, err)
	}
	conn.SetReadLimit(w.config.readLimit)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	w.runMu.Lock()
	reconnect := w.everOpened
	w.everOpened = true
	w.runMu.Unlock()

	w.config.logger.Info("transport: connected", "url", w.url, "reconnect", reconnect)

	if w.config.pingInterval > 0 {
		go w.pingLoop(connCtx, conn)
	}

	w.emit(EventOpen, nil)
	if reconnect {
		w.emit(EventReconnect, nil)
	} else {
		w.emit(EventConnect, nil)
	}

	w.readLoop(connCtx, conn)

	w.connMu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.connMu.Unlock()
	conn.CloseNow()

	w.emit(EventClose, nil)
	return true, nil
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case ctx.Err() != nil:
				w.config.logger.Debug("transport: read loop stopped", "error", err)
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled):
				w.config.logger.Info("transport: connection closed", "status", status)
			default:
				w.config.logger.Warn("transport: read error", "error", err, "status", status)
			}
			return
		}
		w.emit(EventMessage, data)
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.config.pingInterval/2)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					w.config.logger.Warn("transport: ping failed, dropping connection", "error", err)
					conn.CloseNow()
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
