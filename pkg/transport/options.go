package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Options contains configuration values for NewWebSocketWithOptions.
type Options struct {
	Logger            *slog.Logger
	DialOptions       *websocket.DialOptions
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	PingInterval      time.Duration
	AutoReconnect     bool
	ReconnectAttempts int
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		DialOptions:       &websocket.DialOptions{HTTPClient: http.DefaultClient},
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		ReadLimit:         defaultReadLimit,
		ReconnectDelayMin: defaultReconnectDelayMin,
		ReconnectDelayMax: defaultReconnectDelayMax,
	}
}

// NewWebSocketWithOptions creates a WebSocket from an Options struct. Zero
// values fall back to defaults; extra functional options are applied last.
func NewWebSocketWithOptions(url string, opts Options, extra ...WSOption) *WebSocket {
	o := []WSOption{
		WithLogger(opts.Logger),
		WithDialOptions(opts.DialOptions),
		WithDialTimeout(opts.DialTimeout),
		WithWriteTimeout(opts.WriteTimeout),
		WithReadLimit(opts.ReadLimit),
		WithPingInterval(opts.PingInterval),
	}
	if opts.AutoReconnect {
		o = append(o, WithAutoReconnect(opts.ReconnectAttempts, opts.ReconnectDelayMin, opts.ReconnectDelayMax))
	}
	return NewWebSocket(url, append(o, extra...)...)
}
