// Package dcrf is a client for Django Channels REST Framework servers. It
// multiplexes requests and instance subscriptions over one websocket and
// replays subscriptions after a reconnect.
//
// This package re-exports the common entry points of pkg/client so most
// programs need a single import.
package dcrf

import (
	"github.com/lightforgemedia/go-dcrf/pkg/client"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/lightforgemedia/go-dcrf/pkg/manifest"
	"github.com/lightforgemedia/go-dcrf/pkg/sendqueue"
	"github.com/lightforgemedia/go-dcrf/pkg/transport"
)

// Re-export core types
type (
	Client          = client.Client
	Option          = client.Option
	Options         = client.Options
	State           = client.State
	Pending         = client.Pending
	Subscription    = client.Subscription
	Stream          = client.Stream
	ResponseError   = client.ResponseError
	RequestOption   = client.RequestOption
	SubscribeOption = client.SubscribeOption
	Payload         = envelope.Payload
	Envelope        = envelope.Envelope
	Transport       = transport.Transport
	Manifest        = manifest.Manifest
)

// Re-export error types
var (
	ErrClosed            = client.ErrClosed
	ErrCanceled          = client.ErrCanceled
	ErrNilCallback       = client.ErrNilCallback
	ErrMalformedResponse = client.ErrMalformedResponse
	ErrQueueFull         = sendqueue.ErrQueueFull
	ErrNotConnected      = transport.ErrNotConnected
)

// Connection states.
const (
	StateDisconnected = client.StateDisconnected
	StateConnecting   = client.StateConnecting
	StateConnected    = client.StateConnected
	StateReconnecting = client.StateReconnecting
)

// Connect dials url and returns an initialized Client.
func Connect(url string, opts ...Option) (*Client, error) {
	return client.Connect(url, opts...)
}

// New creates a Client on an existing transport. Call Initialize before use.
func New(t Transport, opts ...Option) *Client {
	return client.New(t, opts...)
}

// DefaultOptions returns the library defaults for NewWithOptions.
func DefaultOptions() Options {
	return client.DefaultOptions()
}

// NewWithOptions creates a Client on t from an Options struct.
func NewWithOptions(t Transport, opts Options, extraOpts ...Option) (*Client, error) {
	return client.NewWithOptions(t, opts, extraOpts...)
}

// NewWebSocket creates the default websocket transport.
func NewWebSocket(url string, opts ...transport.WSOption) *transport.WebSocket {
	return transport.NewWebSocket(url, opts...)
}

// LoadManifest reads a subscription manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	return manifest.Load(path)
}
