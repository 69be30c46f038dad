// Package client implements request/response correlation and subscriptions
// for the DCRF multiplexed websocket protocol over a single transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-dcrf/pkg/dispatcher"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/lightforgemedia/go-dcrf/pkg/metrics"
	"github.com/lightforgemedia/go-dcrf/pkg/sendqueue"
	"github.com/lightforgemedia/go-dcrf/pkg/transport"
)

// Client multiplexes requests, streaming requests and subscriptions over
// one transport.
//
// Transport events are handled on the transport's goroutine, and so are all
// callbacks. A callback must not block waiting for another response; use
// SendRequest and wait elsewhere.
type Client struct {
	config clientConfig
	id     string

	transport  transport.Transport
	dispatcher *dispatcher.Dispatcher
	queue      *sendqueue.Queue

	initMu      sync.Mutex
	initialized bool
	closed      atomic.Bool

	stateMu   sync.Mutex
	state     State
	stateBus  *pubsub.PubSub
	busClosed bool

	subsMu sync.Mutex
	subs   []*subEntry
}

// New creates a Client on t. Nothing is sent until Initialize.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		config:    defaultConfig(),
		id:        envelope.GenerateID(),
		transport: t,
		state:     StateDisconnected,
		stateBus:  pubsub.New(stateBusCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.config.builders = c.config.builders.resolve()
	c.dispatcher = dispatcher.New(dispatcher.WithLogger(c.config.logger))
	c.queue = sendqueue.New(
		sendqueue.WithLogger(c.config.logger),
		sendqueue.WithMaxQueued(c.config.maxQueued),
		sendqueue.WithStats(c.config.metrics),
	)
	return c
}

// Connect dials url with the websocket transport and initializes a Client
// on it. It waits up to the default request timeout for the first
// connection; if that fails and auto-reconnect is disabled, the client is
// closed and an error returned. With auto-reconnect the client is returned
// while it keeps trying.
func Connect(url string, opts ...Option) (*Client, error) {
	probe := &Client{config: defaultConfig()}
	for _, opt := range opts {
		opt(probe)
	}
	wsOpts := append([]transport.WSOption{transport.WithLogger(probe.config.logger)}, probe.config.transportOptions...)
	ws := transport.NewWebSocket(url, wsOpts...)

	c := New(ws, opts...)
	if err := c.Initialize(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.defaultRequestTimeout)
	defer cancel()
	if err := c.WaitForState(ctx, StateConnected); err != nil {
		if !c.config.autoReconnect || errors.Is(err, ErrDisconnected) {
			_ = c.Close(context.Background(), false)
			return nil, fmt.Errorf("client initial connection to %s failed: %w", url, err)
		}
		c.config.logger.Info("client: initial connection not established, reconnecting in background", "client", c.id, "url", url)
	}
	return c, nil
}

// ID returns the unique ID of this client instance.
func (c *Client) ID() string {
	return c.id
}

// Queued returns the number of frames buffered for the next connection.
func (c *Client) Queued() int {
	return c.queue.Len()
}

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// Initialize binds the send queue to the transport, registers the
// lifecycle handlers and starts the transport. Calling it again is a no-op.
func (c *Client) Initialize() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.initMu.Lock()
	if c.initialized {
		c.initMu.Unlock()
		return nil
	}
	c.initialized = true
	c.initMu.Unlock()

	c.queue.Initialize(c.transport.Send, c.linkReady)
	c.transport.On(transport.EventConnect, c.onConnect)
	c.transport.On(transport.EventReconnect, c.onReconnect)
	c.transport.On(transport.EventClose, c.onClose)
	c.transport.On(transport.EventStopped, c.onStopped)
	c.transport.On(transport.EventMessage, c.onMessage)

	c.setState(StateConnecting)
	c.transport.Connect()
	return nil
}

// linkReady is the queue's liveness predicate. Writes go straight to the
// wire only once the connect or reconnect handling has finished.
func (c *Client) linkReady() bool {
	return c.transport.IsConnected() && c.State() == StateConnected
}

// onConnect flushes the buffer before publishing connected. The second drain
// picks up frames buffered while the state changed.
func (c *Client) onConnect([]byte) {
	flushed := c.queue.ProcessQueue()
	c.setState(StateConnected)
	flushed += c.queue.ProcessQueue()
	c.config.logger.Debug("client: connected", "client", c.id, "flushed", flushed)
}

// onReconnect replays subscriptions before buffered writes, so a buffered
// write that depends on a subscription is not lost to a race.
func (c *Client) onReconnect([]byte) {
	n := c.Resubscribe()
	flushed := c.queue.ProcessQueue()
	c.setState(StateConnected)
	flushed += c.queue.ProcessQueue()
	c.config.logger.Info("client: reconnected", "client", c.id, "resubscribed", n, "flushed", flushed)
}

func (c *Client) onClose([]byte) {
	if c.closed.Load() {
		c.setState(StateDisconnected)
		return
	}
	c.setState(StateReconnecting)
}

// onStopped handles a transport that gave up reconnecting. Buffered frames
// stay queued for a later Connect on the transport.
func (c *Client) onStopped([]byte) {
	if c.closed.Load() {
		return
	}
	c.config.logger.Warn("client: transport stopped reconnecting", "client", c.id, "queued", c.queue.Len())
	c.setState(StateDisconnected)
}

func (c *Client) onMessage(data []byte) {
	msg, err := c.config.codec.Deserialize(data)
	if err != nil {
		c.config.metrics.DecodeFailed()
		c.config.logger.Warn("client: dropping undecodable frame", "client", c.id, "error", err, "bytes", len(data))
		return
	}
	n := c.dispatcher.Dispatch(msg)
	c.config.metrics.MessageReceived(n)
}

// guard wraps a user-facing handler so a panic is logged instead of
// aborting the dispatch pass.
func (c *Client) guard(kind string, h dispatcher.Handler) dispatcher.Handler {
	return func(msg any) {
		defer func() {
			if r := recover(); r != nil {
				c.config.metrics.CallbackPanicked()
				c.config.logger.Error("client: recovered panic in callback", "client", c.id, "kind", kind, "panic", r)
			}
		}()
		h(msg)
	}
}

// send applies the hooks, serializes and hands the frame to the queue.
// immediate bypasses the buffer.
func (c *Client) send(stream string, payload envelope.Payload, immediate bool) error {
	if c.config.payloadHook != nil {
		payload = c.config.payloadHook(payload)
	}
	env := envelope.New(stream, payload)
	if c.config.envelopeHook != nil {
		env = c.config.envelopeHook(env)
	}
	frame, err := c.config.codec.Serialize(env)
	if err != nil {
		return fmt.Errorf("client: failed to serialize frame for stream '%s': %w", stream, err)
	}

	if immediate {
		_, err = c.queue.SendNow(frame)
	} else {
		_, err = c.queue.Send(frame)
	}
	if errors.Is(err, transport.ErrNotConnected) && !immediate {
		// The link dropped between the liveness check and the write.
		if c.queue.QueueMessage(frame) {
			return nil
		}
		return sendqueue.ErrQueueFull
	}
	if err != nil {
		return fmt.Errorf("client: failed to send frame for stream '%s': %w", stream, err)
	}
	return nil
}

// request registers the correlation listener and sends payload. It never
// checks closed, so cleanup paths can use it during Close.
func (c *Client) request(stream string, payload envelope.Payload, requestID string, immediate bool) *Pending {
	if requestID == "" {
		requestID = envelope.GenerateID()
	}
	p := newPending(requestID)
	p.onSettle = c.config.metrics.RequestCompleted

	sel := c.config.builders.RequestSelector(stream, requestID)
	lid := c.dispatcher.Once(sel, p.settleResponse)
	p.unlisten = func() bool { return c.dispatcher.Cancel(lid) }

	out := envelope.Clone(payload)
	out[envelope.FieldRequestID] = requestID
	if err := c.send(stream, out, immediate); err != nil {
		if c.dispatcher.Cancel(lid) {
			p.settle(nil, err, metrics.OutcomeFailed)
		}
	}
	return p
}

// sendDetached sends a request whose response nobody waits for. The
// acknowledgement is awaited in the background and failures are logged.
func (c *Client) sendDetached(stream string, payload envelope.Payload, requestID string, immediate bool, what string) *Pending {
	if c.closed.Load() {
		return nil
	}
	p := c.request(stream, payload, requestID, immediate)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.defaultRequestTimeout)
		defer cancel()
		if _, err := p.Wait(ctx); err != nil {
			p.Cancel()
			c.config.logger.Info("client: background request failed", "client", c.id, "what", what, "stream", stream, "request_id", requestID, "error", err)
		}
	}()
	return p
}

// Close shuts the client down. With unsubscribe it first removes every
// subscription and waits (bounded by ctx and the default request timeout)
// for the unsubscribe acknowledgements; otherwise it disconnects at once.
func (c *Client) Close(ctx context.Context, unsubscribe bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.config.logger.Info("client: closing", "client", c.id, "unsubscribe", unsubscribe)

	var err error
	if unsubscribe {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.defaultRequestTimeout)
			defer cancel()
		}
		if _, uerr := c.UnsubscribeAll(ctx); uerr != nil {
			err = fmt.Errorf("client: unsubscribe on close: %w", uerr)
		}
	}

	c.transport.Disconnect()
	c.setState(StateDisconnected)
	c.shutdownStateBus()
	return err
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// QueueLen returns the number of frames waiting for the link.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// deadline applies the default request timeout to a ctx that has no
// deadline of its own. A caller's deadline always wins, longer or shorter.
func (c *Client) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.defaultRequestTimeout)
}
