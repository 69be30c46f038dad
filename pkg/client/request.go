package client

import (
	"context"
	"fmt"

	"github.com/lightforgemedia/go-dcrf/pkg/codec"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/lightforgemedia/go-dcrf/pkg/metrics"
)

type requestConfig struct {
	requestID string
}

// RequestOption configures a single request.
type RequestOption func(*requestConfig)

// WithRequestID uses id instead of a generated request ID.
func WithRequestID(id string) RequestOption {
	return func(rc *requestConfig) {
		rc.requestID = id
	}
}

func applyRequestOptions(opts []RequestOption) requestConfig {
	var rc requestConfig
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.requestID == "" {
		rc.requestID = envelope.GenerateID()
	}
	return rc
}

// SendRequest sends payload on stream and returns a Pending that settles
// with the response. It never blocks.
func (c *Client) SendRequest(stream string, payload envelope.Payload, opts ...RequestOption) *Pending {
	rc := applyRequestOptions(opts)
	if c.closed.Load() {
		p := newPending(rc.requestID)
		p.settle(nil, ErrClosed, metrics.OutcomeFailed)
		return p
	}
	return c.request(stream, payload, rc.requestID, false)
}

// Request sends payload on stream and waits for the response. A ctx
// without a deadline gets the default request timeout; a caller deadline is
// used as is, even when it is longer. When ctx ends first the request is
// abandoned and a late response is ignored.
func (c *Client) Request(ctx context.Context, stream string, payload envelope.Payload, opts ...RequestOption) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	p := c.SendRequest(stream, payload, opts...)

	ctx, cancel := c.deadline(ctx)
	defer cancel()
	data, err := p.Wait(ctx)
	if err == nil || p.isSettled() {
		return data, err
	}
	if !p.Cancel() {
		// The response won the race with ctx.
		<-p.Done()
		return p.Result()
	}
	return nil, fmt.Errorf("client: request %s on stream '%s': %w", p.RequestID(), stream, err)
}

func (p *Pending) isSettled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func crud(action string, pk any, extra envelope.Payload) envelope.Payload {
	p := envelope.Clone(extra)
	p[envelope.FieldAction] = action
	if pk != nil {
		p[envelope.FieldPK] = pk
	}
	return p
}

func withData(data envelope.Payload) envelope.Payload {
	if data == nil {
		data = envelope.Payload{}
	}
	return envelope.Payload{envelope.FieldData: data}
}

// List requests every instance on stream. data is sent as the request's
// data field.
func (c *Client) List(ctx context.Context, stream string, data envelope.Payload, opts ...RequestOption) (any, error) {
	return c.Request(ctx, stream, crud(envelope.ActionList, nil, withData(data)), opts...)
}

// Create creates an instance from data.
func (c *Client) Create(ctx context.Context, stream string, data envelope.Payload, opts ...RequestOption) (any, error) {
	return c.Request(ctx, stream, crud(envelope.ActionCreate, nil, withData(data)), opts...)
}

// Retrieve fetches the instance pk. data is merged into the payload.
func (c *Client) Retrieve(ctx context.Context, stream string, pk any, data envelope.Payload, opts ...RequestOption) (any, error) {
	return c.Request(ctx, stream, crud(envelope.ActionRetrieve, pk, data), opts...)
}

// Update replaces the instance pk with data.
func (c *Client) Update(ctx context.Context, stream string, pk any, data envelope.Payload, opts ...RequestOption) (any, error) {
	return c.Request(ctx, stream, crud(envelope.ActionUpdate, pk, withData(data)), opts...)
}

// Patch updates the fields of instance pk present in data.
func (c *Client) Patch(ctx context.Context, stream string, pk any, data envelope.Payload, opts ...RequestOption) (any, error) {
	return c.Request(ctx, stream, crud(envelope.ActionPatch, pk, withData(data)), opts...)
}

// Delete removes the instance pk. data is merged into the payload.
func (c *Client) Delete(ctx context.Context, stream string, pk any, data envelope.Payload, opts ...RequestOption) (any, error) {
	return c.Request(ctx, stream, crud(envelope.ActionDelete, pk, data), opts...)
}

// GenericRequest sends a request and decodes the response data into T.
//
// Example:
//
//	type Thing struct {
//		PK   int    `json:"pk"`
//		Name string `json:"name"`
//	}
//	thing, err := client.GenericRequest[Thing](ctx, cli, "things", envelope.Payload{
//		"action": "retrieve", "pk": 1,
//	})
func GenericRequest[T any](ctx context.Context, cli *Client, stream string, payload envelope.Payload, opts ...RequestOption) (*T, error) {
	data, err := cli.Request(ctx, stream, payload, opts...)
	if err != nil {
		return nil, err
	}
	v, err := codec.Decode[T](cli.config.codec, data)
	if err != nil {
		return nil, fmt.Errorf("client: failed to decode response on stream '%s': %w", stream, err)
	}
	return &v, nil
}

// StreamingRequest sends payload and invokes cb for every response carrying
// its request ID until the returned Stream is canceled. A non-2xx response
// cancels the stream before cb receives the *ResponseError.
func (c *Client) StreamingRequest(stream string, payload envelope.Payload, cb func(data any, err error), opts ...RequestOption) (*Stream, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	rc := applyRequestOptions(opts)
	s := &Stream{client: c, requestID: rc.requestID}

	handler := c.guard("stream", func(msg any) {
		if !s.Active() {
			return
		}
		env, ok := envelope.FromMessage(msg)
		if !ok {
			return
		}
		if envelope.IsSuccess(env.Payload) {
			cb(env.Payload[envelope.FieldData], nil)
			return
		}
		s.Cancel()
		cb(nil, newResponseError(env.Payload))
	})

	sel := c.config.builders.RequestSelector(stream, rc.requestID)
	s.mu.Lock()
	s.listenerID = c.dispatcher.Listen(sel, handler)
	s.mu.Unlock()

	out := envelope.Clone(payload)
	out[envelope.FieldRequestID] = rc.requestID
	if err := c.send(stream, out, false); err != nil {
		s.Cancel()
		return nil, err
	}
	return s, nil
}
