package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lightforgemedia/go-dcrf/pkg/dispatcher"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/lightforgemedia/go-dcrf/pkg/metrics"
)

// Pending is the result of a one-shot request. It settles at most once:
// with the response data, a *ResponseError, a send error, or ErrCanceled.
type Pending struct {
	requestID string
	done      chan struct{}
	once      sync.Once
	data      any
	err       error

	// unlisten removes the correlation listener; it reports whether the
	// listener was still registered.
	unlisten func() bool
	onSettle func(outcome string)
}

func newPending(requestID string) *Pending {
	return &Pending{requestID: requestID, done: make(chan struct{})}
}

// RequestID returns the correlation token of the request.
func (p *Pending) RequestID() string {
	return p.requestID
}

// Done is closed once the request settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled outcome, or ErrNotSettled before Done closes.
func (p *Pending) Result() (any, error) {
	select {
	case <-p.done:
		return p.data, p.err
	default:
		return nil, ErrNotSettled
	}
}

// Wait blocks until the request settles or ctx ends. Ending ctx does not
// cancel the request.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.data, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the request. It reports whether the correlation listener
// was still registered; if so the Pending settles with ErrCanceled and a
// late response is ignored.
func (p *Pending) Cancel() bool {
	if p.unlisten == nil || !p.unlisten() {
		return false
	}
	p.settle(nil, ErrCanceled, metrics.OutcomeCanceled)
	return true
}

func (p *Pending) settle(data any, err error, outcome string) {
	p.once.Do(func() {
		p.data, p.err = data, err
		close(p.done)
		if p.onSettle != nil {
			p.onSettle(outcome)
		}
	})
}

func (p *Pending) settleResponse(msg any) {
	env, ok := envelope.FromMessage(msg)
	if !ok {
		p.settle(nil, ErrMalformedResponse, metrics.OutcomeFailed)
		return
	}
	if envelope.IsSuccess(env.Payload) {
		p.settle(env.Payload[envelope.FieldData], nil, metrics.OutcomeSuccess)
		return
	}
	p.settle(nil, newResponseError(env.Payload), metrics.OutcomeRejected)
}

// Subscription is the handle returned by Subscribe. Its callback is never
// invoked after Cancel returns, even by a dispatch already in progress.
type Subscription struct {
	client             *Client
	stream             string
	requestID          string
	unsubscribePayload envelope.Payload
	listenerIDs        []dispatcher.ListenerID
	ack                *Pending
	canceled           atomic.Bool
}

// RequestID returns the subscription's request ID. Events, the ack and the
// unsubscribe request all carry it.
func (s *Subscription) RequestID() string {
	return s.requestID
}

// Ack waits for the server's response to the subscribe request.
func (s *Subscription) Ack(ctx context.Context) (any, error) {
	return s.ack.Wait(ctx)
}

// Acked is closed once the subscribe request settles.
func (s *Subscription) Acked() <-chan struct{} {
	return s.ack.Done()
}

// Active reports whether the subscription still has listeners.
func (s *Subscription) Active() bool {
	return !s.canceled.Load()
}

// Cancel removes the subscription's listeners and sends the unsubscribe
// request without waiting for its response. It reports whether any
// listener was still active.
func (s *Subscription) Cancel() bool {
	if !s.canceled.CompareAndSwap(false, true) {
		return false
	}
	removed := s.client.removeSubscriptionListeners(s.listenerIDs)
	s.ack.Cancel()
	if removed > 0 {
		s.client.sendDetached(s.stream, s.unsubscribePayload, s.requestID, false, "unsubscribe")
	}
	return removed > 0
}

// Stream is the handle returned by StreamingRequest.
type Stream struct {
	client    *Client
	requestID string

	mu         sync.Mutex
	listenerID dispatcher.ListenerID
}

// RequestID returns the correlation token of the streaming request.
func (s *Stream) RequestID() string {
	return s.requestID
}

// Active reports whether the stream still delivers frames.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenerID != 0
}

// Cancel stops delivery. It reports whether the stream was active.
func (s *Stream) Cancel() bool {
	s.mu.Lock()
	id := s.listenerID
	s.listenerID = 0
	s.mu.Unlock()
	if id == 0 {
		return false
	}
	s.client.dispatcher.Cancel(id)
	return true
}
