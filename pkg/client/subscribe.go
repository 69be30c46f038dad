package client

import (
	"context"

	"github.com/lightforgemedia/go-dcrf/pkg/dispatcher"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
)

// subEntry is one listener of a subscription. A subscription owns one entry
// per event action it listens to, all sharing the request ID.
type subEntry struct {
	id                 dispatcher.ListenerID
	stream             string
	requestID          string
	subscribePayload   envelope.Payload
	unsubscribePayload envelope.Payload
	sub                *Subscription
}

type subscribeConfig struct {
	requestID         string
	subscribeAction   string
	unsubscribeAction string
	createEvents      bool
	deleteEvents      bool
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeConfig)

// WithSubscribeRequestID uses id instead of a generated request ID.
func WithSubscribeRequestID(id string) SubscribeOption {
	return func(sc *subscribeConfig) {
		sc.requestID = id
	}
}

// WithSubscribeActions overrides the subscribe_instance and
// unsubscribe_instance actions, for custom observer actions.
func WithSubscribeActions(subscribe, unsubscribe string) SubscribeOption {
	return func(sc *subscribeConfig) {
		if subscribe != "" {
			sc.subscribeAction = subscribe
		}
		if unsubscribe != "" {
			sc.unsubscribeAction = unsubscribe
		}
	}
}

// WithCreateEvents delivers create events to the callback. Off by default.
func WithCreateEvents(enabled bool) SubscribeOption {
	return func(sc *subscribeConfig) {
		sc.createEvents = enabled
	}
}

// WithDeleteEvents delivers delete events to the callback. On by default.
func WithDeleteEvents(enabled bool) SubscribeOption {
	return func(sc *subscribeConfig) {
		sc.deleteEvents = enabled
	}
}

// subscriptionArgs turns the pk-or-args argument of Subscribe into a payload.
func subscriptionArgs(pkOrArgs any) envelope.Payload {
	switch v := pkOrArgs.(type) {
	case nil:
		return envelope.Payload{}
	case map[string]any:
		return envelope.Clone(v)
	default:
		return envelope.Payload{envelope.FieldPK: v}
	}
}

// Subscribe asks the server for change events on stream and invokes cb with
// each event's data and action. pkOrArgs is either an instance pk or a map of
// subscription arguments.
//
// Listeners are registered before the subscribe request is sent, so events
// that race the acknowledgement are not lost. Use Subscription.Ack to wait
// for the server's answer.
func (c *Client) Subscribe(stream string, pkOrArgs any, cb func(data any, action string), opts ...SubscribeOption) (*Subscription, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sc := subscribeConfig{
		subscribeAction:   envelope.ActionSubscribe,
		unsubscribeAction: envelope.ActionUnsubscribe,
		deleteEvents:      true,
	}
	for _, opt := range opts {
		opt(&sc)
	}
	if sc.requestID == "" {
		sc.requestID = envelope.GenerateID()
	}

	b := c.config.builders
	args := subscriptionArgs(pkOrArgs)
	subPayload := b.SubscribePayload(sc.subscribeAction, args, sc.requestID)
	unsubPayload := b.UnsubscribePayload(sc.unsubscribeAction, args, sc.requestID)

	sub := &Subscription{
		client:             c,
		stream:             stream,
		requestID:          sc.requestID,
		unsubscribePayload: unsubPayload,
	}
	handler := c.guard("subscription", func(msg any) {
		if sub.canceled.Load() {
			return
		}
		env, ok := envelope.FromMessage(msg)
		if !ok {
			return
		}
		action := envelope.Action(env.Payload)
		data := env.Payload[envelope.FieldData]
		if action == envelope.ActionDelete {
			data = c.normalizeDeleted(data)
		}
		cb(data, action)
	})

	patterns := make([]SelectorFunc, 0, 3)
	if sc.createEvents {
		patterns = append(patterns, b.SubscribeCreateSelector)
	}
	patterns = append(patterns, b.SubscribeUpdateSelector)
	if sc.deleteEvents {
		patterns = append(patterns, b.SubscribeDeleteSelector)
	}

	c.subsMu.Lock()
	for _, sel := range patterns {
		id := c.dispatcher.Listen(sel(stream, sc.requestID), handler)
		sub.listenerIDs = append(sub.listenerIDs, id)
		c.subs = append(c.subs, &subEntry{
			id:                 id,
			stream:             stream,
			requestID:          sc.requestID,
			subscribePayload:   subPayload,
			unsubscribePayload: unsubPayload,
			sub:                sub,
		})
	}
	active := len(c.subs)
	c.subsMu.Unlock()
	c.config.metrics.SubscriptionsActive(active)

	ack := c.request(stream, subPayload, sc.requestID, false)
	c.subsMu.Lock()
	sub.ack = ack
	c.subsMu.Unlock()
	c.config.logger.Debug("client: subscribed", "client", c.id, "stream", stream, "request_id", sc.requestID, "listeners", len(patterns))
	return sub, nil
}

// normalizeDeleted renames the "pk" key of a delete event's data to the
// configured pk field. The server always keys delete events by "pk".
func (c *Client) normalizeDeleted(data any) any {
	if !c.config.ensurePKFieldInDeleteEvents || c.config.pkField == envelope.FieldPK {
		return data
	}
	m, ok := data.(map[string]any)
	if !ok {
		return data
	}
	pk, ok := m[envelope.FieldPK]
	if !ok {
		return data
	}
	out := envelope.Clone(m)
	delete(out, envelope.FieldPK)
	out[c.config.pkField] = pk
	return out
}

// removeSubscriptionListeners drops the table entries and dispatcher
// listeners for ids and returns how many were still registered.
func (c *Client) removeSubscriptionListeners(ids []dispatcher.ListenerID) int {
	want := make(map[dispatcher.ListenerID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	c.subsMu.Lock()
	var removed []dispatcher.ListenerID
	kept := c.subs[:0]
	for _, e := range c.subs {
		if _, ok := want[e.id]; ok {
			removed = append(removed, e.id)
			continue
		}
		kept = append(kept, e)
	}
	clear(c.subs[len(kept):])
	c.subs = kept
	active := len(c.subs)
	c.subsMu.Unlock()

	for _, id := range removed {
		c.dispatcher.Cancel(id)
	}
	c.config.metrics.SubscriptionsActive(active)
	return len(removed)
}

// uniqueByRequestID keeps the first entry of every request ID, in order.
func uniqueByRequestID(entries []*subEntry) []*subEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]*subEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.requestID]; ok {
			continue
		}
		seen[e.requestID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Resubscribe sends the subscribe request of every active subscription
// again, once per request ID and in subscription order. It bypasses the send
// buffer and returns the number of requests sent. The client calls it on
// every reconnect.
func (c *Client) Resubscribe() int {
	c.subsMu.Lock()
	entries := uniqueByRequestID(c.subs)
	c.subsMu.Unlock()

	n := 0
	for _, e := range entries {
		if c.sendDetached(e.stream, e.subscribePayload, e.requestID, true, "resubscribe") != nil {
			n++
		}
	}
	c.config.metrics.Resubscribed(n)
	return n
}

// Subscriptions returns the number of active subscriptions.
func (c *Client) Subscriptions() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(uniqueByRequestID(c.subs))
}

// UnsubscribeAll removes every subscription locally, then sends one
// unsubscribe request per request ID and waits for all of them. Rejected
// unsubscribes are logged, not returned. It returns the number of listeners
// removed, and ctx.Err() if ctx ended before every acknowledgement arrived.
func (c *Client) UnsubscribeAll(ctx context.Context) (int, error) {
	c.subsMu.Lock()
	entries := c.subs
	c.subs = nil
	acks := make([]*Pending, 0, len(entries))
	for _, e := range entries {
		if e.sub.ack != nil {
			acks = append(acks, e.sub.ack)
		}
	}
	c.subsMu.Unlock()
	c.config.metrics.SubscriptionsActive(0)

	for _, e := range entries {
		e.sub.canceled.Store(true)
		c.dispatcher.Cancel(e.id)
	}
	for _, ack := range acks {
		ack.Cancel()
	}

	unique := uniqueByRequestID(entries)
	pending := make([]*Pending, 0, len(unique))
	for _, e := range unique {
		pending = append(pending, c.request(e.stream, e.unsubscribePayload, e.requestID, false))
	}

	for i, p := range pending {
		if _, err := p.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				for _, rest := range pending[i:] {
					rest.Cancel()
				}
				return len(entries), ctx.Err()
			}
			c.config.logger.Info("client: unsubscribe failed", "client", c.id, "stream", unique[i].stream, "request_id", p.RequestID(), "error", err)
		}
	}
	c.config.logger.Debug("client: unsubscribed all", "client", c.id, "listeners", len(entries), "requests", len(pending))
	return len(entries), nil
}
