package client

import (
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/lightforgemedia/go-dcrf/pkg/selector"
)

// SelectorFunc builds the selector for frames belonging to requestID on
// stream.
type SelectorFunc func(stream, requestID string) selector.Pattern

// PayloadFunc builds a subscribe or unsubscribe payload.
type PayloadFunc func(action string, args envelope.Payload, requestID string) envelope.Payload

// Builders overrides how selectors and subscription payloads are built.
// Nil fields use the defaults below; they are resolved once when the client
// is constructed.
type Builders struct {
	RequestSelector         SelectorFunc
	SubscribeCreateSelector SelectorFunc
	SubscribeUpdateSelector SelectorFunc
	SubscribeDeleteSelector SelectorFunc
	SubscribePayload        PayloadFunc
	UnsubscribePayload      PayloadFunc
}

func (b Builders) resolve() Builders {
	if b.RequestSelector == nil {
		b.RequestSelector = DefaultRequestSelector
	}
	if b.SubscribeCreateSelector == nil {
		b.SubscribeCreateSelector = DefaultSubscribeCreateSelector
	}
	if b.SubscribeUpdateSelector == nil {
		b.SubscribeUpdateSelector = DefaultSubscribeUpdateSelector
	}
	if b.SubscribeDeleteSelector == nil {
		b.SubscribeDeleteSelector = DefaultSubscribeDeleteSelector
	}
	if b.SubscribePayload == nil {
		b.SubscribePayload = DefaultSubscribePayload
	}
	if b.UnsubscribePayload == nil {
		b.UnsubscribePayload = DefaultUnsubscribePayload
	}
	return b
}

// DefaultRequestSelector matches {stream, payload: {request_id}}.
func DefaultRequestSelector(stream, requestID string) selector.Pattern {
	return selector.Mapping{
		"stream": selector.Lit(stream),
		"payload": selector.Mapping{
			envelope.FieldRequestID: selector.Lit(requestID),
		},
	}
}

func eventSelector(stream, requestID, action string) selector.Pattern {
	return selector.Mapping{
		"stream": selector.Lit(stream),
		"payload": selector.Mapping{
			envelope.FieldAction:    selector.Lit(action),
			envelope.FieldRequestID: selector.Lit(requestID),
		},
	}
}

// DefaultSubscribeCreateSelector matches create events for a subscription.
func DefaultSubscribeCreateSelector(stream, requestID string) selector.Pattern {
	return eventSelector(stream, requestID, envelope.ActionCreate)
}

// DefaultSubscribeUpdateSelector matches update events for a subscription.
func DefaultSubscribeUpdateSelector(stream, requestID string) selector.Pattern {
	return eventSelector(stream, requestID, envelope.ActionUpdate)
}

// DefaultSubscribeDeleteSelector matches delete events for a subscription.
func DefaultSubscribeDeleteSelector(stream, requestID string) selector.Pattern {
	return eventSelector(stream, requestID, envelope.ActionDelete)
}

// DefaultSubscribePayload returns args plus action and request_id.
func DefaultSubscribePayload(action string, args envelope.Payload, requestID string) envelope.Payload {
	p := envelope.Clone(args)
	p[envelope.FieldAction] = action
	p[envelope.FieldRequestID] = requestID
	return p
}

// DefaultUnsubscribePayload mirrors DefaultSubscribePayload.
func DefaultUnsubscribePayload(action string, args envelope.Payload, requestID string) envelope.Payload {
	return DefaultSubscribePayload(action, args, requestID)
}
