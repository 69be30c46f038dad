// pkg/envelope/envelope.go
package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// Payload is the body of a multiplexed frame.
type Payload = map[string]any

// Envelope is the multiplexed wrapper that lets one connection carry many
// logical conversations.
type Envelope struct {
	Stream  string  `json:"stream"`
	Payload Payload `json:"payload"`
}

// Payload field names used by the protocol.
const (
	FieldAction         = "action"
	FieldRequestID      = "request_id"
	FieldData           = "data"
	FieldPK             = "pk"
	FieldResponseStatus = "response_status"
	FieldErrors         = "errors"
)

// Request and event actions.
const (
	ActionList        = "list"
	ActionCreate      = "create"
	ActionRetrieve    = "retrieve"
	ActionUpdate      = "update"
	ActionPatch       = "patch"
	ActionDelete      = "delete"
	ActionSubscribe   = "subscribe_instance"
	ActionUnsubscribe = "unsubscribe_instance"
)

// New wraps payload for stream.
func New(stream string, payload Payload) Envelope {
	if payload == nil {
		payload = Payload{}
	}
	return Envelope{Stream: stream, Payload: payload}
}

// Map returns the envelope in the generic shape handed to the dispatcher.
func (e Envelope) Map() map[string]any {
	return map[string]any{"stream": e.Stream, "payload": map[string]any(e.Payload)}
}

// GenerateID returns a new random request ID.
func GenerateID() string {
	return uuid.NewString()
}

// Clone returns a shallow copy of p, never nil.
func Clone(p Payload) Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// FromMessage extracts stream and payload from a decoded inbound message.
func FromMessage(msg any) (Envelope, bool) {
	m, ok := msg.(map[string]any)
	if !ok {
		return Envelope{}, false
	}
	stream, _ := m["stream"].(string)
	payload, ok := m["payload"].(map[string]any)
	if !ok {
		return Envelope{}, false
	}
	return Envelope{Stream: stream, Payload: payload}, true
}

// Status returns the numeric response_status of p. ok is false when the
// field is missing or not a number.
func Status(p Payload) (status int, ok bool) {
	switch v := p[FieldResponseStatus].(type) {
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case uint:
		return int(v), true
	case uint64:
		return int(v), true
	}
	return 0, false
}

// IsSuccess reports whether p carries a 2xx response_status.
func IsSuccess(p Payload) bool {
	status, ok := Status(p)
	return ok && status >= 200 && status < 300
}

// Action returns payload.action as a string.
func Action(p Payload) string {
	a, _ := p[FieldAction].(string)
	return a
}

// RequestID returns payload.request_id as a string.
func RequestID(p Payload) string {
	switch v := p[FieldRequestID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
