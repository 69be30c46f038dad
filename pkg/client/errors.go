package client

import (
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
)

var (
	// ErrNilCallback is returned when a callback-based operation gets nil.
	ErrNilCallback = errors.New("client: callback must not be nil")
	// ErrCanceled settles a Pending abandoned by its caller.
	ErrCanceled = errors.New("client: request canceled")
	// ErrClosed is returned by operations started after Close.
	ErrClosed = errors.New("client: closed")
	// ErrDisconnected is returned by WaitForState when the transport stops
	// reconnecting before the wanted state is reached.
	ErrDisconnected = errors.New("client: transport stopped reconnecting")
	// ErrNotSettled is returned by Pending.Result before a response arrived.
	ErrNotSettled = errors.New("client: request not settled")
	// ErrMalformedResponse settles a Pending whose response lacked a payload.
	ErrMalformedResponse = errors.New("client: malformed response")
)

// ResponseError is a protocol rejection: a response whose response_status
// is outside [200,300). Payload is the full response payload.
type ResponseError struct {
	Status  int
	Payload envelope.Payload
}

func (e *ResponseError) Error() string {
	id := envelope.RequestID(e.Payload)
	if errs, ok := e.Payload[envelope.FieldErrors]; ok && !isEmpty(errs) {
		return fmt.Sprintf("client: request %s rejected with status %d: %v", id, e.Status, errs)
	}
	return fmt.Sprintf("client: request %s rejected with status %d", id, e.Status)
}

// Errors returns the server's errors field, if any.
func (e *ResponseError) Errors() any {
	return e.Payload[envelope.FieldErrors]
}

func newResponseError(p envelope.Payload) *ResponseError {
	status, _ := envelope.Status(p)
	return &ResponseError{Status: status, Payload: p}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}
