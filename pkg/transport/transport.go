// Package transport defines the connection collaborator used by the client
// engine and provides a reconnecting websocket implementation of it.
package transport

import "errors"

// Event names a lifecycle or data event emitted by a Transport.
type Event string

const (
	// EventOpen fires on every successful open, before EventConnect or
	// EventReconnect.
	EventOpen Event = "open"
	// EventConnect fires on the first successful open.
	EventConnect Event = "connect"
	// EventReconnect fires on every open after the first.
	EventReconnect Event = "reconnect"
	// EventMessage fires for every inbound frame; the handler receives it.
	EventMessage Event = "message"
	// EventClose fires when an open link is lost or closed.
	EventClose Event = "close"
	// EventStopped fires once when the transport gives up connecting on its
	// own: reconnect is off or the attempts ran out. Disconnect does not
	// emit it.
	EventStopped Event = "stopped"
)

// ErrNotConnected is returned by Send while no link is open.
var ErrNotConnected = errors.New("transport: not connected")

// Handler receives the frame for EventMessage and nil for lifecycle events.
type Handler func(data []byte)

// Transport is a reconnect-capable connection. Implementations deliver all
// events for one connection sequentially on a single goroutine.
type Transport interface {
	// Connect starts connecting. It reports false if already started.
	Connect() bool
	// Disconnect stops the connection and any reconnect attempts. It reports
	// false if nothing was running.
	Disconnect() bool
	// IsConnected reports whether a link is currently open.
	IsConnected() bool
	// On registers h for ev. Handlers run in registration order.
	On(ev Event, h Handler)
	// Send writes one frame.
	Send(data []byte) (int, error)
}
