package testutil

import (
	"encoding/json"
	"sync"

	"github.com/lightforgemedia/go-dcrf/pkg/transport"
)

// FakeTransport is a scriptable in-memory transport.Transport. Tests drive
// the lifecycle with Open, Drop and Deliver; every event is emitted on the
// calling goroutine.
type FakeTransport struct {
	mu          sync.Mutex
	handlers    map[transport.Event][]transport.Handler
	connected   bool
	started     bool
	everOpened  bool
	sent        [][]byte
	connects    int
	disconnects int
	sendErr     error

	// AutoOpen makes Connect open the link immediately.
	AutoOpen bool
}

var _ transport.Transport = (*FakeTransport)(nil)

// NewFakeTransport returns a FakeTransport that is not connected.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{handlers: make(map[transport.Event][]transport.Handler)}
}

// On implements transport.Transport.
func (f *FakeTransport) On(ev transport.Event, h transport.Handler) {
	f.mu.Lock()
	f.handlers[ev] = append(f.handlers[ev], h)
	f.mu.Unlock()
}

// Connect implements transport.Transport.
func (f *FakeTransport) Connect() bool {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return false
	}
	f.started = true
	f.connects++
	auto := f.AutoOpen
	f.mu.Unlock()
	if auto {
		f.Open()
	}
	return true
}

// Disconnect implements transport.Transport.
func (f *FakeTransport) Disconnect() bool {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return false
	}
	f.started = false
	f.disconnects++
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()
	if wasConnected {
		f.emit(transport.EventClose, nil)
	}
	return true
}

// IsConnected implements transport.Transport.
func (f *FakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Send implements transport.Transport. Frames are recorded only while
// connected.
func (f *FakeTransport) Send(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	if !f.connected {
		return 0, transport.ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return len(data), nil
}

// FailSends makes every Send return err until called with nil.
func (f *FakeTransport) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// Open marks the link up and emits open followed by connect (first time)
// or reconnect.
func (f *FakeTransport) Open() {
	f.mu.Lock()
	f.connected = true
	f.started = true
	reconnect := f.everOpened
	f.everOpened = true
	f.mu.Unlock()

	f.emit(transport.EventOpen, nil)
	if reconnect {
		f.emit(transport.EventReconnect, nil)
	} else {
		f.emit(transport.EventConnect, nil)
	}
}

// Drop simulates link loss and emits close.
func (f *FakeTransport) Drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.emit(transport.EventClose, nil)
}

// GiveUp simulates a transport that stops reconnecting: the link is down,
// Connect may start it again, and stopped is emitted.
func (f *FakeTransport) GiveUp() {
	f.mu.Lock()
	f.connected = false
	f.started = false
	f.mu.Unlock()
	f.emit(transport.EventStopped, nil)
}

// Deliver emits a message event carrying data.
func (f *FakeTransport) Deliver(data []byte) {
	f.emit(transport.EventMessage, data)
}

// DeliverJSON marshals v and delivers it.
func (f *FakeTransport) DeliverJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.Deliver(data)
	return nil
}

// Sent returns the frames written so far.
func (f *FakeTransport) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentJSON decodes every written frame into a generic map.
func (f *FakeTransport) SentJSON() []map[string]any {
	frames := f.Sent()
	out := make([]map[string]any, 0, len(frames))
	for _, fr := range frames {
		var m map[string]any
		if err := json.Unmarshal(fr, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// ResetSent forgets recorded frames.
func (f *FakeTransport) ResetSent() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

// Connects returns how many times Connect started the transport.
func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns how many times Disconnect stopped the transport.
func (f *FakeTransport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *FakeTransport) emit(ev transport.Event, data []byte) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[ev]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}
