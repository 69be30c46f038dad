// Package dispatcher routes decoded inbound messages to every listener whose
// selector partially matches them.
package dispatcher

import (
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-dcrf/pkg/selector"
)

// ListenerID identifies a registered listener. IDs are unique within one
// Dispatcher and never reused; the zero value is never issued.
type ListenerID uint64

// Handler receives a message that matched the listener's selector.
type Handler func(msg any)

type listener struct {
	id       ListenerID
	selector selector.Pattern
	handler  Handler
	once     bool
}

// Dispatcher holds listeners in registration order.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.Mutex
	nextID    ListenerID
	listeners []*listener
	index     map[ListenerID]*listener
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for debug tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default(),
		index:  make(map[ListenerID]*listener),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Listen registers a standing listener and returns its ID.
func (d *Dispatcher) Listen(sel selector.Pattern, h Handler) ListenerID {
	return d.add(sel, h, false)
}

// Once registers a listener that is removed on its first match. The removal
// happens before h runs, so h may register a replacement and is never
// invoked twice.
func (d *Dispatcher) Once(sel selector.Pattern, h Handler) ListenerID {
	return d.add(sel, h, true)
}

func (d *Dispatcher) add(sel selector.Pattern, h Handler, once bool) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	l := &listener{id: d.nextID, selector: sel, handler: h, once: once}
	d.listeners = append(d.listeners, l)
	d.index[l.id] = l
	return l.id
}

// Cancel removes the listener. It reports whether the listener was
// registered; a second Cancel of the same ID returns false.
func (d *Dispatcher) Cancel(id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.index[id]
	if !ok {
		return false
	}
	delete(d.index, id)
	for i, cur := range d.listeners {
		if cur == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			break
		}
	}
	return true
}

// Dispatch invokes every listener whose selector matches msg, in
// registration order, and returns the number invoked.
//
// The listener list is snapshotted first: listeners added or canceled by a
// handler do not change which listeners this pass visits. The one exception
// is a Once listener, which is only invoked if this pass is the one that
// removes it. Handler panics are not recovered here.
func (d *Dispatcher) Dispatch(msg any) int {
	d.mu.Lock()
	snapshot := make([]*listener, len(d.listeners))
	copy(snapshot, d.listeners)
	d.mu.Unlock()

	matched := 0
	for _, l := range snapshot {
		if !selector.Match(l.selector, msg) {
			continue
		}
		if l.once && !d.Cancel(l.id) {
			continue
		}
		matched++
		l.handler(msg)
	}
	if matched == 0 {
		d.logger.Debug("dispatcher: message matched no listener", "listeners", len(snapshot))
	}
	return matched
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Has reports whether id is currently registered.
func (d *Dispatcher) Has(id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[id]
	return ok
}
