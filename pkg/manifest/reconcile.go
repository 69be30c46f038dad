package manifest

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/lightforgemedia/go-dcrf/pkg/client"
)

// Subscriber is the part of *client.Client the Reconciler needs.
type Subscriber interface {
	Subscribe(stream string, pkOrArgs any, cb func(data any, action string), opts ...client.SubscribeOption) (*client.Subscription, error)
}

// EventFunc receives events for the manifest entry named name.
type EventFunc func(name string, data any, action string)

// Result describes what one Apply changed.
type Result struct {
	Added   []string
	Removed []string
	Kept    []string
	Failed  map[string]error
}

type active struct {
	fingerprint string
	sub         *client.Subscription
}

// Reconciler keeps one subscription per manifest entry.
type Reconciler struct {
	subscriber Subscriber
	onEvent    EventFunc
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]active
}

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReconciler creates a Reconciler subscribing through s. onEvent may be
// nil.
func NewReconciler(s Subscriber, onEvent EventFunc, opts ...Option) *Reconciler {
	r := &Reconciler{
		subscriber: s,
		onEvent:    onEvent,
		logger:     slog.Default(),
		active:     make(map[string]active),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply cancels subscriptions whose entry disappeared or changed and
// subscribes new or changed entries. An entry that fails to subscribe is
// reported in Result.Failed and retried on the next Apply.
func (r *Reconciler) Apply(m *Manifest) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{Failed: map[string]error{}}
	wanted := make(map[string]Entry, len(m.Subscriptions))
	for _, e := range m.Subscriptions {
		wanted[e.Name] = e
	}

	for _, name := range sortedKeys(r.active) {
		cur := r.active[name]
		if e, ok := wanted[name]; ok && e.fingerprint() == cur.fingerprint {
			continue
		}
		cur.sub.Cancel()
		delete(r.active, name)
		res.Removed = append(res.Removed, name)
	}

	for _, e := range m.Subscriptions {
		if _, ok := r.active[e.Name]; ok {
			res.Kept = append(res.Kept, e.Name)
			continue
		}
		name := e.Name
		sub, err := r.subscriber.Subscribe(e.Stream, e.Target(), func(data any, action string) {
			if r.onEvent != nil {
				r.onEvent(name, data, action)
			}
		}, e.Options()...)
		if err != nil {
			r.logger.Warn("manifest: subscribe failed", "name", name, "stream", e.Stream, "error", err)
			res.Failed[name] = err
			continue
		}
		r.active[name] = active{fingerprint: e.fingerprint(), sub: sub}
		res.Added = append(res.Added, name)
	}

	r.logger.Info("manifest: applied", "added", len(res.Added), "removed", len(res.Removed), "kept", len(res.Kept), "failed", len(res.Failed))
	return res
}

// Active returns the names of the live subscriptions, sorted.
func (r *Reconciler) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.active)
}

// Subscription returns the live subscription for name.
func (r *Reconciler) Subscription(name string) (*client.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[name]
	return a.sub, ok
}

// Clear cancels every subscription.
func (r *Reconciler) Clear() {
	r.Apply(&Manifest{})
}

func sortedKeys(m map[string]active) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
