// Package dcrftest runs an in-process server speaking the DCRF multiplexed
// websocket protocol. It serves two model streams, things keyed by "pk" and
// things_with_id keyed by "id", with list/create/retrieve/update/patch/delete
// and instance observers keyed by request ID.
package dcrftest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 64
)

// Default streams and their primary-key fields.
const (
	StreamThings       = "things"
	StreamThingsWithID = "things_with_id"
)

type serverConfig struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	sendBuffer   int
	streams      map[string]string
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.config.logger = logger
		}
	}
}

// WithStream adds a model stream whose instances are keyed by pkField.
func WithStream(name, pkField string) Option {
	return func(s *Server) {
		s.config.streams[name] = pkField
	}
}

// WithWriteTimeout bounds each write to a connection.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.config.writeTimeout = timeout
		}
	}
}

type observerKey struct {
	stream string
	pk     int
}

// Server is a DCRF-compatible websocket server backed by in-memory stores.
type Server struct {
	config serverConfig

	HTTP *httptest.Server
	// URL is the ws:// address of the server.
	URL string

	mu        sync.Mutex
	stores    map[string]*store
	observers map[observerKey]map[*managedConn]map[string]struct{}
	conns     map[*managedConn]struct{}
	frames    []envelope.Envelope
	accepted  int
}

// New starts a Server and closes it when t finishes.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := NewServer(opts...)
	t.Cleanup(s.Close)
	return s
}

// NewServer starts a Server. Callers must Close it.
func NewServer(opts ...Option) *Server {
	s := NewUnstarted(opts...)
	s.HTTP = httptest.NewServer(s.UpgradeHandler())
	s.URL = "ws" + strings.TrimPrefix(s.HTTP.URL, "http")
	return s
}

// NewUnstarted builds a Server without a listener, for mounting
// UpgradeHandler on a caller-owned http.Server. HTTP and URL stay empty.
func NewUnstarted(opts ...Option) *Server {
	s := &Server{
		config: serverConfig{
			logger:       slog.Default(),
			writeTimeout: defaultWriteTimeout,
			sendBuffer:   defaultSendBuffer,
			streams: map[string]string{
				StreamThings:       "pk",
				StreamThingsWithID: "id",
			},
		},
		stores:    make(map[string]*store),
		observers: make(map[observerKey]map[*managedConn]map[string]struct{}),
		conns:     make(map[*managedConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for name, pkField := range s.config.streams {
		s.stores[name] = newStore(pkField)
	}
	return s
}

// UpgradeHandler returns an http.HandlerFunc serving the protocol.
func (s *Server) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.config.logger.Info("dcrftest: failed to accept websocket connection", "error", err)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		mc := &managedConn{
			ws:     ws,
			server: s,
			send:   make(chan envelope.Envelope, s.config.sendBuffer),
			ctx:    ctx,
			cancel: cancel,
		}

		s.mu.Lock()
		s.conns[mc] = struct{}{}
		s.accepted++
		s.mu.Unlock()
		s.config.logger.Debug("dcrftest: connection accepted", "remote", r.RemoteAddr)

		go mc.writePump()
		mc.readPump()
	}
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	if s.HTTP != nil {
		s.HTTP.Close()
	}
}

// DropConnections closes every live connection with StatusGoingAway. The
// listener stays up so clients can reconnect. Observers registered on the
// dropped connections are forgotten.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*managedConn, 0, len(s.conns))
	for mc := range s.conns {
		conns = append(conns, mc)
	}
	s.mu.Unlock()
	for _, mc := range conns {
		mc.ws.Close(websocket.StatusGoingAway, "server dropping connections")
		s.removeConn(mc)
	}
}

func (s *Server) removeConn(mc *managedConn) {
	mc.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[mc]; !ok {
		return
	}
	delete(s.conns, mc)
	for key, byConn := range s.observers {
		delete(byConn, mc)
		if len(byConn) == 0 {
			delete(s.observers, key)
		}
	}
}

// Frames returns every frame received so far, in arrival order.
func (s *Server) Frames() []envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envelope.Envelope(nil), s.frames...)
}

// FramesWithAction returns the received frames whose payload action is
// action.
func (s *Server) FramesWithAction(action string) []envelope.Envelope {
	var out []envelope.Envelope
	for _, f := range s.Frames() {
		if envelope.Action(f.Payload) == action {
			out = append(out, f)
		}
	}
	return out
}

// Accepted returns how many connections have been accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Observers returns how many request IDs observe instance pk on stream.
func (s *Server) Observers(stream string, pk int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ids := range s.observers[observerKey{stream, pk}] {
		n += len(ids)
	}
	return n
}

// Seed creates an instance directly, without notifying observers.
func (s *Server) Seed(stream string, data map[string]any) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[stream]
	if !ok {
		return nil, fmt.Errorf("dcrftest: unknown stream '%s'", stream)
	}
	item, errs := st.create(data)
	if errs != nil {
		return nil, fmt.Errorf("dcrftest: invalid instance: %v", errs)
	}
	return item, nil
}

// Save patches instance pk as another process would, notifying observers.
func (s *Server) Save(stream string, pk int, data map[string]any) error {
	s.mu.Lock()
	st, ok := s.stores[stream]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("dcrftest: unknown stream '%s'", stream)
	}
	item, _, found := st.update(pk, data, true)
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("dcrftest: %s %d not found", stream, pk)
	}
	out := s.notify(stream, pk, envelope.ActionUpdate, item)
	s.mu.Unlock()
	deliver(out)
	return nil
}

// Remove deletes instance pk as another process would, notifying observers.
func (s *Server) Remove(stream string, pk int) error {
	s.mu.Lock()
	st, ok := s.stores[stream]
	if !ok || !st.delete(pk) {
		s.mu.Unlock()
		return fmt.Errorf("dcrftest: %s %d not found", stream, pk)
	}
	out := s.notify(stream, pk, envelope.ActionDelete, Item{"pk": pk})
	s.mu.Unlock()
	deliver(out)
	return nil
}

type outbound struct {
	conn  *managedConn
	frame envelope.Envelope
}

func deliver(out []outbound) {
	for _, o := range out {
		o.conn.trySend(o.frame)
	}
}

// notify builds one event per observing request ID. Must hold s.mu.
func (s *Server) notify(stream string, pk int, action string, data any) []outbound {
	var out []outbound
	for mc, ids := range s.observers[observerKey{stream, pk}] {
		for id := range ids {
			out = append(out, outbound{mc, envelope.New(stream, response(action, id, http.StatusOK, data, nil))})
		}
	}
	return out
}

func response(action, requestID string, status int, data any, errs any) envelope.Payload {
	if errs == nil {
		errs = []any{}
	}
	return envelope.Payload{
		envelope.FieldErrors:         errs,
		envelope.FieldData:           data,
		envelope.FieldAction:         action,
		envelope.FieldResponseStatus: status,
		envelope.FieldRequestID:      requestID,
	}
}

func (s *Server) handle(mc *managedConn, env envelope.Envelope) {
	s.mu.Lock()
	s.frames = append(s.frames, env)
	st, ok := s.stores[env.Stream]
	if !ok {
		s.mu.Unlock()
		s.config.logger.Warn("dcrftest: invalid multiplexed frame received (stream not mapped)", "stream", env.Stream)
		return
	}
	resp, events := s.apply(mc, st, env.Stream, env.Payload)
	s.mu.Unlock()

	mc.trySend(envelope.New(env.Stream, resp))
	deliver(events)
}

// apply runs one request against st. Must hold s.mu.
func (s *Server) apply(mc *managedConn, st *store, stream string, p envelope.Payload) (envelope.Payload, []outbound) {
	action := envelope.Action(p)
	rid := envelope.RequestID(p)
	data, _ := p[envelope.FieldData].(map[string]any)
	notFound := response(action, rid, http.StatusNotFound, nil, []any{"Not found."})

	needsPK := action != envelope.ActionList && action != envelope.ActionCreate
	var pk int
	if needsPK && action != envelope.ActionUnsubscribe {
		var err error
		if pk, err = parsePK(p[envelope.FieldPK]); err != nil {
			return notFound, nil
		}
	}

	switch action {
	case envelope.ActionList:
		return response(action, rid, http.StatusOK, st.list(), nil), nil

	case envelope.ActionCreate:
		item, errs := st.create(data)
		if errs != nil {
			return response(action, rid, http.StatusBadRequest, nil, errs), nil
		}
		return response(action, rid, http.StatusCreated, item, nil), nil

	case envelope.ActionRetrieve:
		item, ok := st.get(pk)
		if !ok {
			return notFound, nil
		}
		return response(action, rid, http.StatusOK, item, nil), nil

	case envelope.ActionUpdate, envelope.ActionPatch:
		item, errs, ok := st.update(pk, data, action == envelope.ActionPatch)
		if !ok {
			return notFound, nil
		}
		if errs != nil {
			return response(action, rid, http.StatusBadRequest, nil, errs), nil
		}
		return response(action, rid, http.StatusOK, item, nil), s.notify(stream, pk, envelope.ActionUpdate, item)

	case envelope.ActionDelete:
		if !st.delete(pk) {
			return notFound, nil
		}
		events := s.notify(stream, pk, envelope.ActionDelete, Item{"pk": pk})
		delete(s.observers, observerKey{stream, pk})
		return response(action, rid, http.StatusNoContent, nil, nil), events

	case envelope.ActionSubscribe:
		if _, ok := st.get(pk); !ok {
			return notFound, nil
		}
		key := observerKey{stream, pk}
		if s.observers[key] == nil {
			s.observers[key] = make(map[*managedConn]map[string]struct{})
		}
		if s.observers[key][mc] == nil {
			s.observers[key][mc] = make(map[string]struct{})
		}
		s.observers[key][mc][rid] = struct{}{}
		return response(action, rid, http.StatusCreated, nil, nil), nil

	case envelope.ActionUnsubscribe:
		for key, byConn := range s.observers {
			delete(byConn[mc], rid)
			if len(byConn[mc]) == 0 {
				delete(byConn, mc)
			}
			if len(byConn) == 0 {
				delete(s.observers, key)
			}
		}
		return response(action, rid, http.StatusNoContent, nil, nil), nil
	}

	msg := fmt.Sprintf("Method %q not allowed.", action)
	return response(action, rid, http.StatusMethodNotAllowed, nil, []any{msg}), nil
}

type managedConn struct {
	ws     *websocket.Conn
	server *Server
	send   chan envelope.Envelope
	ctx    context.Context
	cancel context.CancelFunc
}

func (mc *managedConn) readPump() {
	defer mc.server.removeConn(mc)
	logger := mc.server.config.logger
	for {
		var env envelope.Envelope
		if err := wsjson.Read(mc.ctx, mc.ws, &env); err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Debug("dcrftest: connection closed", "error", err)
			} else {
				logger.Info("dcrftest: read error", "error", err, "status", status)
			}
			return
		}
		if env.Payload == nil {
			env.Payload = envelope.Payload{}
		}
		mc.server.handle(mc, env)
	}
}

func (mc *managedConn) trySend(env envelope.Envelope) {
	select {
	case mc.send <- env:
	case <-mc.ctx.Done():
	default:
		mc.server.config.logger.Warn("dcrftest: send buffer full, dropping frame", "stream", env.Stream, "action", envelope.Action(env.Payload))
	}
}

func (mc *managedConn) writePump() {
	for {
		select {
		case env := <-mc.send:
			ctx, cancel := context.WithTimeout(mc.ctx, mc.server.config.writeTimeout)
			err := wsjson.Write(ctx, mc.ws, env)
			cancel()
			if err != nil {
				mc.server.config.logger.Info("dcrftest: write error, closing connection", "error", err)
				mc.ws.CloseNow()
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}
