package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-dcrf/pkg/client"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/lightforgemedia/go-dcrf/pkg/metrics"
	"github.com/lightforgemedia/go-dcrf/pkg/sendqueue"
	"github.com/lightforgemedia/go-dcrf/pkg/testutil"
	"github.com/lightforgemedia/go-dcrf/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, opts ...client.Option) (*client.Client, *testutil.FakeTransport) {
	t.Helper()
	ft := testutil.NewFakeTransport()
	ft.AutoOpen = true
	base := []client.Option{
		client.WithLogger(testutil.DefaultLogger),
		client.WithDefaultRequestTimeout(2 * time.Second),
	}
	cli := client.New(ft, append(base, opts...)...)
	require.NoError(t, cli.Initialize())
	t.Cleanup(func() { _ = cli.Close(context.Background(), false) })
	return cli, ft
}

func respond(t *testing.T, ft *testutil.FakeTransport, stream string, payload map[string]any) {
	t.Helper()
	require.NoError(t, ft.DeliverJSON(map[string]any{"stream": stream, "payload": payload}))
}

// payloads returns the stream and payload of every frame written so far.
func payloads(t *testing.T, ft *testutil.FakeTransport) ([]string, []map[string]any) {
	t.Helper()
	var streams []string
	var out []map[string]any
	for _, f := range ft.SentJSON() {
		s, _ := f["stream"].(string)
		p, ok := f["payload"].(map[string]any)
		require.True(t, ok, "frame without payload: %v", f)
		streams = append(streams, s)
		out = append(out, p)
	}
	return streams, out
}

func lastPayload(t *testing.T, ft *testutil.FakeTransport) map[string]any {
	t.Helper()
	_, ps := payloads(t, ft)
	require.NotEmpty(t, ps)
	return ps[len(ps)-1]
}

func actions(ps []map[string]any) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		a, _ := p["action"].(string)
		out = append(out, a)
	}
	return out
}

func TestSendRequestResolvesWithData(t *testing.T) {
	cli, ft := newTestClient(t)

	p := cli.SendRequest("things", envelope.Payload{"action": "create", "data": map[string]any{"name": "unique"}})
	require.NotEmpty(t, p.RequestID())

	streams, ps := payloads(t, ft)
	require.Len(t, ps, 1)
	assert.Equal(t, "things", streams[0])
	assert.Equal(t, p.RequestID(), ps[0]["request_id"])
	assert.Equal(t, "create", ps[0]["action"])

	_, err := p.Result()
	assert.ErrorIs(t, err, client.ErrNotSettled)

	respond(t, ft, "things", map[string]any{
		"action":          "create",
		"request_id":      p.RequestID(),
		"response_status": 201,
		"data":            map[string]any{"pk": 1, "name": "unique"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pk": float64(1), "name": "unique"}, data)
}

func TestSendRequestRejectsWithResponseError(t *testing.T) {
	cli, ft := newTestClient(t)

	p := cli.SendRequest("things", envelope.Payload{"action": "create", "data": map[string]any{}})
	respond(t, ft, "things", map[string]any{
		"action":          "create",
		"request_id":      p.RequestID(),
		"response_status": 400,
		"errors":          []any{"name is required"},
	})

	<-p.Done()
	_, err := p.Result()
	var respErr *client.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, 400, respErr.Status)
	assert.Equal(t, []any{"name is required"}, respErr.Errors())
	assert.Equal(t, p.RequestID(), respErr.Payload["request_id"])
	assert.Contains(t, err.Error(), "name is required")
}

func TestResponsesMatchOnlyTheirRequest(t *testing.T) {
	cli, ft := newTestClient(t)

	a := cli.SendRequest("things", envelope.Payload{"action": "list"})
	b := cli.SendRequest("things", envelope.Payload{"action": "list"})

	respond(t, ft, "other_stream", map[string]any{"request_id": a.RequestID(), "response_status": 200})
	respond(t, ft, "things", map[string]any{"request_id": b.RequestID(), "response_status": 200, "data": "b"})

	select {
	case <-a.Done():
		t.Fatal("request settled by a frame on another stream")
	default:
	}
	data, err := b.Result()
	require.NoError(t, err)
	assert.Equal(t, "b", data)
}

func TestRequestAbandonedWhenContextEnds(t *testing.T) {
	cli, ft := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := cli.Request(ctx, "things", envelope.Payload{"action": "list"}, client.WithRequestID("late"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late response finds no listener.
	respond(t, ft, "things", map[string]any{"request_id": "late", "response_status": 200})
}

func TestRequestBufferedUntilConnected(t *testing.T) {
	ft := testutil.NewFakeTransport()
	cli := client.New(ft, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, cli.Initialize())
	defer cli.Close(context.Background(), false)
	assert.Equal(t, client.StateConnecting, cli.State())

	p := cli.SendRequest("things", envelope.Payload{"action": "list"})
	assert.Empty(t, ft.Sent())
	assert.Equal(t, 1, cli.QueueLen())

	ft.Open()
	assert.Equal(t, client.StateConnected, cli.State())
	assert.Equal(t, 0, cli.QueueLen())
	assert.Equal(t, p.RequestID(), lastPayload(t, ft)["request_id"])
}

func TestBoundedQueueRejectsOverflow(t *testing.T) {
	ft := testutil.NewFakeTransport()
	cli := client.New(ft, client.WithLogger(testutil.DefaultLogger), client.WithMaxQueued(1))
	require.NoError(t, cli.Initialize())
	defer cli.Close(context.Background(), false)

	first := cli.SendRequest("things", envelope.Payload{"action": "list"})
	second := cli.SendRequest("things", envelope.Payload{"action": "list"})

	select {
	case <-first.Done():
		t.Fatal("buffered request settled early")
	default:
	}
	<-second.Done()
	_, err := second.Result()
	assert.ErrorIs(t, err, sendqueue.ErrQueueFull)
}

func TestSendFailureSettlesPending(t *testing.T) {
	cli, ft := newTestClient(t)
	ft.FailSends(errors.New("boom"))

	p := cli.SendRequest("things", envelope.Payload{"action": "list"})
	<-p.Done()
	_, err := p.Result()
	assert.ErrorContains(t, err, "boom")
	assert.False(t, p.Cancel(), "listener already removed")
}

func TestPendingCancel(t *testing.T) {
	cli, ft := newTestClient(t)

	p := cli.SendRequest("things", envelope.Payload{"action": "list"})
	assert.True(t, p.Cancel())
	assert.False(t, p.Cancel())

	respond(t, ft, "things", map[string]any{"request_id": p.RequestID(), "response_status": 200, "data": 1})
	_, err := p.Result()
	assert.ErrorIs(t, err, client.ErrCanceled)
}

// roundTrip runs call in the background, answers the frame it writes with
// status 200 echoing the request payload as data, and returns the request
// payload together with call's result.
func roundTrip(t *testing.T, ft *testutil.FakeTransport, call func() (any, error)) (map[string]any, any) {
	t.Helper()
	before := len(ft.Sent())
	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := call()
		done <- result{data, err}
	}()

	testutil.Eventually(t, "request frame", time.Second, func() bool { return len(ft.Sent()) > before })
	streams, ps := payloads(t, ft)
	req := ps[len(ps)-1]
	respond(t, ft, streams[len(streams)-1], map[string]any{
		"request_id":      req["request_id"],
		"action":          req["action"],
		"response_status": 200,
		"data":            req,
	})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		return req, r.data
	case <-time.After(time.Second):
		t.Fatal("request did not return")
		return nil, nil
	}
}

func TestCRUDHelpers(t *testing.T) {
	cli, ft := newTestClient(t)
	ctx := context.Background()
	data := envelope.Payload{"name": "thing"}

	tests := []struct {
		name   string
		call   func() (any, error)
		action string
		pk     any
		data   any
	}{
		{"list", func() (any, error) { return cli.List(ctx, "things", nil) }, "list", nil, map[string]any{}},
		{"create", func() (any, error) { return cli.Create(ctx, "things", data) }, "create", nil, map[string]any{"name": "thing"}},
		{"retrieve", func() (any, error) { return cli.Retrieve(ctx, "things", 7, nil) }, "retrieve", float64(7), nil},
		{"update", func() (any, error) { return cli.Update(ctx, "things", 7, data) }, "update", float64(7), map[string]any{"name": "thing"}},
		{"patch", func() (any, error) { return cli.Patch(ctx, "things", 7, data) }, "patch", float64(7), map[string]any{"name": "thing"}},
		{"delete", func() (any, error) { return cli.Delete(ctx, "things", 7, nil) }, "delete", float64(7), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, resp := roundTrip(t, ft, tt.call)
			assert.Equal(t, tt.action, req["action"])
			assert.Equal(t, tt.pk, req["pk"])
			assert.Equal(t, tt.data, req["data"])
			assert.Equal(t, req, resp)
		})
	}
}

func TestGenericRequest(t *testing.T) {
	cli, ft := newTestClient(t)

	type thing struct {
		Action string `json:"action"`
		PK     int    `json:"pk"`
	}
	_, resp := roundTrip(t, ft, func() (any, error) {
		return client.GenericRequest[thing](context.Background(), cli, "things", envelope.Payload{"action": "retrieve", "pk": 3})
	})
	got, ok := resp.(*thing)
	require.True(t, ok)
	assert.Equal(t, thing{Action: "retrieve", PK: 3}, *got)
}

func TestStreamingRequest(t *testing.T) {
	cli, ft := newTestClient(t)

	_, err := cli.StreamingRequest("things", envelope.Payload{"action": "list"}, nil)
	assert.ErrorIs(t, err, client.ErrNilCallback)

	var mu sync.Mutex
	var got []any
	var gotErr error
	s, err := cli.StreamingRequest("things", envelope.Payload{"action": "list"}, func(data any, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			gotErr = err
			return
		}
		got = append(got, data)
	})
	require.NoError(t, err)
	assert.Equal(t, s.RequestID(), lastPayload(t, ft)["request_id"])

	respond(t, ft, "things", map[string]any{"request_id": s.RequestID(), "response_status": 200, "data": "one"})
	respond(t, ft, "things", map[string]any{"request_id": s.RequestID(), "response_status": 200, "data": "two"})
	assert.True(t, s.Active())

	respond(t, ft, "things", map[string]any{"request_id": s.RequestID(), "response_status": 404})
	assert.False(t, s.Active(), "error response cancels the stream")

	respond(t, ft, "things", map[string]any{"request_id": s.RequestID(), "response_status": 200, "data": "three"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"one", "two"}, got)
	var respErr *client.ResponseError
	require.ErrorAs(t, gotErr, &respErr)
	assert.Equal(t, 404, respErr.Status)
	assert.False(t, s.Cancel())
}

type event struct {
	data   any
	action string
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) record(data any, action string) {
	r.mu.Lock()
	r.events = append(r.events, event{data, action})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func deliverEvent(t *testing.T, ft *testutil.FakeTransport, stream, requestID, action string, data any) {
	t.Helper()
	respond(t, ft, stream, map[string]any{
		"action":          action,
		"request_id":      requestID,
		"response_status": 200,
		"data":            data,
	})
}

func TestSubscribe(t *testing.T) {
	cli, ft := newTestClient(t)

	_, err := cli.Subscribe("things", 1, nil)
	assert.ErrorIs(t, err, client.ErrNilCallback)

	rec := &recorder{}
	sub, err := cli.Subscribe("things", 1, rec.record)
	require.NoError(t, err)
	assert.True(t, sub.Active())
	assert.Equal(t, 1, cli.Subscriptions())

	req := lastPayload(t, ft)
	assert.Equal(t, "subscribe_instance", req["action"])
	assert.Equal(t, float64(1), req["pk"])
	assert.Equal(t, sub.RequestID(), req["request_id"])

	respond(t, ft, "things", map[string]any{"action": "subscribe_instance", "request_id": sub.RequestID(), "response_status": 201})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sub.Ack(ctx)
	require.NoError(t, err)

	deliverEvent(t, ft, "things", sub.RequestID(), "create", map[string]any{"pk": 1})
	deliverEvent(t, ft, "things", sub.RequestID(), "update", map[string]any{"pk": 1, "name": "new"})
	deliverEvent(t, ft, "things", "someone-else", "update", map[string]any{"pk": 2})
	deliverEvent(t, ft, "things", sub.RequestID(), "delete", map[string]any{"pk": 1})

	assert.Equal(t, []event{
		{map[string]any{"pk": float64(1), "name": "new"}, "update"},
		{map[string]any{"pk": float64(1)}, "delete"},
	}, rec.snapshot())
}

func TestSubscribeOptions(t *testing.T) {
	cli, ft := newTestClient(t)

	rec := &recorder{}
	sub, err := cli.Subscribe("things", map[string]any{"name": "x"}, rec.record,
		client.WithSubscribeRequestID("sub-1"),
		client.WithSubscribeActions("subscribe_to_things", "unsubscribe_from_things"),
		client.WithCreateEvents(true),
		client.WithDeleteEvents(false),
	)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.RequestID())
	assert.Equal(t, map[string]any{"action": "subscribe_to_things", "name": "x", "request_id": "sub-1"}, lastPayload(t, ft))

	deliverEvent(t, ft, "things", "sub-1", "create", "c")
	deliverEvent(t, ft, "things", "sub-1", "update", "u")
	deliverEvent(t, ft, "things", "sub-1", "delete", "d")
	assert.Equal(t, []event{{"c", "create"}, {"u", "update"}}, rec.snapshot())

	assert.True(t, sub.Cancel())
	assert.Equal(t, "unsubscribe_from_things", lastPayload(t, ft)["action"])
}

func TestDeleteEventPKNormalization(t *testing.T) {
	tests := []struct {
		name string
		opts []client.Option
		want any
	}{
		{"renamed to configured field", []client.Option{client.WithPKField("id")}, map[string]any{"id": float64(5)}},
		{"kept when disabled", []client.Option{client.WithPKField("id"), client.WithEnsurePKFieldInDeleteEvents(false)}, map[string]any{"pk": float64(5)}},
		{"kept for default field", nil, map[string]any{"pk": float64(5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, ft := newTestClient(t, tt.opts...)
			rec := &recorder{}
			sub, err := cli.Subscribe("things_with_id", 5, rec.record)
			require.NoError(t, err)

			deliverEvent(t, ft, "things_with_id", sub.RequestID(), "delete", map[string]any{"pk": 5})
			assert.Equal(t, []event{{tt.want, "delete"}}, rec.snapshot())
		})
	}
}

func TestSubscriptionCancel(t *testing.T) {
	cli, ft := newTestClient(t)

	rec := &recorder{}
	sub, err := cli.Subscribe("things", 1, rec.record)
	require.NoError(t, err)

	assert.True(t, sub.Cancel())
	assert.False(t, sub.Active())
	assert.False(t, sub.Cancel())
	assert.Equal(t, 0, cli.Subscriptions())

	unsub := lastPayload(t, ft)
	assert.Equal(t, "unsubscribe_instance", unsub["action"])
	assert.Equal(t, sub.RequestID(), unsub["request_id"])
	assert.Equal(t, float64(1), unsub["pk"])

	deliverEvent(t, ft, "things", sub.RequestID(), "update", map[string]any{"pk": 1})
	assert.Empty(t, rec.snapshot())
}

func TestSubscriptionCanceledMidDispatchIsSkipped(t *testing.T) {
	cli, ft := newTestClient(t)

	var second *client.Subscription
	first := &recorder{}
	_, err := cli.Subscribe("things", 1, func(data any, action string) {
		first.record(data, action)
		second.Cancel()
	}, client.WithSubscribeRequestID("shared"))
	require.NoError(t, err)

	rec := &recorder{}
	second, err = cli.Subscribe("things", 1, rec.record, client.WithSubscribeRequestID("shared"))
	require.NoError(t, err)

	deliverEvent(t, ft, "things", "shared", "update", map[string]any{"pk": 1})
	assert.Len(t, first.snapshot(), 1)
	assert.Empty(t, rec.snapshot())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	cli, ft := newTestClient(t)

	_, err := cli.Subscribe("things", 1, func(any, string) { panic("bad callback") },
		client.WithSubscribeRequestID("shared"))
	require.NoError(t, err)
	rec := &recorder{}
	_, err = cli.Subscribe("things", 1, rec.record, client.WithSubscribeRequestID("shared"))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		deliverEvent(t, ft, "things", "shared", "update", "x")
	})
	assert.Equal(t, []event{{"x", "update"}}, rec.snapshot())
}

func TestReconnectResubscribesBeforeFlush(t *testing.T) {
	cli, ft := newTestClient(t)
	noop := func(any, string) {}

	_, err := cli.Subscribe("things", 1, noop, client.WithSubscribeRequestID("a"))
	require.NoError(t, err)
	_, err = cli.Subscribe("things", 2, noop, client.WithSubscribeRequestID("b"))
	require.NoError(t, err)
	_, err = cli.Subscribe("things", 1, noop, client.WithSubscribeRequestID("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, cli.Subscriptions())

	ft.ResetSent()
	ft.Drop()
	assert.Equal(t, client.StateReconnecting, cli.State())

	queued := cli.SendRequest("things", envelope.Payload{"action": "list"})
	assert.Empty(t, ft.Sent())

	ft.Open()
	assert.Equal(t, client.StateConnected, cli.State())

	_, ps := payloads(t, ft)
	require.Len(t, ps, 3)
	assert.Equal(t, []string{"subscribe_instance", "subscribe_instance", "list"}, actions(ps))
	assert.Equal(t, "a", ps[0]["request_id"])
	assert.Equal(t, "b", ps[1]["request_id"])
	assert.Equal(t, queued.RequestID(), ps[2]["request_id"])
}

func TestUnsubscribeAll(t *testing.T) {
	cli, ft := newTestClient(t)

	rec := &recorder{}
	a, err := cli.Subscribe("things", 1, rec.record, client.WithSubscribeRequestID("a"))
	require.NoError(t, err)
	_, err = cli.Subscribe("things", 1, rec.record, client.WithSubscribeRequestID("a"))
	require.NoError(t, err)
	b, err := cli.Subscribe("things", 2, rec.record, client.WithSubscribeRequestID("b"))
	require.NoError(t, err)
	ft.ResetSent()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := cli.UnsubscribeAll(context.Background())
		done <- result{n, err}
	}()

	testutil.Eventually(t, "unsubscribe frames", time.Second, func() bool { return len(ft.Sent()) == 2 })
	_, ps := payloads(t, ft)
	assert.Equal(t, []string{"unsubscribe_instance", "unsubscribe_instance"}, actions(ps))
	assert.False(t, a.Active())
	assert.False(t, b.Active())

	respond(t, ft, "things", map[string]any{"request_id": "a", "response_status": 204})
	respond(t, ft, "things", map[string]any{"request_id": "b", "response_status": 404})

	select {
	case r := <-done:
		require.NoError(t, r.err, "rejected unsubscribes are swallowed")
		assert.Equal(t, 6, r.n)
	case <-time.After(time.Second):
		t.Fatal("UnsubscribeAll did not return")
	}

	deliverEvent(t, ft, "things", "a", "update", "late")
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 0, cli.Subscriptions())
}

func TestUnsubscribeAllContextEnds(t *testing.T) {
	cli, _ := newTestClient(t)
	_, err := cli.Subscribe("things", 1, func(any, string) {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := cli.UnsubscribeAll(ctx)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWithUnsubscribe(t *testing.T) {
	cli, ft := newTestClient(t)
	sub, err := cli.Subscribe("things", 1, func(any, string) {})
	require.NoError(t, err)
	ft.ResetSent()

	done := make(chan error, 1)
	go func() { done <- cli.Close(context.Background(), true) }()

	testutil.Eventually(t, "unsubscribe frame", time.Second, func() bool { return len(ft.Sent()) == 1 })
	respond(t, ft, "things", map[string]any{"request_id": sub.RequestID(), "response_status": 200})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, client.StateDisconnected, cli.State())
	assert.Equal(t, 1, ft.Disconnects())
	assert.True(t, cli.Closed())

	assert.ErrorIs(t, cli.Close(context.Background(), false), client.ErrClosed)
	_, err = cli.Subscribe("things", 1, func(any, string) {})
	assert.ErrorIs(t, err, client.ErrClosed)
	_, err = cli.Request(context.Background(), "things", envelope.Payload{"action": "list"})
	assert.ErrorIs(t, err, client.ErrClosed)
	_, err = cli.SendRequest("things", nil).Result()
	assert.ErrorIs(t, err, client.ErrClosed)
	assert.ErrorIs(t, cli.Initialize(), client.ErrClosed)
}

func TestCanceledSubscriptionSendsNothingAfterClose(t *testing.T) {
	cli, ft := newTestClient(t)
	sub, err := cli.Subscribe("things", 1, func(any, string) {})
	require.NoError(t, err)
	require.NoError(t, cli.Close(context.Background(), false))
	ft.ResetSent()

	assert.True(t, sub.Cancel())
	assert.Empty(t, ft.Sent())
}

func TestWatchState(t *testing.T) {
	ft := testutil.NewFakeTransport()
	cli := client.New(ft, client.WithLogger(testutil.DefaultLogger))
	states, stop := cli.WatchState()
	defer stop()

	require.NoError(t, cli.Initialize())
	require.NoError(t, cli.Initialize(), "Initialize is idempotent")
	assert.Equal(t, 1, ft.Connects())
	ft.Open()
	ft.Drop()
	ft.Open()
	require.NoError(t, cli.Close(context.Background(), false))

	want := []client.State{
		client.StateConnecting,
		client.StateConnected,
		client.StateReconnecting,
		client.StateConnected,
		client.StateDisconnected,
	}
	for _, w := range want {
		select {
		case got := <-states:
			assert.Equal(t, w, got)
		case <-time.After(time.Second):
			t.Fatalf("missing state %s", w)
		}
	}
}

func TestWaitForState(t *testing.T) {
	ft := testutil.NewFakeTransport()
	cli := client.New(ft, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, cli.Initialize())
	defer cli.Close(context.Background(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cli.WaitForState(ctx, client.StateConnected), context.DeadlineExceeded)

	go ft.Open()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, cli.WaitForState(ctx2, client.StateConnected))
}

func TestHooksAndBuilders(t *testing.T) {
	cli, ft := newTestClient(t,
		client.WithPayloadHook(func(p envelope.Payload) envelope.Payload {
			p["token"] = "secret"
			return p
		}),
		client.WithEnvelopeHook(func(e envelope.Envelope) envelope.Envelope {
			e.Stream = "prefixed_" + e.Stream
			return e
		}),
		client.WithBuilders(client.Builders{
			SubscribePayload: func(action string, args envelope.Payload, requestID string) envelope.Payload {
				p := client.DefaultSubscribePayload(action, args, requestID)
				p["include_related"] = true
				return p
			},
		}),
	)

	_, err := cli.Subscribe("things", 1, func(any, string) {})
	require.NoError(t, err)

	streams, ps := payloads(t, ft)
	require.Len(t, ps, 1)
	assert.Equal(t, "prefixed_things", streams[0])
	assert.Equal(t, "secret", ps[0]["token"])
	assert.Equal(t, true, ps[0]["include_related"])
}

type countingMetrics struct {
	*metrics.NopMetrics
	mu       sync.Mutex
	outcomes map[string]int
	panics   int
}

func (m *countingMetrics) RequestCompleted(outcome string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *countingMetrics) CallbackPanicked() {
	m.mu.Lock()
	m.panics++
	m.mu.Unlock()
}

func TestMetricsReceiveOutcomes(t *testing.T) {
	m := &countingMetrics{NopMetrics: metrics.NewNop(), outcomes: map[string]int{}}
	cli, ft := newTestClient(t, client.WithMetrics(m))

	ok := cli.SendRequest("things", envelope.Payload{"action": "list"})
	bad := cli.SendRequest("things", envelope.Payload{"action": "list"})
	gone := cli.SendRequest("things", envelope.Payload{"action": "list"})
	respond(t, ft, "things", map[string]any{"request_id": ok.RequestID(), "response_status": 200})
	respond(t, ft, "things", map[string]any{"request_id": bad.RequestID(), "response_status": 500})
	gone.Cancel()

	m.mu.Lock()
	assert.Equal(t, 1, m.outcomes[metrics.OutcomeSuccess])
	assert.Equal(t, 1, m.outcomes[metrics.OutcomeRejected])
	assert.Equal(t, 1, m.outcomes[metrics.OutcomeCanceled])
	m.mu.Unlock()

	_, err := cli.Subscribe("things", 1, func(any, string) { panic("x") }, client.WithSubscribeRequestID("p"))
	require.NoError(t, err)
	deliverEvent(t, ft, "things", "p", "update", nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.panics)
}

func TestNewWithOptions(t *testing.T) {
	_, err := client.NewWithOptions(nil, client.DefaultOptions())
	assert.Error(t, err)

	opts := client.DefaultOptions()
	opts.DefaultRequestTimeout = -time.Second
	_, err = client.NewWithOptions(testutil.NewFakeTransport(), opts)
	assert.Error(t, err)

	opts = client.DefaultOptions()
	opts.MaxQueued = -1
	_, err = client.NewWithOptions(testutil.NewFakeTransport(), opts)
	assert.Error(t, err)

	opts = client.DefaultOptions()
	opts.PKField = "id"
	opts.Logger = testutil.DefaultLogger
	ft := testutil.NewFakeTransport()
	ft.AutoOpen = true
	cli, err := client.NewWithOptions(ft, opts)
	require.NoError(t, err)
	require.NoError(t, cli.Initialize())
	defer cli.Close(context.Background(), false)

	rec := &recorder{}
	sub, err := cli.Subscribe("things_with_id", 9, rec.record)
	require.NoError(t, err)
	deliverEvent(t, ft, "things_with_id", sub.RequestID(), "delete", map[string]any{"pk": 9})
	assert.Equal(t, []event{{map[string]any{"id": float64(9)}, "delete"}}, rec.snapshot())
}

func TestSendFromOpenHandlerKeepsBufferedOrder(t *testing.T) {
	ft := testutil.NewFakeTransport()
	cli := client.New(ft, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, cli.Initialize())
	defer cli.Close(context.Background(), false)

	a := cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("A"))
	b := cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("B"))
	require.Equal(t, 2, cli.Queued())

	ft.On(transport.EventOpen, func([]byte) {
		cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("C"))
	})
	ft.Open()

	assert.Equal(t, client.StateConnected, cli.State())
	assert.Equal(t, 0, cli.Queued())
	_, ps := payloads(t, ft)
	require.Len(t, ps, 3)
	assert.Equal(t, a.RequestID(), ps[0]["request_id"])
	assert.Equal(t, b.RequestID(), ps[1]["request_id"])
	assert.Equal(t, "C", ps[2]["request_id"])
}

func TestSendFromReopenHandlerFollowsResubscribe(t *testing.T) {
	cli, ft := newTestClient(t)
	_, err := cli.Subscribe("things", 1, func(any, string) {}, client.WithSubscribeRequestID("s"))
	require.NoError(t, err)

	ft.ResetSent()
	ft.Drop()
	cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("A"))
	ft.On(transport.EventOpen, func([]byte) {
		cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("C"))
	})
	ft.Open()

	_, ps := payloads(t, ft)
	require.Len(t, ps, 3)
	ids := []any{ps[0]["request_id"], ps[1]["request_id"], ps[2]["request_id"]}
	assert.Equal(t, []any{"s", "A", "C"}, ids)

	// Once connected, writes go straight out again.
	cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("D"))
	assert.Equal(t, "D", lastPayload(t, ft)["request_id"])
	assert.Equal(t, 0, cli.Queued())
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	cli, ft := newTestClient(t)
	noop := func(any, string) {}
	_, err := cli.Subscribe("things", 1, noop, client.WithSubscribeRequestID("s1"))
	require.NoError(t, err)

	ft.ResetSent()
	ft.Drop()
	cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("q1"))
	cli.SendRequest("things", envelope.Payload{"action": "list"}, client.WithRequestID("q2"))
	_, err = cli.Subscribe("things", 2, noop, client.WithSubscribeRequestID("s2"))
	require.NoError(t, err)
	assert.Empty(t, ft.Sent())
	assert.Equal(t, 2, cli.Subscriptions())

	ft.Open()

	// Resubscribe replays both subscriptions first; the buffered frames
	// follow in the order they were issued, the queued s2 subscribe included.
	_, ps := payloads(t, ft)
	require.Len(t, ps, 5)
	var ids []any
	for _, p := range ps {
		ids = append(ids, p["request_id"])
	}
	assert.Equal(t, []any{"s1", "s2", "q1", "q2", "s2"}, ids)
	assert.Equal(t, []string{"subscribe_instance", "subscribe_instance", "list", "list", "subscribe_instance"}, actions(ps))
}

func TestTransportGivingUpDisconnects(t *testing.T) {
	cli, ft := newTestClient(t)
	ft.Drop()
	require.Equal(t, client.StateReconnecting, cli.State())

	queued := cli.SendRequest("things", envelope.Payload{"action": "list"})
	ft.GiveUp()
	assert.Equal(t, client.StateDisconnected, cli.State())
	assert.Equal(t, 1, cli.Queued())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, cli.WaitForState(ctx, client.StateConnected), client.ErrDisconnected)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The transport can be started again and the buffer drains.
	ft.ResetSent()
	assert.True(t, ft.Connect())
	assert.Equal(t, client.StateConnected, cli.State())
	assert.Equal(t, queued.RequestID(), lastPayload(t, ft)["request_id"])
}

func TestCloseShutsDownStateWatchers(t *testing.T) {
	ft := testutil.NewFakeTransport()
	cli := client.New(ft, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, cli.Initialize())
	states, stop := cli.WatchState()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cli.WaitForState(context.Background(), client.StateConnected)
	}()
	require.NoError(t, cli.Close(context.Background(), false))

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, client.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("WaitForState still blocked after Close")
	}

	var seen []client.State
	for s := range states {
		seen = append(seen, s)
	}
	assert.Equal(t, []client.State{client.StateDisconnected}, seen)
	stop()

	after, stopAfter := cli.WatchState()
	defer stopAfter()
	_, ok := <-after
	assert.False(t, ok, "WatchState after Close returns a closed channel")
	assert.ErrorIs(t, cli.WaitForState(context.Background(), client.StateConnected), client.ErrClosed)
	assert.ErrorIs(t, cli.Close(context.Background(), false), client.ErrClosed)
}

func TestRequestHonoursLongerCallerDeadline(t *testing.T) {
	cli, ft := newTestClient(t, client.WithDefaultRequestTimeout(50*time.Millisecond))

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = ft.DeliverJSON(map[string]any{"stream": "things", "payload": map[string]any{
			"request_id":      "slow",
			"response_status": 200,
			"data":            []any{},
		}})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := cli.Request(ctx, "things", envelope.Payload{"action": "list"}, client.WithRequestID("slow"))
	require.NoError(t, err)
	assert.Equal(t, []any{}, data)

	// Without a deadline the default applies.
	_, err = cli.Request(context.Background(), "things", envelope.Payload{"action": "list"}, client.WithRequestID("never"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
