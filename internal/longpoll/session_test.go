package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/token"
)

// handshakeTransport отвечает на handshake по очереди заданными курсорами.
type handshakeTransport struct {
	mu      sync.Mutex
	cursors []map[string]any
	methods []string
	params  []api.Params
	fail    error
}

func (h *handshakeTransport) Request(_ context.Context, method string, params api.Params) api.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods = append(h.methods, method)
	h.params = append(h.params, params)
	if h.fail != nil {
		return api.UnhandledFailure(h.fail)
	}
	cur := h.cursors[0]
	if len(h.cursors) > 1 {
		h.cursors = h.cursors[1:]
	}
	return api.Success(map[string]any{"response": cur})
}

type pollCall struct {
	server string
	query  url.Values
}

// scriptedPoller отдаёт ответы по порядку; когда они кончаются, отменяет ctx.
type scriptedPoller struct {
	mu     sync.Mutex
	steps  []func() (Response, error)
	calls  []pollCall
	cancel context.CancelFunc
}

func (p *scriptedPoller) Poll(ctx context.Context, server string, query url.Values, _ time.Duration) (Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, pollCall{server: server, query: query})
	if len(p.steps) == 0 {
		p.mu.Unlock()
		p.cancel()
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()
	return step()
}

func ok(resp Response) func() (Response, error) {
	return func() (Response, error) { return resp, nil }
}

func apiContext(t *testing.T, tr api.Transport) *api.Context {
	t.Helper()
	o, err := api.NewOptions(token.NewPool(nil, token.New("t1", token.KindBotSingle)), []api.Transport{tr})
	require.NoError(t, err)
	return api.New(o).Context()
}

func cursorBody(server, key string, ts any) map[string]any {
	return map[string]any{"server": server, "key": key, "ts": ts}
}

func TestSessionDeliversUpdatesAndAdvancesTS(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("https://lp/1", "k1", "10")}}
	poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
		ok(Response{TS: 11, HasTS: true, Updates: []json.RawMessage{json.RawMessage(`{"type":"message_new"}`)}}),
	}}
	s := NewBot(apiContext(t, tr), poller, 42)

	var got [][]json.RawMessage
	err := s.Run(ctx, func(_ context.Context, updates []json.RawMessage) error {
		got = append(got, updates)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.JSONEq(t, `{"type":"message_new"}`, string(got[0][0]))
	assert.Equal(t, "groups.getLongPollServer", tr.methods[0])
	assert.Equal(t, int64(42), tr.params[0]["group_id"])
	require.Len(t, poller.calls, 2)
	assert.Equal(t, "10", poller.calls[0].query.Get("ts"))
	assert.Equal(t, "a_check", poller.calls[0].query.Get("act"))
	assert.Equal(t, "25", poller.calls[0].query.Get("wait"))
	assert.Equal(t, "11", poller.calls[1].query.Get("ts"))
	assert.Equal(t, StateStoppedCancelled, s.State())
}

func TestSessionResyncAdoptsTS(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("https://lp/1", "k1", 10)}}
	poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
		ok(Response{Failed: 1, TS: 42, HasTS: true}),
	}}
	s := NewBot(apiContext(t, tr), poller, 1)

	require.NoError(t, s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil }))

	require.Len(t, poller.calls, 2)
	assert.Equal(t, "42", poller.calls[1].query.Get("ts"))
	assert.Equal(t, "k1", poller.calls[1].query.Get("key"), "resync keeps the key")
	assert.Len(t, tr.methods, 1, "resync does not handshake")
}

func TestSessionRehandshakeReplacesCursor(t *testing.T) {
	for _, code := range []int{2, 3} {
		ctx, cancel := context.WithCancel(context.Background())

		tr := &handshakeTransport{cursors: []map[string]any{
			cursorBody("https://lp/1", "k1", 10),
			cursorBody("https://lp/2", "k2", 100),
		}}
		poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
			ok(Response{Failed: code}),
		}}
		s := NewBot(apiContext(t, tr), poller, 1)

		require.NoError(t, s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil }))
		cancel()

		require.Len(t, poller.calls, 2)
		assert.Equal(t, "https://lp/2", poller.calls[1].server)
		assert.Equal(t, "k2", poller.calls[1].query.Get("key"))
		assert.Equal(t, "100", poller.calls[1].query.Get("ts"))
		assert.Equal(t, Cursor{Server: "https://lp/2", Key: "k2", TS: 100}, s.Cursor())
		assert.Len(t, tr.methods, 2)
	}
}

func TestSessionUnknownFailedIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("https://lp/1", "k1", 1)}}
	poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
		ok(Response{Failed: 4}),
	}}
	s := NewBot(apiContext(t, tr), poller, 1)

	err := s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil })
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 4, failed.Code)
	assert.Equal(t, StateStoppedFatal, s.State())
}

func TestSessionTransportErrorStopsWithoutIgnore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("connection refused")
	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("https://lp/1", "k1", 1)}}
	poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
		func() (Response, error) { return Response{}, boom },
	}}
	s := NewBot(apiContext(t, tr), poller, 1)

	err := s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateStoppedFatal, s.State())
}

func TestSessionIgnoreErrorsBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("timeout")
	fail := func() (Response, error) { return Response{}, boom }
	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("https://lp/1", "k1", 1)}}
	poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
		fail, fail, fail, ok(Response{TS: 2, HasTS: true}), fail,
	}}
	s := NewBot(apiContext(t, tr), poller, 1,
		WithIgnoreErrors(true),
		WithRetryDelay(time.Second, 3*time.Second),
	)
	var delays []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil }))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, time.Second}, delays)
}

func TestSessionHandshakeFailure(t *testing.T) {
	boom := errors.New("dns failure")
	tr := &handshakeTransport{fail: boom}
	s := NewBot(apiContext(t, tr), &scriptedPoller{cancel: func() {}}, 1)

	err := s.Run(context.Background(), func(context.Context, []json.RawMessage) error { return nil })
	assert.ErrorIs(t, err, boom)
	var trErr *api.TransportError
	assert.ErrorAs(t, err, &trErr)
}

func TestSessionHandlerErrorStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlerErr := errors.New("handler failed")
	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("https://lp/1", "k1", 1)}}
	poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
		ok(Response{TS: 2, HasTS: true, Updates: []json.RawMessage{json.RawMessage(`{}`)}}),
	}}
	s := NewBot(apiContext(t, tr), poller, 1)

	err := s.Run(ctx, func(context.Context, []json.RawMessage) error { return handlerErr })
	assert.ErrorIs(t, err, handlerErr)
}

func TestUserSessionHandshakeAndQuery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("im.example.com/nim1", "k1", 5)}}
	poller := &scriptedPoller{cancel: cancel}
	s := NewUser(apiContext(t, tr), poller)

	require.NoError(t, s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil }))

	assert.Equal(t, "messages.getLongPollServer", tr.methods[0])
	assert.Equal(t, 3, tr.params[0]["lp_version"])
	require.Len(t, poller.calls, 1)
	assert.Equal(t, "https://im.example.com/nim1", poller.calls[0].server)
	assert.Equal(t, "234", poller.calls[0].query.Get("mode"))
	assert.Equal(t, "3", poller.calls[0].query.Get("version"))
}

func TestResponseAcceptsStringAndNumberTS(t *testing.T) {
	var a, b Response
	require.NoError(t, json.Unmarshal([]byte(`{"ts":"77","updates":[[4,1]]}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"ts":78,"updates":[]}`), &b))
	assert.Equal(t, int64(77), a.TS)
	assert.True(t, a.HasTS)
	assert.Len(t, a.Updates, 1)
	assert.Equal(t, int64(78), b.TS)

	var failed Response
	require.NoError(t, json.Unmarshal([]byte(`{"failed":2}`), &failed))
	assert.Equal(t, 2, failed.Failed)
	assert.False(t, failed.HasTS)

	var bad Response
	assert.Error(t, json.Unmarshal([]byte(`{"ts":"abc"}`), &bad))
}

// authFailedTransport отвечает на любой запрос ошибкой API с кодом 5.
type authFailedTransport struct{ calls int }

func (a *authFailedTransport) Request(context.Context, string, api.Params) api.Outcome {
	a.calls++
	return api.HandledFailure(map[string]any{"error": map[string]any{"error_code": 5, "error_msg": "invalid token"}})
}

func TestSessionHandshakeConfigErrorsAreFatalWithIgnore(t *testing.T) {
	emptyPool := func(t *testing.T) *api.Context {
		o, err := api.NewOptions(token.NewPool(nil), []api.Transport{&handshakeTransport{}})
		require.NoError(t, err)
		return api.New(o).Context()
	}
	authFailed := &authFailedTransport{}

	tests := []struct {
		name  string
		ctx   func(t *testing.T) *api.Context
		check func(t *testing.T, err error)
	}{
		{"empty pool", emptyPool, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, token.ErrEmptyPool)
		}},
		{"api error", func(t *testing.T) *api.Context { return apiContext(t, authFailed) }, func(t *testing.T, err error) {
			var apiErr *api.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, api.CodeAuthFailed, apiErr.Code)
			assert.Equal(t, 1, authFailed.calls, "api errors are not retried")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			s := NewBot(tt.ctx(t), &scriptedPoller{cancel: cancel}, 1, WithIgnoreErrors(true))
			var retries int
			s.sleep = func(context.Context, time.Duration) error {
				retries++
				return nil
			}

			err := s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil })
			require.Error(t, err)
			tt.check(t, err)
			assert.Zero(t, retries)
			assert.Equal(t, StateStoppedFatal, s.State())
		})
	}
}

func TestSessionHandshakeTransportErrorRetriedWithIgnore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &handshakeTransport{fail: errors.New("dns failure")}
	s := NewBot(apiContext(t, tr), &scriptedPoller{cancel: cancel}, 1, WithIgnoreErrors(true))
	var retries int
	s.sleep = func(context.Context, time.Duration) error {
		retries++
		if retries == 2 {
			tr.mu.Lock()
			tr.fail = nil
			tr.cursors = []map[string]any{cursorBody("https://lp/1", "k1", 3)}
			tr.mu.Unlock()
		}
		return nil
	}

	require.NoError(t, s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil }))
	assert.Equal(t, 2, retries)
	assert.Len(t, tr.methods, 3)
}

func TestSessionResyncWithoutTSRehandshakes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &handshakeTransport{cursors: []map[string]any{
		cursorBody("https://lp/1", "k1", 10),
		cursorBody("https://lp/1", "k2", 50),
	}}
	poller := &scriptedPoller{cancel: cancel, steps: []func() (Response, error){
		ok(Response{Failed: 1}),
	}}
	s := NewBot(apiContext(t, tr), poller, 1)

	require.NoError(t, s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil }))

	require.Len(t, poller.calls, 2)
	assert.Equal(t, "50", poller.calls[1].query.Get("ts"), "cursor never goes back to zero")
	assert.Len(t, tr.methods, 2)
}

func TestBotSessionLogsGroupIDOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, logs := observer.New(zapcore.DebugLevel)
	tr := &handshakeTransport{cursors: []map[string]any{cursorBody("https://lp/1", "k1", 1)}}
	s := NewBot(apiContext(t, tr), &scriptedPoller{cancel: cancel}, 77, WithLogger(zap.New(core)))

	require.NoError(t, s.Run(ctx, func(context.Context, []json.RawMessage) error { return nil }))

	entries := logs.FilterMessage("longpoll handshake done").All()
	require.Len(t, entries, 1)
	var groupIDs int
	for _, f := range entries[0].Context {
		if f.Key == "group_id" {
			groupIDs++
			assert.Equal(t, int64(77), f.Integer)
		}
	}
	assert.Equal(t, 1, groupIDs)
}
