package bot

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

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/longpoll"
	"github.com/flybasist/wavebot/internal/selection"
	"github.com/flybasist/wavebot/internal/token"
)

// vkTransport отвечает на handshake и groups.getById в зависимости от токена.
type vkTransport struct {
	mu    sync.Mutex
	calls []string
}

func (v *vkTransport) Request(_ context.Context, method string, params api.Params) api.Outcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, method)

	switch method {
	case "groups.getLongPollServer":
		return api.Success(map[string]any{"response": map[string]any{"server": "lp.example", "key": "k", "ts": "1"}})
	case "groups.getById":
		switch params["access_token"] {
		case "ta":
			return api.Success(map[string]any{"response": []any{map[string]any{"id": 10}}})
		case "tb":
			return api.Success(map[string]any{"response": map[string]any{"groups": []any{map[string]any{"id": 20}}}})
		default:
			return api.HandledFailure(map[string]any{"error": map[string]any{"error_code": 5, "error_msg": "auth failed"}})
		}
	}
	return api.UnhandledFailure(errors.New("unexpected method " + method))
}

func newAPI(t *testing.T, tr api.Transport, values ...string) *api.API {
	t.Helper()
	var tokens []token.Token
	for _, v := range values {
		tokens = append(tokens, token.New(v, token.KindBotPool))
	}
	opts, err := api.NewOptions(token.NewPool(&selection.RoundRobin[token.Token]{}, tokens...), []api.Transport{tr})
	require.NoError(t, err)
	return api.New(opts)
}

func TestCachePotentialTokens(t *testing.T) {
	a := newAPI(t, &vkTransport{}, "ta", "tb", "tc")
	storage := token.NewStorage[int64]()

	err := CachePotentialTokens(context.Background(), a, storage, nil)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr, "failing token is reported")
	assert.Equal(t, api.CodeAuthFailed, apiErr.Code)

	assert.Equal(t, 2, storage.Len())
	tok, err := storage.Get(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "ta", tok.Value())
	tok, err = storage.Get(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, "tb", tok.Value())
}

// oncePoller отдаёт одну пачку, дальше висит до отмены ctx.
type oncePoller struct {
	mu      sync.Mutex
	updates []json.RawMessage
}

func (p *oncePoller) Poll(ctx context.Context, _ string, _ url.Values, _ time.Duration) (longpoll.Response, error) {
	p.mu.Lock()
	updates := p.updates
	p.updates = nil
	p.mu.Unlock()
	if updates != nil {
		return longpoll.Response{TS: 2, HasTS: true, Updates: updates}, nil
	}
	<-ctx.Done()
	return longpoll.Response{}, ctx.Err()
}

func TestRunDeliversEventsAndStops(t *testing.T) {
	a := newAPI(t, &vkTransport{}, "ta")
	d, err := dispatch.New(dispatch.DefaultSource{API: a})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	r := dispatch.NewRouter("main")
	r.HandleMessage(func(_ context.Context, ev *event.Event) error {
		got <- ev.Text()
		cancel()
		return nil
	})
	d.AddRouter(r)

	raw := json.RawMessage(`{"type":"message_new","group_id":10,"object":{"message":{"peer_id":1,"from_id":2,"text":"ping"}}}`)
	session := longpoll.NewBot(a.Context(), &oncePoller{updates: []json.RawMessage{raw}}, 10)

	var workerStopped bool
	b := New(d, []*longpoll.Session{session},
		WithDrainTimeout(time.Second),
		WithWorker("noop", func(ctx context.Context) error {
			<-ctx.Done()
			workerStopped = true
			return nil
		}),
	)

	require.NoError(t, b.Run(ctx))
	assert.Equal(t, "ping", <-got)
	assert.True(t, workerStopped)
	assert.Equal(t, longpoll.StateStoppedCancelled, session.State())
}

func TestRunPropagatesFatalSessionError(t *testing.T) {
	a := newAPI(t, &vkTransport{}, "ta")
	d, err := dispatch.New(dispatch.DefaultSource{API: a})
	require.NoError(t, err)

	failing := longpoll.PollerFunc(func(context.Context, string, url.Values, time.Duration) (longpoll.Response, error) {
		return longpoll.Response{Failed: 4}, nil
	})
	blocking := &oncePoller{}

	b := New(d, []*longpoll.Session{
		longpoll.NewBot(a.Context(), failing, 10),
		longpoll.NewBot(a.Context(), blocking, 11),
	})

	err = b.Run(context.Background())
	var failed *longpoll.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 4, failed.Code)
}

// quietPoller отдаёт одну пачку, а потом только пустые ответы.
type quietPoller struct {
	mu      sync.Mutex
	updates []json.RawMessage
	polls   int
}

func (p *quietPoller) Poll(ctx context.Context, _ string, _ url.Values, _ time.Duration) (longpoll.Response, error) {
	p.mu.Lock()
	p.polls++
	updates := p.updates
	p.updates = nil
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return longpoll.Response{}, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return longpoll.Response{TS: 2, HasTS: true, Updates: updates}, nil
}

func TestRunStopsOnHandlerErrorWithoutNewEvents(t *testing.T) {
	a := newAPI(t, &vkTransport{}, "ta")
	d, err := dispatch.New(dispatch.DefaultSource{API: a})
	require.NoError(t, err)

	boom := errors.New("boom")
	r := dispatch.NewRouter("main")
	r.HandleMessage(func(context.Context, *event.Event) error { return boom })
	d.AddRouter(r)

	raw := json.RawMessage(`{"type":"message_new","group_id":10,"object":{"message":{"peer_id":1,"from_id":2,"text":"ping"}}}`)
	session := longpoll.NewBot(a.Context(), &quietPoller{updates: []json.RawMessage{raw}}, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = New(d, []*longpoll.Session{session}, WithDrainTimeout(time.Second)).Run(ctx)
	require.ErrorIs(t, err, boom)
	var handlerErr *dispatch.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "main", handlerErr.Router)
	assert.NoError(t, ctx.Err(), "bot stops before the deadline")
	assert.NoError(t, d.Err(), "error is reported once")
}

func TestRunReportsErrorsFinishedDuringDrain(t *testing.T) {
	a := newAPI(t, &vkTransport{}, "ta")
	d, err := dispatch.New(dispatch.DefaultSource{API: a})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	late := errors.New("late failure")
	r := dispatch.NewRouter("main")
	r.HandleMessage(func(context.Context, *event.Event) error {
		cancel()
		time.Sleep(50 * time.Millisecond)
		return late
	})
	d.AddRouter(r)

	raw := json.RawMessage(`{"type":"message_new","group_id":10,"object":{"message":{"peer_id":1,"from_id":2,"text":"ping"}}}`)
	session := longpoll.NewBot(a.Context(), &oncePoller{updates: []json.RawMessage{raw}}, 10)

	err = New(d, []*longpoll.Session{session}, WithDrainTimeout(time.Second)).Run(ctx)
	assert.ErrorIs(t, err, late)
}

func TestRunWithoutSessions(t *testing.T) {
	d, err := dispatch.New(dispatch.DefaultSource{API: newAPI(t, &vkTransport{}, "ta")})
	require.NoError(t, err)
	assert.Error(t, New(d, nil).Run(context.Background()))
}
