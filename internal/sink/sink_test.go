package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
)

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	bodies [][]byte
	err    error
	closed bool
}

func (f *fakePublisher) Publish(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return f.err
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestMirrorPublishesRawEvent(t *testing.T) {
	raw := json.RawMessage(`{"type":"message_new","event_id":"e1","object":{}}`)
	ev, err := event.Parse(raw, event.PlatformBot)
	require.NoError(t, err)

	pub := &fakePublisher{}
	m := NewMirror(pub, 0, nil)

	assert.True(t, m.PreProcessEvent(context.Background(), ev))
	m.PostProcessEvent(context.Background(), ev, dispatch.Result{})

	assert.Equal(t, []string{"e1"}, pub.keys)
	assert.JSONEq(t, string(raw), string(pub.bodies[0]))
}

func TestMirrorSwallowsPublisherErrors(t *testing.T) {
	ev, err := event.Parse(json.RawMessage(`[4, 1, 0, 1, 0, "x", {}]`), event.PlatformUser)
	require.NoError(t, err)

	pub := &fakePublisher{err: errors.New("broker down")}
	NewMirror(pub, 0, nil).PostProcessEvent(context.Background(), ev, dispatch.Result{})
	assert.Equal(t, []string{ev.TraceID()}, pub.keys, "user events are keyed by trace id")
}

func TestMultiFansOut(t *testing.T) {
	a, b := &fakePublisher{}, &fakePublisher{err: errors.New("b failed")}
	m := Multi{a, b}

	ctx, cancel := context.WithTimeout(context.Background(), 1e9)
	defer cancel()
	err := m.Publish(ctx, "k", []byte("{}"))
	assert.ErrorContains(t, err, "b failed")
	assert.Len(t, a.keys, 1)
	assert.Len(t, b.keys, 1)

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
