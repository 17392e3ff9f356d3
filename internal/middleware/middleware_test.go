package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/metrics"
)

func message(t *testing.T, peer, from int64) *event.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":   event.TypeMessageNew,
		"object": map[string]any{"message": map[string]any{"peer_id": peer, "from_id": from, "text": "hi"}},
	})
	require.NoError(t, err)
	ev, err := event.Parse(raw, event.PlatformBot)
	require.NoError(t, err)
	return ev
}

func TestBlacklist(t *testing.T) {
	b := NewBlacklist(66)
	ctx := context.Background()

	assert.False(t, b.PreProcessEvent(ctx, message(t, 1, 66)))
	assert.True(t, b.PreProcessEvent(ctx, message(t, 1, 7)))

	b.Add(7)
	assert.False(t, b.PreProcessEvent(ctx, message(t, 1, 7)))
}

func TestRateLimitPerPeer(t *testing.T) {
	r := NewRateLimit(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, r.PreProcessEvent(ctx, message(t, 1, 1)))
	assert.True(t, r.PreProcessEvent(ctx, message(t, 1, 1)))
	assert.False(t, r.PreProcessEvent(ctx, message(t, 1, 1)), "burst exhausted")
	assert.True(t, r.PreProcessEvent(ctx, message(t, 2, 1)), "other peers have their own bucket")

	now = now.Add(time.Second)
	assert.True(t, r.PreProcessEvent(ctx, message(t, 1, 1)), "bucket refills")
}

func TestRateLimitEvictsIdlePeers(t *testing.T) {
	r := NewRateLimit(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	r.PreProcessEvent(ctx, message(t, 1, 1))
	now = now.Add(time.Hour)
	r.PreProcessEvent(ctx, message(t, 2, 1))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.limiters, 1)
	assert.Contains(t, r.limiters, int64(2))
}

func TestLoggerMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := NewLogger(zap.New(core))
	ev := message(t, 5, 6)

	assert.True(t, m.PreProcessEvent(context.Background(), ev))
	m.PostProcessEvent(context.Background(), ev, dispatch.Result{Handled: []string{"main"}})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "incoming event", entries[0].Message)
	assert.Equal(t, int64(5), entries[0].ContextMap()["peer_id"])
	assert.Equal(t, "event processed", entries[1].Message)
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(metrics.New(reg))
	ev := message(t, 1, 1)

	assert.True(t, m.PreProcessEvent(context.Background(), ev))
	m.PostProcessEvent(context.Background(), ev, dispatch.Result{Duration: time.Millisecond})

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "wavebot_handler_duration_seconds" {
			found = true
			assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found)
}
