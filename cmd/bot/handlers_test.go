package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/fsm"
	"github.com/flybasist/wavebot/internal/token"
)

// sendRecorder запоминает тексты messages.send.
type sendRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (s *sendRecorder) Request(_ context.Context, method string, params api.Params) api.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if method == "messages.send" {
		s.texts = append(s.texts, params["message"].(string))
	}
	return api.Success(map[string]any{"response": 1})
}

func (s *sendRecorder) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

func newTestDispatcher(t *testing.T, admins ...int64) (*dispatch.Dispatcher, *sendRecorder, *fsm.MemoryStorage) {
	t.Helper()
	rec := &sendRecorder{}
	opts, err := api.NewOptions(token.NewPool(nil, token.New("t", token.KindBotSingle)), []api.Transport{rec})
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.DefaultSource{API: api.New(opts)})
	require.NoError(t, err)
	storage := fsm.NewMemoryStorage()
	d.AddRouter(newRouter(fsm.New(storage), admins, zap.NewNop()))
	return d, rec, storage
}

func send(t *testing.T, d *dispatch.Dispatcher, from int64, text string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":   event.TypeMessageNew,
		"object": map[string]any{"message": map[string]any{"peer_id": from, "from_id": from, "text": text}},
	})
	require.NoError(t, err)
	ev, err := event.Parse(raw, event.PlatformBot)
	require.NoError(t, err)
	require.NoError(t, d.ProcessEvent(context.Background(), ev))
}

func TestSurveyFlow(t *testing.T) {
	d, rec, storage := newTestDispatcher(t)

	send(t, d, 7, "/survey")
	assert.Equal(t, "Как вас зовут?", rec.last())

	send(t, d, 7, "Анна")
	assert.Contains(t, rec.last(), "Анна")

	send(t, d, 7, "много")
	assert.Equal(t, "Возраст нужно указать числом.", rec.last())

	send(t, d, 7, "30")
	assert.Equal(t, "Готово: Анна, 30 лет.", rec.last())
	assert.Zero(t, storage.Len(), "state is cleared after the last step")
}

func TestSurveyCancel(t *testing.T) {
	d, rec, storage := newTestDispatcher(t)

	send(t, d, 8, "/survey")
	send(t, d, 8, "/cancel")
	assert.Equal(t, "Анкета отменена.", rec.last())
	assert.Zero(t, storage.Len())
}

func TestCommandsAndTemplates(t *testing.T) {
	d, rec, _ := newTestDispatcher(t, 1)

	send(t, d, 5, "/start")
	assert.Contains(t, rec.last(), "wavebot")

	send(t, d, 5, "Погода в Казани")
	assert.Contains(t, rec.last(), "Казани")

	send(t, d, 5, "превет")
	assert.Equal(t, "Привет! 👋", rec.last())

	send(t, d, 1, "/admin")
	assert.Equal(t, "✅ Вы администратор.", rec.last())

	send(t, d, 5, "/admin")
	assert.Contains(t, rec.last(), "только администраторам")
}
