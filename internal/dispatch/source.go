package dispatch

import (
	"context"
	"fmt"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/token"
)

// TokenSource выдаёт контекст API, который будет привязан к событию.
type TokenSource interface {
	Context(ctx context.Context, ev *event.Event) (*api.Context, error)
}

// DefaultSource — общий контекст API без привязки к конкретному токену.
type DefaultSource struct {
	API *api.API
}

// Context реализует TokenSource.
func (s DefaultSource) Context(context.Context, *event.Event) (*api.Context, error) {
	return s.API.Context(), nil
}

// GroupSource выбирает токен сообщества по group_id события.
// Русский комментарий: Нужен, когда один процесс обслуживает много сообществ.
type GroupSource struct {
	API     *api.API
	Storage *token.Storage[int64]
}

// Context реализует TokenSource.
func (s GroupSource) Context(ctx context.Context, ev *event.Event) (*api.Context, error) {
	tok, err := s.Storage.Get(ctx, ev.GroupID())
	if err != nil {
		return nil, fmt.Errorf("token for group %d: %w", ev.GroupID(), err)
	}
	return s.API.WithToken(tok), nil
}

// UserSource привязывает токен пользователя.
type UserSource struct {
	API     *api.API
	Storage *token.UserStorage
}

// Context реализует TokenSource.
func (s UserSource) Context(ctx context.Context, _ *event.Event) (*api.Context, error) {
	tok, err := s.Storage.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("user token: %w", err)
	}
	return s.API.WithToken(tok), nil
}
