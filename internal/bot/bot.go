// Package bot связывает long-poll сессии с диспетчером и управляет их жизненным циклом.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/logx"
	"github.com/flybasist/wavebot/internal/longpoll"
	"github.com/flybasist/wavebot/internal/token"
)

// DefaultDrainTimeout — сколько ждать хендлеры после остановки сессий.
const DefaultDrainTimeout = 10 * time.Second

// Worker — фоновая задача, живущая вместе с ботом (outbox, сервер метрик).
// Должна вернуть nil после отмены ctx.
type Worker func(ctx context.Context) error

type namedWorker struct {
	name string
	run  Worker
}

// Bot — рантайм: сессии, диспетчер и фоновые задачи.
type Bot struct {
	dispatcher   *dispatch.Dispatcher
	sessions     []*longpoll.Session
	workers      []namedWorker
	drainTimeout time.Duration
	logger       *zap.Logger
}

// Option настраивает Bot.
type Option func(*Bot)

// WithDrainTimeout задаёт таймаут ожидания хендлеров при остановке.
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.drainTimeout = d
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bot) { b.logger = logx.OrNop(l) }
}

// WithWorker добавляет фоновую задачу.
func WithWorker(name string, w Worker) Option {
	return func(b *Bot) { b.workers = append(b.workers, namedWorker{name: name, run: w}) }
}

// New создаёт рантайм поверх диспетчера.
func New(d *dispatch.Dispatcher, sessions []*longpoll.Session, opts ...Option) *Bot {
	b := &Bot{
		dispatcher:   d,
		sessions:     sessions,
		drainTimeout: DefaultDrainTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run запускает все сессии и задачи и блокируется до отмены ctx или фатальной ошибки.
// Русский комментарий: Первая фатальная ошибка останавливает остальные сессии.
// После остановки всех сессий ждём незавершённые хендлеры не дольше drainTimeout.
func (b *Bot) Run(ctx context.Context) error {
	if len(b.sessions) == 0 {
		return errors.New("bot: no longpoll sessions")
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range b.sessions {
		g.Go(func() error {
			b.logger.Info("longpoll session started", zap.Int("session", i))
			err := s.Run(gctx, b.dispatcher.ProcessBatch)
			b.logger.Info("longpoll session finished", zap.Int("session", i), zap.Stringer("state", s.State()))
			return err
		})
	}
	// Ошибка хендлера останавливает бота, даже если новых событий больше нет
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-b.dispatcher.Failed():
				if err := b.dispatcher.TakeErr(); err != nil {
					return err
				}
			}
		}
	})
	for _, w := range b.workers {
		g.Go(func() error {
			if err := w.run(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.name, err)
			}
			return nil
		})
	}

	runErr := g.Wait()

	b.logger.Info("draining handlers", zap.Duration("timeout", b.drainTimeout))
	drainErr := b.dispatcher.Drain(b.drainTimeout)
	if drainErr != nil {
		b.logger.Warn("drain finished with error", zap.Error(drainErr))
	}
	// Хендлеры, завершившиеся во время Drain, тоже могли вернуть ошибку
	return errors.Join(runErr, b.dispatcher.TakeErr(), drainErr)
}

type groupInfo struct {
	ID int64 `json:"id"`
}

// CachePotentialTokens узнаёт сообщество каждого токена пула через groups.getById
// и кладёт привязку group_id → токен в storage.
// Русский комментарий: Токены, для которых запрос не удался, пропускаются; ошибки собираются вместе.
func CachePotentialTokens(ctx context.Context, a *api.API, storage *token.Storage[int64], logger *zap.Logger) error {
	logger = logx.OrNop(logger)

	var errs []error
	for _, tok := range a.Tokens().Tokens() {
		resp, err := a.WithToken(tok).Call(ctx, "groups.getById", nil)
		if err != nil {
			logger.Warn("failed to resolve token group", zap.Stringer("token", tok), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		groups, err := decodeGroups(resp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, g := range groups {
			storage.Append(g.ID, tok)
			logger.Debug("token cached for group", zap.Int64("group_id", g.ID), zap.Stringer("token", tok))
		}
	}
	return errors.Join(errs...)
}

// decodeGroups понимает оба формата ответа: массив групп и объект {"groups": [...]}.
func decodeGroups(resp api.Response) ([]groupInfo, error) {
	raw, err := json.Marshal(resp.Payload())
	if err != nil {
		return nil, err
	}
	var list []groupInfo
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Groups []groupInfo `json:"groups"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: groups.getById: %v", api.ErrUnexpectedResponse, err)
	}
	return wrapped.Groups, nil
}
