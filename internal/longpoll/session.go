package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/logx"
	"github.com/flybasist/wavebot/internal/metrics"
)

const (
	DefaultWait          = 25 * time.Second
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	DefaultUserMode      = 234
	DefaultUserVersion   = 3
)

// BatchHandler получает пачку сырых событий. Ошибка останавливает сессию.
type BatchHandler func(ctx context.Context, updates []json.RawMessage) error

// variant — отличия bot- и user-сессий: метод handshake и параметры опроса.
type variant interface {
	handshake(ctx context.Context, c *api.Context) (Cursor, error)
	query(cur Cursor, wait time.Duration) url.Values
}

// Session — одна long-poll сессия.
// Русский комментарий: Run вызывается из одной горутины; State и Cursor
// можно читать конкурентно.
type Session struct {
	api    *api.Context
	poller Poller
	kind   variant

	wait          time.Duration
	ignoreErrors  bool
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
	sleep         func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	state  State
	cursor Cursor
}

// Option настраивает Session.
type Option func(*Session)

// WithWait задаёт время ожидания сервера.
func WithWait(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.wait = d
		}
	}
}

// WithIgnoreErrors включает режим, в котором ошибки транспорта не останавливают сессию.
func WithIgnoreErrors(v bool) Option {
	return func(s *Session) { s.ignoreErrors = v }
}

// WithRetryDelay задаёт начальную и максимальную паузу перед повтором.
func WithRetryDelay(initial, maxDelay time.Duration) Option {
	return func(s *Session) {
		if initial > 0 {
			s.retryDelay = initial
		}
		if maxDelay >= s.retryDelay {
			s.maxRetryDelay = maxDelay
		}
	}
}

// WithLogger подключает логгер.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = logx.OrNop(l) }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func newSession(c *api.Context, poller Poller, kind variant, opts ...Option) *Session {
	s := &Session{
		api:           c,
		poller:        poller,
		kind:          kind,
		wait:          DefaultWait,
		retryDelay:    DefaultRetryDelay,
		maxRetryDelay: DefaultMaxRetryDelay,
		logger:        zap.NewNop(),
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewBot создаёт сессию сообщества. Handshake — groups.getLongPollServer.
func NewBot(c *api.Context, poller Poller, groupID int64, opts ...Option) *Session {
	s := newSession(c, poller, botVariant{groupID: groupID}, opts...)
	s.logger = s.logger.With(zap.Int64("group_id", groupID))
	return s
}

// NewUser создаёт сессию пользователя. Handshake — messages.getLongPollServer.
func NewUser(c *api.Context, poller Poller, opts ...Option) *Session {
	return newSession(c, poller, userVariant{mode: DefaultUserMode, version: DefaultUserVersion}, opts...)
}

// State возвращает текущее состояние.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Cursor возвращает текущий курсор.
func (s *Session) Cursor() Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// IgnoreErrors сообщает, включён ли режим игнорирования ошибок.
func (s *Session) IgnoreErrors() bool { return s.ignoreErrors }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setCursor(c Cursor) {
	s.mu.Lock()
	s.cursor = c
	s.mu.Unlock()
}

func (s *Session) setTS(ts int64) {
	s.mu.Lock()
	s.cursor.TS = ts
	s.mu.Unlock()
}

// Run опрашивает сервер до отмены ctx или фатальной ошибки.
// Русский комментарий: Отмена ctx — штатная остановка, возвращается nil.
// failed=1 — берём новый ts (без ts делаем handshake); failed=2/3 — новый handshake целиком заменяет курсор;
// другой failed — *FailedError. Ошибки транспорта останавливают сессию,
// если не включён WithIgnoreErrors, тогда пауза с экспоненциальным ростом.
func (s *Session) Run(ctx context.Context, handle BatchHandler) error {
	if err := s.rehandshake(ctx); err != nil {
		return s.stop(ctx, err)
	}

	delay := s.retryDelay
	for {
		if ctx.Err() != nil {
			return s.stop(ctx, nil)
		}

		cur := s.Cursor()
		resp, err := s.poller.Poll(ctx, cur.Server, s.kind.query(cur, s.wait), s.wait)
		if err != nil {
			if ctx.Err() != nil {
				return s.stop(ctx, nil)
			}
			s.metrics.Poll("error")
			if !s.ignoreErrors {
				return s.stop(ctx, fmt.Errorf("longpoll: poll: %w", err))
			}
			s.logger.Warn("poll failed, retrying", zap.Error(err), zap.Duration("delay", delay))
			if s.sleep(ctx, delay) != nil {
				return s.stop(ctx, nil)
			}
			delay = min(delay*2, s.maxRetryDelay)
			continue
		}
		delay = s.retryDelay

		switch resp.Failed {
		case 0:
			s.metrics.Poll("ok")
			if resp.HasTS {
				s.setTS(resp.TS)
			}
			if len(resp.Updates) == 0 {
				continue
			}
			if err := handle(ctx, resp.Updates); err != nil {
				return s.stop(ctx, err)
			}
		case 1:
			s.metrics.Poll("resync")
			s.setState(StateResyncing)
			if !resp.HasTS {
				// Без ts курсор не двигаем назад, берём новый целиком
				s.logger.Debug("longpoll history outdated without ts, re-handshaking")
				if err := s.rehandshake(ctx); err != nil {
					return s.stop(ctx, err)
				}
				continue
			}
			s.logger.Debug("longpoll history outdated, adopting new ts", zap.Int64("ts", resp.TS))
			s.setTS(resp.TS)
			s.setState(StateActive)
		case 2, 3:
			s.metrics.Poll("rehandshake")
			s.logger.Debug("longpoll key expired, re-handshaking", zap.Int("failed", resp.Failed))
			if err := s.rehandshake(ctx); err != nil {
				return s.stop(ctx, err)
			}
		default:
			s.metrics.Poll("fatal")
			return s.stop(ctx, &FailedError{Code: resp.Failed})
		}
	}
}

// rehandshake получает новый курсор, при ignoreErrors повторяя попытки с паузой.
// Русский комментарий: Повторяются только ошибки транспорта. Ошибки API, пустой пул
// токенов и неожиданный ответ означают ошибку конфигурации и возвращаются сразу.
func (s *Session) rehandshake(ctx context.Context) error {
	s.setState(StateRehandshaking)
	delay := s.retryDelay
	for {
		cur, err := s.kind.handshake(ctx, s.api)
		if err == nil {
			s.setCursor(cur)
			s.setState(StateActive)
			s.logger.Debug("longpoll handshake done", zap.String("server", cur.Server), zap.Int64("ts", cur.TS))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		var trErr *api.TransportError
		if !s.ignoreErrors || !errors.As(err, &trErr) {
			return fmt.Errorf("longpoll: handshake: %w", err)
		}
		s.logger.Warn("handshake failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		if s.sleep(ctx, delay) != nil {
			return nil
		}
		delay = min(delay*2, s.maxRetryDelay)
	}
}

func (s *Session) stop(ctx context.Context, err error) error {
	if err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		s.setState(StateStoppedCancelled)
		return nil
	}
	s.setState(StateStoppedFatal)
	s.logger.Error("longpoll session stopped", zap.Error(err))
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type handshakeResponse struct {
	Server string          `json:"server"`
	Key    string          `json:"key"`
	TS     json.RawMessage `json:"ts"`
}

func decodeHandshake(ctx context.Context, c *api.Context, method string, params api.Params) (Cursor, error) {
	var hr handshakeResponse
	if err := c.CallInto(ctx, method, params, &hr); err != nil {
		return Cursor{}, err
	}
	if hr.Server == "" || hr.Key == "" {
		return Cursor{}, fmt.Errorf("%w: %s returned no server or key", api.ErrUnexpectedResponse, method)
	}
	ts, err := ParseTS(hr.TS)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Server: hr.Server, Key: hr.Key, TS: ts}, nil
}

type botVariant struct {
	groupID int64
}

func (v botVariant) handshake(ctx context.Context, c *api.Context) (Cursor, error) {
	return decodeHandshake(ctx, c, "groups.getLongPollServer", api.Params{"group_id": v.groupID})
}

func (v botVariant) query(cur Cursor, wait time.Duration) url.Values {
	return url.Values{
		"act":  {"a_check"},
		"key":  {cur.Key},
		"ts":   {strconv.FormatInt(cur.TS, 10)},
		"wait": {strconv.Itoa(int(wait / time.Second))},
	}
}

type userVariant struct {
	mode    int
	version int
}

func (v userVariant) handshake(ctx context.Context, c *api.Context) (Cursor, error) {
	cur, err := decodeHandshake(ctx, c, "messages.getLongPollServer", api.Params{
		"need_pts":   0,
		"lp_version": v.version,
	})
	if err != nil {
		return Cursor{}, err
	}
	if !strings.Contains(cur.Server, "://") {
		cur.Server = "https://" + cur.Server
	}
	return cur, nil
}

func (v userVariant) query(cur Cursor, wait time.Duration) url.Values {
	return url.Values{
		"act":     {"a_check"},
		"key":     {cur.Key},
		"ts":      {strconv.FormatInt(cur.TS, 10)},
		"wait":    {strconv.Itoa(int(wait / time.Second))},
		"mode":    {strconv.Itoa(v.mode)},
		"version": {strconv.Itoa(v.version)},
	}
}
