// Package api выполняет вызовы методов удалённого API и классифицирует ответы.
// Русский комментарий: Каталога методов (messages.*, groups.* и т.д.) здесь нет,
// хендлеры вызывают Context.Call с именем метода и параметрами.
package api

import (
	"errors"

	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/logx"
	"github.com/flybasist/wavebot/internal/metrics"
	"github.com/flybasist/wavebot/internal/selection"
	"github.com/flybasist/wavebot/internal/token"
)

// DefaultVersion — версия протокола API по умолчанию.
const DefaultVersion = "5.199"

// ErrNoTransport — Options без транспорта.
var ErrNoTransport = errors.New("api: no transport configured")

// Options — неизменяемая конфигурация контекста запросов.
// Русский комментарий: Производные контексты (WithToken, SyncToken) получают копию Options
// со своим пулом токенов; изменяемых полей, разделяемых с родителем, нет.
type Options struct {
	tokens     *token.Pool
	transports []Transport
	picker     selection.Strategy[Transport]
	version    string
	policy     ErrorPolicy
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// Option настраивает Options.
type Option func(*Options)

// WithVersion задаёт версию протокола (параметр v).
func WithVersion(v string) Option {
	return func(o *Options) {
		if v != "" {
			o.version = v
		}
	}
}

// WithErrorPolicy задаёт политику обработки ошибок API.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(o *Options) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithTransportStrategy задаёт стратегию выбора транспорта.
func WithTransportStrategy(s selection.Strategy[Transport]) Option {
	return func(o *Options) {
		if s != nil {
			o.picker = s
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.metrics = m }
}

// WithLogger подключает логгер.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.logger = logx.OrNop(l) }
}

// NewOptions собирает Options. Пул токенов может быть пустым — ошибка возникнет при выборе.
func NewOptions(tokens *token.Pool, transports []Transport, opts ...Option) (Options, error) {
	if len(transports) == 0 {
		return Options{}, ErrNoTransport
	}
	if tokens == nil {
		tokens = token.NewPool(nil)
	}

	o := Options{
		tokens:     tokens,
		transports: append([]Transport(nil), transports...),
		picker:     selection.Random[Transport]{},
		version:    DefaultVersion,
		policy:     NewErrorDispatcher(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o, nil
}

// Tokens возвращает пул токенов.
func (o Options) Tokens() *token.Pool { return o.tokens }

// Version возвращает версию протокола.
func (o Options) Version() string { return o.version }

// Transport выбирает транспорт стратегией.
func (o Options) Transport() (Transport, error) {
	t, err := o.picker.Select(o.transports)
	if err != nil {
		return nil, ErrNoTransport
	}
	return t, nil
}

// withTokenPool возвращает копию Options с другим пулом.
func (o Options) withTokenPool(pool *token.Pool) Options {
	o.tokens = pool
	o.transports = append([]Transport(nil), o.transports...)
	return o
}

// PreRequestParams возвращает копию params с версией протокола и токеном.
// Русский комментарий: Исходная мапа вызывающего не меняется.
func (o Options) PreRequestParams(params Params, t token.Token) Params {
	out := make(Params, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	out[ParamVersion] = o.version
	out[ParamAccessToken] = t.Value()
	return out
}
