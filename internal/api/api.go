package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/selection"
	"github.com/flybasist/wavebot/internal/token"
)

// Имена служебных параметров, добавляемых к каждому запросу.
const (
	ParamVersion     = "v"
	ParamAccessToken = "access_token"
)

// Params — параметры вызова метода.
type Params map[string]any

// State — состояние результата транспорта.
type State int

const (
	StateSuccess State = iota
	StateHandledFailure
	StateUnhandledFailure
)

func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateHandledFailure:
		return "handled_failure"
	case StateUnhandledFailure:
		return "unhandled_failure"
	default:
		return "unknown"
	}
}

// Outcome — результат одного вызова транспорта, ровно одно из трёх состояний.
type Outcome struct {
	State State
	Data  map[string]any // тело ответа для Success и HandledFailure
	Err   error          // ошибка транспорта для UnhandledFailure
}

// Success — успешный ответ транспорта.
func Success(data map[string]any) Outcome { return Outcome{State: StateSuccess, Data: data} }

// HandledFailure — транспорт получил тело ответа, но запрос неуспешен (HTTP-ошибка, error в теле).
func HandledFailure(data map[string]any) Outcome {
	return Outcome{State: StateHandledFailure, Data: data}
}

// UnhandledFailure — сетевая ошибка, таймаут и прочее без тела ответа.
func UnhandledFailure(err error) Outcome { return Outcome{State: StateUnhandledFailure, Err: err} }

// Transport — коллаборатор, выполняющий HTTP-вызов метода.
type Transport interface {
	Request(ctx context.Context, method string, params Params) Outcome
}

// Response — тело ответа API.
type Response map[string]any

// Payload возвращает значение ключа "response".
func (r Response) Payload() any { return r["response"] }

// Decode раскладывает "response" в out.
func (r Response) Decode(out any) error {
	raw, err := json.Marshal(r.Payload())
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// API — точка входа: хранит базовые Options и выдаёт контексты запросов.
type API struct {
	opts Options
}

// New создаёт API поверх Options.
func New(opts Options) *API {
	return &API{opts: opts}
}

// Context возвращает контекст с базовыми Options.
func (a *API) Context() *Context {
	return &Context{opts: a.opts}
}

// WithToken возвращает контекст, работающий только с одним токеном.
func (a *API) WithToken(t token.Token) *Context {
	return a.Context().WithToken(t)
}

// WithOptions возвращает контекст с произвольными Options.
func (a *API) WithOptions(opts Options) *Context {
	return &Context{opts: opts}
}

// Tokens возвращает общий пул токенов.
func (a *API) Tokens() *token.Pool { return a.opts.tokens }

// Context — контекст запросов, привязанный к Options. Неизменяемый.
type Context struct {
	opts Options
}

// Options возвращает Options контекста.
func (c *Context) Options() Options { return c.opts }

// WithToken выводит новый контекст с единственным токеном и Fixed-стратегией.
func (c *Context) WithToken(t token.Token) *Context {
	pool := token.NewPool(selection.Fixed[token.Token]{}, t)
	return &Context{opts: c.opts.withTokenPool(pool)}
}

// SyncToken выбирает один токен из пула и выводит контекст, закреплённый за ним.
// Русский комментарий: Нужен, когда серия вызовов должна идти от одного токена.
func (c *Context) SyncToken() (*Context, error) {
	t, err := c.opts.tokens.Get()
	if err != nil {
		return nil, err
	}
	return c.WithToken(t), nil
}

// Call выполняет метод и классифицирует ответ.
//
// Ошибка транспорта возвращается сразу как *TransportError. Ответ без "error" и "response"
// даёт ErrUnexpectedResponse. Ответ с "error" или "execute_errors" уходит в ErrorPolicy:
// подменённый политикой ответ возвращается вместо исходного, иначе возвращается *Error
// или *ExecuteError (для execute_errors вместе с частичным ответом).
func (c *Context) Call(ctx context.Context, method string, params Params) (Response, error) {
	tr, err := c.opts.Transport()
	if err != nil {
		return nil, err
	}
	tok, err := c.opts.tokens.Get()
	if err != nil {
		return nil, err
	}
	c.opts.metrics.TokenSelected()

	prepared := c.opts.PreRequestParams(params, tok)
	out := tr.Request(ctx, method, prepared)

	var result Response
	switch out.State {
	case StateUnhandledFailure:
		c.opts.metrics.APIRequest(method, "transport_error")
		return nil, &TransportError{Method: method, Err: out.Err}
	case StateHandledFailure:
		if !hasKey(out.Data, "error") && !hasKey(out.Data, "response") {
			c.opts.metrics.APIRequest(method, "protocol_violation")
			return nil, fmt.Errorf("%w: method %s", ErrUnexpectedResponse, method)
		}
		result = out.Data
	default:
		result = out.Data
	}

	switch {
	case hasKey(result, "execute_errors"):
		execErr := newExecuteError(method, result, redact(prepared))
		sub, perr := c.opts.policy.ProcessExecuteErrors(ctx, c, execErr)
		if perr != nil {
			c.opts.metrics.APIRequest(method, "execute_error")
			return nil, perr
		}
		if sub != nil {
			c.opts.metrics.APIRequest(method, "substituted")
			return sub, nil
		}
		c.opts.metrics.APIRequest(method, "execute_error")
		return result, execErr

	case hasKey(result, "error"):
		apiErr := newError(method, result["error"], redact(prepared))
		c.opts.logger.Debug("api returned error",
			zap.String("method", method),
			zap.Int("error_code", apiErr.Code),
			zap.String("error_msg", apiErr.Message),
		)
		sub, perr := c.opts.policy.ProcessError(ctx, c, apiErr)
		if perr != nil {
			c.opts.metrics.APIRequest(method, "api_error")
			return nil, perr
		}
		if sub != nil {
			c.opts.metrics.APIRequest(method, "substituted")
			return sub, nil
		}
		c.opts.metrics.APIRequest(method, "api_error")
		return nil, apiErr
	}

	c.opts.metrics.APIRequest(method, "success")
	return result, nil
}

// CallInto выполняет метод и декодирует "response" в out.
func (c *Context) CallInto(ctx context.Context, method string, params Params, out any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		var execErr *ExecuteError
		if !errors.As(err, &execErr) || resp == nil {
			return err
		}
	}
	if decErr := resp.Decode(out); decErr != nil {
		return decErr
	}
	return err
}

func hasKey(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// redact возвращает копию параметров без токена.
func redact(params Params) Params {
	out := make(Params, len(params))
	for k, v := range params {
		if k == ParamAccessToken {
			continue
		}
		out[k] = v
	}
	return out
}
