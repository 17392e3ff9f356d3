package api

import (
	"context"
	"sync"
	"time"
)

// ErrorPolicy решает судьбу ошибок API.
// Русский комментарий: Вернуть (resp, nil) — подменить результат вызова, (nil, nil) — отдать
// исходную ошибку вызывающему, (nil, err) — вернуть вместо неё err.
type ErrorPolicy interface {
	ProcessError(ctx context.Context, c *Context, err *Error) (Response, error)
	ProcessExecuteErrors(ctx context.Context, c *Context, err *ExecuteError) (Response, error)
}

// ErrorHandler обрабатывает одиночную ошибку с конкретным кодом.
type ErrorHandler func(ctx context.Context, c *Context, err *Error) (Response, error)

// ExecuteErrorHandler обрабатывает ошибки execute.
type ExecuteErrorHandler func(ctx context.Context, c *Context, err *ExecuteError) (Response, error)

// ErrorDispatcher — политика по умолчанию: хендлеры по коду ошибки плюс fallback.
type ErrorDispatcher struct {
	mu       sync.RWMutex
	handlers map[int]ErrorHandler
	fallback ErrorHandler
	execute  ExecuteErrorHandler
}

// NewErrorDispatcher возвращает диспетчер без хендлеров: все ошибки доходят до вызывающего.
func NewErrorDispatcher() *ErrorDispatcher {
	return &ErrorDispatcher{handlers: make(map[int]ErrorHandler)}
}

// Handle регистрирует хендлер для кода.
func (d *ErrorDispatcher) Handle(code int, fn ErrorHandler) *ErrorDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[code] = fn
	return d
}

// HandleDefault регистрирует хендлер для кодов без своего хендлера.
func (d *ErrorDispatcher) HandleDefault(fn ErrorHandler) *ErrorDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = fn
	return d
}

// HandleExecute регистрирует хендлер для execute_errors.
func (d *ErrorDispatcher) HandleExecute(fn ExecuteErrorHandler) *ErrorDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execute = fn
	return d
}

// ProcessError реализует ErrorPolicy.
func (d *ErrorDispatcher) ProcessError(ctx context.Context, c *Context, err *Error) (Response, error) {
	d.mu.RLock()
	fn, ok := d.handlers[err.Code]
	if !ok {
		fn = d.fallback
	}
	d.mu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, c, err)
}

// ProcessExecuteErrors реализует ErrorPolicy.
func (d *ErrorDispatcher) ProcessExecuteErrors(ctx context.Context, c *Context, err *ExecuteError) (Response, error) {
	d.mu.RLock()
	fn := d.execute
	d.mu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, c, err)
}

type retryDepthKey struct{}

// Retry повторяет вызов после паузы, не более attempts раз по цепочке.
// Русский комментарий: Глубина повторов хранится в ctx, поэтому повторный вызов,
// снова упавший с тем же кодом, не уходит в бесконечную рекурсию.
func Retry(delay time.Duration, attempts int) ErrorHandler {
	return func(ctx context.Context, c *Context, err *Error) (Response, error) {
		depth, _ := ctx.Value(retryDepthKey{}).(int)
		if depth >= attempts {
			return nil, nil
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		retryCtx := context.WithValue(ctx, retryDepthKey{}, depth+1)
		return c.Call(retryCtx, err.Method, err.Request)
	}
}
