package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/flybasist/wavebot/internal/event"
)

// Result — итог обработки события, его видят post-хуки.
type Result struct {
	Rejected bool
	// Handled — имена роутеров, в которых сработал хендлер.
	Handled  []string
	Err      error
	Duration time.Duration
}

// Middleware — хуки вокруг роутеров.
// PreProcessEvent возвращает false, чтобы отклонить событие: хендлеры не запускаются,
// post-хуки всё равно вызываются.
type Middleware interface {
	PreProcessEvent(ctx context.Context, ev *event.Event) bool
	PostProcessEvent(ctx context.Context, ev *event.Event, res Result)
}

// PreFunc — middleware только с pre-хуком.
type PreFunc func(ctx context.Context, ev *event.Event) bool

// PreProcessEvent реализует Middleware.
func (f PreFunc) PreProcessEvent(ctx context.Context, ev *event.Event) bool { return f(ctx, ev) }

// PostProcessEvent реализует Middleware.
func (PreFunc) PostProcessEvent(context.Context, *event.Event, Result) {}

// PostFunc — middleware только с post-хуком.
type PostFunc func(ctx context.Context, ev *event.Event, res Result)

// PreProcessEvent реализует Middleware.
func (PostFunc) PreProcessEvent(context.Context, *event.Event) bool { return true }

// PostProcessEvent реализует Middleware.
func (f PostFunc) PostProcessEvent(ctx context.Context, ev *event.Event, res Result) { f(ctx, ev, res) }

// MiddlewareChain — упорядоченный список middleware.
type MiddlewareChain struct {
	mu    sync.RWMutex
	items []Middleware
}

// Add добавляет middleware в конец цепочки.
func (c *MiddlewareChain) Add(m Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, m)
}

func (c *MiddlewareChain) snapshot() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items
}

// Pre вызывает pre-хуки по порядку до первого отказа.
func (c *MiddlewareChain) Pre(ctx context.Context, ev *event.Event) bool {
	for _, m := range c.snapshot() {
		if !m.PreProcessEvent(ctx, ev) {
			return false
		}
	}
	return true
}

// Post вызывает post-хуки всех middleware по порядку.
func (c *MiddlewareChain) Post(ctx context.Context, ev *event.Event, res Result) {
	for _, m := range c.snapshot() {
		m.PostProcessEvent(ctx, ev, res)
	}
}
