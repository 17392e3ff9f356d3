// Package middleware — готовые middleware для диспетчера.
package middleware

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/logx"
	"github.com/flybasist/wavebot/internal/metrics"
)

// Logger логирует входящие события и итог их обработки.
// Русский комментарий: Логи на английском для единообразия операционных сообщений.
type Logger struct {
	logger *zap.Logger
}

// NewLogger создаёт логирующий middleware.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logx.OrNop(logger)}
}

// PreProcessEvent реализует dispatch.Middleware.
func (m *Logger) PreProcessEvent(_ context.Context, ev *event.Event) bool {
	fields := []zap.Field{
		zap.String("trace_id", ev.TraceID()),
		zap.String("event_type", ev.Type()),
		zap.Int64("group_id", ev.GroupID()),
	}
	if ev.IsMessage() {
		fields = append(fields,
			zap.Int64("peer_id", ev.PeerID()),
			zap.Int64("from_id", ev.FromID()),
			zap.Int64("message_id", ev.MessageID()),
			zap.String("text", ev.Text()),
		)
	}
	m.logger.Info("incoming event", fields...)
	return true
}

// PostProcessEvent реализует dispatch.Middleware.
func (m *Logger) PostProcessEvent(_ context.Context, ev *event.Event, res dispatch.Result) {
	fields := []zap.Field{
		zap.String("trace_id", ev.TraceID()),
		zap.Bool("rejected", res.Rejected),
		zap.Strings("handled_by", res.Handled),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		m.logger.Warn("event processed with error", append(fields, zap.Error(res.Err))...)
		return
	}
	m.logger.Debug("event processed", fields...)
}

// Blacklist отбрасывает события заданных авторов.
type Blacklist struct {
	mu  sync.RWMutex
	ids []int64
}

// NewBlacklist создаёт middleware со списком id.
func NewBlacklist(ids ...int64) *Blacklist {
	return &Blacklist{ids: slices.Clone(ids)}
}

// Add добавляет id в список.
func (b *Blacklist) Add(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.ids, id) {
		b.ids = append(b.ids, id)
	}
}

// PreProcessEvent реализует dispatch.Middleware.
func (b *Blacklist) PreProcessEvent(_ context.Context, ev *event.Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !slices.Contains(b.ids, ev.FromID())
}

// PostProcessEvent реализует dispatch.Middleware.
func (b *Blacklist) PostProcessEvent(context.Context, *event.Event, dispatch.Result) {}

// RateLimit ограничивает поток событий из одного диалога.
// Русский комментарий: Лимитер у каждого peer_id свой, лишние события отклоняются, а не ждут.
type RateLimit struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	limiters map[int64]*peerLimiter
}

type peerLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimit создаёт лимитер: perSecond событий в секунду с всплеском burst.
func NewRateLimit(perSecond float64, burst int) *RateLimit {
	if burst < 1 {
		burst = 1
	}
	return &RateLimit{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
		limiters: make(map[int64]*peerLimiter),
	}
}

// PreProcessEvent реализует dispatch.Middleware.
func (r *RateLimit) PreProcessEvent(_ context.Context, ev *event.Event) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	peer := ev.PeerID()
	pl, ok := r.limiters[peer]
	if !ok {
		pl = &peerLimiter{limiter: rate.NewLimiter(r.limit, r.burst), seen: now}
		r.limiters[peer] = pl
		r.evictIdle(now)
	}
	pl.seen = now
	return pl.limiter.AllowN(now, 1)
}

// evictIdle убирает лимитеры диалогов, молчащих дольше idle.
func (r *RateLimit) evictIdle(now time.Time) {
	for peer, pl := range r.limiters {
		if now.Sub(pl.seen) > r.idle {
			delete(r.limiters, peer)
		}
	}
}

// PostProcessEvent реализует dispatch.Middleware.
func (r *RateLimit) PostProcessEvent(context.Context, *event.Event, dispatch.Result) {}

// Metrics пишет полную длительность обработки события как handler_duration_seconds{router="all"}.
type Metrics struct {
	metrics *metrics.Metrics
}

// NewMetrics создаёт middleware метрик.
func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{metrics: m}
}

// PreProcessEvent реализует dispatch.Middleware.
func (m *Metrics) PreProcessEvent(context.Context, *event.Event) bool { return true }

// PostProcessEvent реализует dispatch.Middleware.
func (m *Metrics) PostProcessEvent(_ context.Context, _ *event.Event, res dispatch.Result) {
	m.metrics.HandlerDuration("all", res.Duration)
}
