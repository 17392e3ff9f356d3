package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/logx"
	"github.com/flybasist/wavebot/internal/metrics"
)

var (
	// ErrNoTokenSource — диспетчер создан без источника контекста API.
	ErrNoTokenSource = errors.New("dispatch: no token source")
	// ErrDrainTimeout — обработчики не завершились за отведённое время.
	ErrDrainTimeout = errors.New("dispatch: drain timeout")
)

// HandlerError — ошибка фильтра или хендлера в конкретном роутере.
type HandlerError struct {
	Router string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("router %s: %v", e.Router, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Dispatcher принимает пачки сырых событий и обрабатывает каждое в своей горутине.
type Dispatcher struct {
	source       TokenSource
	platform     event.Platform
	chain        MiddlewareChain
	ignoreErrors bool
	logger       *zap.Logger
	metrics      *metrics.Metrics

	routersMu sync.RWMutex
	routers   []*Router

	inflight sync.WaitGroup
	closed   atomic.Bool

	errMu   sync.Mutex
	pending []error
	failed  chan struct{}
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithPlatform задаёт формат событий.
func WithPlatform(p event.Platform) Option {
	return func(d *Dispatcher) { d.platform = p }
}

// WithIgnoreErrors — ошибки хендлеров только логируются и не останавливают сессию.
func WithIgnoreErrors(v bool) Option {
	return func(d *Dispatcher) { d.ignoreErrors = v }
}

// WithLogger подключает логгер.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logx.OrNop(l) }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New создаёт диспетчер.
func New(source TokenSource, opts ...Option) (*Dispatcher, error) {
	if source == nil {
		return nil, ErrNoTokenSource
	}
	d := &Dispatcher{source: source, logger: zap.NewNop(), failed: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// AddRouter добавляет роутер. Каждое событие проходит через все роутеры по порядку добавления.
func (d *Dispatcher) AddRouter(r *Router) {
	d.routersMu.Lock()
	defer d.routersMu.Unlock()
	d.routers = append(d.routers, r)
}

// AddMiddleware добавляет middleware в конец цепочки.
func (d *Dispatcher) AddMiddleware(m Middleware) {
	d.chain.Add(m)
}

// ProcessBatch запускает обработку событий пачки в порядке поступления и сразу возвращается.
// Русский комментарий: Ошибки хендлеров из прошлых пачек возвращаются здесь, на следующей
// итерации сессии (если не включён WithIgnoreErrors). Тихую сессию без новых событий
// будит канал Failed. После Drain новые события не принимаются.
func (d *Dispatcher) ProcessBatch(ctx context.Context, updates []json.RawMessage) error {
	if err := d.TakeErr(); err != nil {
		return err
	}
	if d.closed.Load() {
		d.logger.Debug("dispatcher closed, dropping batch", zap.Int("count", len(updates)))
		return nil
	}

	// Хендлеры не должны обрываться на отмене сессии: их дожидается Drain.
	handlerCtx := context.WithoutCancel(ctx)
	for _, raw := range updates {
		ev, err := event.Parse(raw, d.platform)
		if err != nil {
			d.metrics.Event("malformed")
			d.logger.Warn("skipping malformed event", zap.Error(err), zap.ByteString("raw", raw))
			continue
		}
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			if err := d.ProcessEvent(handlerCtx, ev); err != nil {
				d.report(err)
			}
		}()
	}
	return nil
}

// ProcessEvent синхронно проводит одно событие через middleware и роутеры.
func (d *Dispatcher) ProcessEvent(ctx context.Context, ev *event.Event) error {
	start := time.Now()
	log := d.logger.With(zap.String("trace_id", ev.TraceID()), zap.String("event_type", ev.Type()))

	c, err := d.source.Context(ctx, ev)
	if err != nil {
		d.metrics.Event("error")
		return fmt.Errorf("bind api context: %w", err)
	}
	ev.BindAPI(c)

	var res Result
	if !d.chain.Pre(ctx, ev) {
		res.Rejected = true
		d.metrics.Event("rejected")
		log.Debug("event rejected by middleware")
	} else {
		var errs []error
		for _, r := range d.snapshotRouters() {
			matched, err := d.runRouter(ctx, r, ev)
			if matched {
				res.Handled = append(res.Handled, r.Name())
			}
			if err != nil {
				errs = append(errs, &HandlerError{Router: r.Name(), Err: err})
			}
		}
		res.Err = errors.Join(errs...)
		switch {
		case res.Err != nil:
			d.metrics.Event("error")
		case len(res.Handled) > 0:
			d.metrics.Event("handled")
		default:
			d.metrics.Event("unmatched")
		}
	}

	res.Duration = time.Since(start)
	d.chain.Post(ctx, ev, res)
	return res.Err
}

// runRouter запускает роутер, превращая панику хендлера в ошибку.
func (d *Dispatcher) runRouter(ctx context.Context, r *Router, ev *event.Event) (matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("panic recovered in handler",
				zap.String("router", r.Name()),
				zap.String("trace_id", ev.TraceID()),
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())),
			)
			matched, err = true, fmt.Errorf("panic recovered: %v", p)
		}
	}()
	return r.process(ctx, ev, d.metrics)
}

func (d *Dispatcher) snapshotRouters() []*Router {
	d.routersMu.RLock()
	defer d.routersMu.RUnlock()
	return d.routers
}

func (d *Dispatcher) report(err error) {
	if d.ignoreErrors {
		d.logger.Error("event handling failed", zap.Error(err))
		return
	}
	d.errMu.Lock()
	d.pending = append(d.pending, err)
	d.errMu.Unlock()

	select {
	case d.failed <- struct{}{}:
	default:
	}
}

// Failed сигналит, что появилась ошибка хендлера, которую нужно забрать через TakeErr.
func (d *Dispatcher) Failed() <-chan struct{} { return d.failed }

// TakeErr возвращает накопленные ошибки хендлеров и сбрасывает их.
func (d *Dispatcher) TakeErr() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	err := errors.Join(d.pending...)
	d.pending = nil
	return err
}

// Err возвращает накопленные ошибки хендлеров, не сбрасывая их.
func (d *Dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return errors.Join(d.pending...)
}

// Drain перестаёт принимать события и ждёт текущие хендлеры не дольше timeout.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	d.closed.Store(true)
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrDrainTimeout
	}
}
