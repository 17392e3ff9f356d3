// Package dispatch раздаёт события роутерам: middleware, фильтры записей, хендлеры.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/filters"
	"github.com/flybasist/wavebot/internal/metrics"
)

// Handler обрабатывает событие, прошедшее фильтры записи.
type Handler func(ctx context.Context, ev *event.Event) error

// Record — упорядоченные фильтры (неявное И) и один хендлер.
type Record struct {
	router  *Router
	filters []filters.Filter
	handler Handler
}

// WithFilters добавляет фильтры. Порядок сохраняется: дорогие фильтры ставьте в конец.
func (rec *Record) WithFilters(fs ...filters.Filter) *Record {
	rec.filters = append(rec.filters, fs...)
	return rec
}

// Handle задаёт хендлер.
func (rec *Record) Handle(h Handler) *Record {
	rec.handler = h
	return rec
}

// Register добавляет запись в конец роутера. Без хендлера паникует, как http.Handle с nil.
func (rec *Record) Register() {
	if rec.handler == nil {
		panic("dispatch: record registered without handler")
	}
	rec.router.add(rec)
}

// Router — именованный список записей. Порядок регистрации значим: срабатывает первая
// полностью совпавшая запись, остальные не проверяются.
type Router struct {
	name    string
	mu      sync.RWMutex
	records []*Record
}

// NewRouter создаёт роутер.
func NewRouter(name string) *Router {
	return &Router{name: name}
}

// Name возвращает имя роутера.
func (r *Router) Name() string { return r.name }

// NewRecord начинает запись для этого роутера.
func (r *Router) NewRecord() *Record {
	return &Record{router: r}
}

// Handle регистрирует хендлер с фильтрами одной строкой.
func (r *Router) Handle(h Handler, fs ...filters.Filter) {
	r.NewRecord().WithFilters(fs...).Handle(h).Register()
}

// HandleMessage — Handle с фильтром нового сообщения (message_new для бота, код 4 для user).
func (r *Router) HandleMessage(h Handler, fs ...filters.Filter) {
	all := append([]filters.Filter{filters.EventType(event.TypeMessageNew, event.UserTypeMessageNew)}, fs...)
	r.Handle(h, all...)
}

// Len возвращает число записей.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Router) add(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// process проверяет записи по порядку и запускает хендлер первой совпавшей.
// Ошибка фильтра прерывает проход по роутеру.
func (r *Router) process(ctx context.Context, ev *event.Event, m *metrics.Metrics) (bool, error) {
	r.mu.RLock()
	records := r.records
	r.mu.RUnlock()

	for _, rec := range records {
		ok, err := filters.CheckAll(ctx, ev, rec.filters)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		start := time.Now()
		err = rec.handler(ctx, ev)
		m.HandlerDuration(r.name, time.Since(start))
		return true, err
	}
	return false, nil
}
