// Package metrics экспортирует счётчики рантайма в формате Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "wavebot"

// Metrics — набор коллекторов рантайма.
// Русский комментарий: Все методы nil-safe, компоненты без метрик передают nil.
type Metrics struct {
	tokensSelected  prometheus.Counter
	apiRequests     *prometheus.CounterVec
	polls           *prometheus.CounterVec
	events          *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// New регистрирует коллекторы в reg. Для тестов передавайте prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tokensSelected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_selected_total",
			Help:      "Tokens selected from pools for API calls.",
		}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Remote API calls by method and outcome.",
		}, []string{"method", "outcome"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "longpoll_polls_total",
			Help:      "Long-poll calls by result.",
		}, []string{"result"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Dispatched events by result.",
		}, []string{"result"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Matched handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"router"}),
	}
}

// TokenSelected учитывает выбор токена.
func (m *Metrics) TokenSelected() {
	if m == nil {
		return
	}
	m.tokensSelected.Inc()
}

// APIRequest учитывает вызов метода API.
func (m *Metrics) APIRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, outcome).Inc()
}

// Poll учитывает long-poll запрос.
func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// Event учитывает результат диспетчеризации события.
func (m *Metrics) Event(result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(result).Inc()
}

// HandlerDuration учитывает длительность хендлера.
func (m *Metrics) HandlerDuration(router string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(router).Observe(d.Seconds())
}

// Serve поднимает HTTP endpoint /metrics до отмены ctx.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
