// Package metrics предоставляет Prometheus метрики и HTTP server для
// /metrics, /healthz и /readyz. Используется всеми сервисами платформы.
//
// Типы метрик:
//   - Counter: только растёт (публикации, события, ошибки)
//   - Histogram: распределение значений (latency)
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/order-platform/pkg/logger"
)

// =============================================================================
// Метрики ядра
// =============================================================================

var (
	// OutboxPublishedTotal — счётчик успешно опубликованных outbox строк.
	// PromQL: rate(outbox_published_total{tenant="..."}[5m]) — поток публикаций.
	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Количество опубликованных в шину строк outbox",
		},
		[]string{"tenant"},
	)

	// OutboxRetriesTotal — счётчик перепланированных на повтор строк.
	OutboxRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_retries_total",
			Help: "Количество строк outbox, отправленных на повтор",
		},
		[]string{"tenant"},
	)

	// OutboxParkedTotal — счётчик строк, выведенных из очереди (dead letter).
	OutboxParkedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_parked_total",
			Help: "Количество строк outbox, запаркованных после исчерпания попыток",
		},
		[]string{"tenant"},
	)

	// ProjectorEventsTotal — счётчик обработанных проектором событий.
	ProjectorEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_events_total",
			Help: "Количество обработанных проектором событий по результату",
		},
		[]string{"result"}, // projected / skipped / malformed / failed
	)

	// PaymentOperationsTotal — счётчик операций платёжной машины состояний.
	PaymentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_operations_total",
			Help: "Количество операций платёжной машины состояний по исходу",
		},
		[]string{"operation", "outcome"}, // authorize/capture/refund × ok/failed/rejected
	)

	// RequestDuration — гистограмма latency операций.
	// PromQL: histogram_quantile(0.95, rate(request_duration_seconds_bucket[5m]))
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения операции в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "operation"},
	)

	// LiveSubscribersGauge — текущее количество подписчиков live-стримов.
	LiveSubscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_subscribers",
			Help: "Текущее количество подписчиков LiveStatusBus",
		},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — проверка готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе — ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку — /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт metrics server.
// addr — адрес для прослушивания (например ":9090"), service — имя сервиса.
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	// /metrics — Prometheus сам приходит сюда и забирает метрики
	mux.Handle("/metrics", promhttp.Handler())

	// /healthz — liveness probe: процесс жив, если сервер отвечает
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// /readyz — readiness probe: зависимости доступны
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()

			if err := s.readinessCheck(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"not_ready","error":"` + err.Error() + `"}`))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start запускает metrics server. Блокирует выполнение.
func (s *Server) Start() error {
	logger.Info().
		Str("service", s.service).
		Str("addr", s.httpServer.Addr).
		Msg("Запуск metrics server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown останавливает metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Str("service", s.service).Msg("Остановка metrics server")
	return s.httpServer.Shutdown(ctx)
}
