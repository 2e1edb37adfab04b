// Package metrics содержит метрики Prometheus сервисов подписок.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paykit"

// Исходы резервирования лимита.
const (
	ReservationReserved      = "reserved"
	ReservationCommitted     = "committed"
	ReservationRolledBack    = "rolled_back"
	ReservationLimitExceeded = "limit_exceeded"
)

// Metrics — набор метрик. Методы безопасно вызывать у nil.
type Metrics struct {
	registry *prometheus.Registry

	SignaturesTotal     *prometheus.CounterVec
	ReservationsTotal   *prometheus.CounterVec
	PaymentAttempts     *prometheus.CounterVec
	BillingCycles       *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		SignaturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signatures_total",
				Help:      "Signature verifications by result",
			},
			[]string{"result"},
		),
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spending_reservations_total",
				Help:      "Spending limit reservations by outcome",
			},
			[]string{"outcome"},
		),
		PaymentAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_attempts_total",
				Help:      "Payment attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		BillingCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_cycles_total",
				Help:      "Billing cycles by result",
			},
			[]string{"result"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	registry.MustRegister(
		m.SignaturesTotal,
		m.ReservationsTotal,
		m.PaymentAttempts,
		m.BillingCycles,
		m.HTTPRequestDuration,
	)
	return m
}

// SignatureVerified учитывает проверку подписи.
func (m *Metrics) SignatureVerified(ok bool) {
	if m == nil {
		return
	}
	result := "verified"
	if !ok {
		result = "rejected"
	}
	m.SignaturesTotal.WithLabelValues(result).Inc()
}

// Reservation учитывает исход операции с лимитом.
func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

// PaymentAttempt учитывает попытку оплаты методом method.
func (m *Metrics) PaymentAttempt(method string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.PaymentAttempts.WithLabelValues(method, outcome).Inc()
}

// BillingCycle учитывает завершённый цикл биллинга.
func (m *Metrics) BillingCycle(result string) {
	if m == nil {
		return
	}
	m.BillingCycles.WithLabelValues(result).Inc()
}

// Handler отдаёт метрики реестра.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware измеряет длительность HTTP-запросов. route — шаблон маршрута,
// чтобы идентификаторы в пути не порождали новые серии.
func (m *Metrics) Middleware(route func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestDuration.
				WithLabelValues(r.Method, route(r), strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
		})
	}
}
