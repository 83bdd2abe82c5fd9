package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics содержит все метрики приложения
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	// Счетчики
	dialogEvents *prometheus.CounterVec
	attributions *prometheus.CounterVec
	backendCalls *prometheus.CounterVec

	// Гистограммы
	backendLatency *prometheus.HistogramVec

	// Gauge метрики
	activeSessions  prometheus.Gauge
	orphanReferrals prometheus.Gauge
	lastAuditRun    prometheus.Gauge

	mu sync.RWMutex
}

// New создает метрики в собственном реестре
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		// События диалога регистрации
		dialogEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_events_total",
				Help: "События диалога регистрации",
			},
			[]string{"event", "result"}, // result: вид подсказки, error, unexpected
		),

		// Результаты атрибуции
		attributions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_attributions_total",
				Help: "Регистрации по результату атрибуции",
			},
			[]string{"outcome"}, // attributed, unattributed, partial
		),

		// Вызовы хранилища
		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_calls_total",
				Help: "Вызовы хранилища",
			},
			[]string{"backend", "op", "status"},
		),

		backendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_call_duration_seconds",
				Help:    "Длительность вызовов хранилища в секундах",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "op"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onboarding_active_sessions",
				Help: "Количество незавершенных диалогов регистрации",
			},
		),

		orphanReferrals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "referral_orphans",
				Help: "Профили с referred_by без реферальной связи на момент последней проверки",
			},
		),

		lastAuditRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "referral_audit_last_run_timestamp",
				Help: "Время последней проверки целостности",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dialogEvents,
		m.attributions,
		m.backendCalls,
		m.backendLatency,
		m.activeSessions,
		m.orphanReferrals,
		m.lastAuditRun,
	)

	return m
}

// IncrementCounter увеличивает счетчик
func (m *Metrics) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counter *prometheus.CounterVec

	switch name {
	case "onboarding_events_total":
		counter = m.dialogEvents
	case "referral_attributions_total":
		counter = m.attributions
	case "storage_calls_total":
		counter = m.backendCalls
	default:
		m.logger.Error("неизвестная метрика", zap.String("name", name))
		return
	}

	counter.WithLabelValues(labels...).Inc()
}

// SetGauge устанавливает значение gauge метрики
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var gauge prometheus.Gauge

	switch name {
	case "onboarding_active_sessions":
		gauge = m.activeSessions
	case "referral_orphans":
		gauge = m.orphanReferrals
	case "referral_audit_last_run_timestamp":
		gauge = m.lastAuditRun
	default:
		m.logger.Error("неизвестная gauge метрика", zap.String("name", name))
		return
	}

	gauge.Set(value)
}

// ObserveDialogEvent записывает событие диалога регистрации
func (m *Metrics) ObserveDialogEvent(event, result string) {
	m.IncrementCounter("onboarding_events_total", event, result)
}

// ObserveAttribution записывает результат регистрации
func (m *Metrics) ObserveAttribution(outcome string) {
	m.IncrementCounter("referral_attributions_total", outcome)
}

// ObserveBackendCall записывает вызов хранилища
func (m *Metrics) ObserveBackendCall(backend, op, status string, duration time.Duration) {
	m.IncrementCounter("storage_calls_total", backend, op, status)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.backendLatency.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// SetActiveSessions обновляет число активных диалогов
func (m *Metrics) SetActiveSessions(n int) {
	m.SetGauge("onboarding_active_sessions", float64(n))
}

// RecordAudit записывает результат проверки целостности
func (m *Metrics) RecordAudit(orphans int, at time.Time) {
	m.SetGauge("referral_orphans", float64(orphans))
	m.SetGauge("referral_audit_last_run_timestamp", float64(at.Unix()))
}

// Registry возвращает реестр метрик
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler возвращает HTTP handler для метрик
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
