package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gateway's collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	invocations     *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	fallbacks       *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec
	recorderErrors  *prometheus.CounterVec
	tokens          *prometheus.CounterVec

	reg             prometheus.Registerer
	recorderPending prometheus.GaugeFunc
	recorderDropped prometheus.GaugeFunc
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_invocations_total",
				Help: "Total number of gateway invocations",
			},
			[]string{"service", "outcome"}, // outcome: SUCCESS|LIMIT_EXCEEDED|AI_UNAVAILABLE|...
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_provider_calls_total",
				Help: "Total number of AI provider calls",
			},
			[]string{"provider", "status"}, // status: success|transient|safety|malformed|configuration
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ai_gateway_provider_latency_seconds",
				Help:    "AI provider call latency in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_fallbacks_total",
				Help: "Total number of backup route attempts",
			},
			[]string{"from", "to"},
		),
		quotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_quota_rejections_total",
				Help: "Total number of invocations rejected by quota",
			},
			[]string{"service", "feature_type"},
		),
		recorderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_usage_recorder_errors_total",
				Help: "Total number of usage events that failed to enqueue, store or mirror",
			},
			[]string{"stage"}, // stage: enqueue|append|sink
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_tokens_total",
				Help: "Total tokens consumed through the gateway",
			},
			[]string{"provider", "type"}, // type: input|output
		),
	}

	reg.MustRegister(
		m.invocations,
		m.providerCalls,
		m.providerLatency,
		m.fallbacks,
		m.quotaRejections,
		m.recorderErrors,
		m.tokens,
	)
	return m
}

func (m *Metrics) Invocation(service, outcome string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(service, outcome).Inc()
}

func (m *Metrics) ProviderCall(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, status).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) Tokens(provider string, input, output int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider, "input").Add(float64(input))
	m.tokens.WithLabelValues(provider, "output").Add(float64(output))
}

func (m *Metrics) Fallback(from, to string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) QuotaRejected(service, featureType string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(service, featureType).Inc()
}

func (m *Metrics) RecorderError(stage string) {
	if m == nil {
		return
	}
	m.recorderErrors.WithLabelValues(stage).Inc()
}

// WatchRecorder exports the usage recorder's queue depth and the number of
// recorder errors dropped because nobody drained them in time.
func (m *Metrics) WatchRecorder(pending func() int, dropped func() int64) {
	if m == nil {
		return
	}
	m.recorderPending = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ai_gateway_usage_recorder_pending",
			Help: "Usage events waiting to be stored",
		},
		func() float64 { return float64(pending()) },
	)
	m.recorderDropped = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ai_gateway_usage_recorder_dropped_errors",
			Help: "Usage recorder errors discarded because the error buffer was full",
		},
		func() float64 { return float64(dropped()) },
	)
	m.reg.MustRegister(m.recorderPending, m.recorderDropped)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
