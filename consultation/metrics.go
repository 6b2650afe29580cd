// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerRetries  *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consultation_dispatch_total",
				Help: "Dispatches by delivery mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consultation_dispatch_duration_seconds",
				Help:    "Time from dispatch start to terminal state",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consultation_cache_lookups_total",
				Help: "Answer cache lookups by result",
			},
			[]string{"result"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consultation_provider_calls_total",
				Help: "AI provider calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		providerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consultation_provider_retries_total",
				Help: "AI provider retries by operation",
			},
			[]string{"operation"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consultation_escalations_total",
				Help: "Transfers to human staff by type",
			},
			[]string{"type"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consultation_worker_queue_depth",
				Help: "Queued tasks per worker pool",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.cacheLookups,
		m.providerCalls,
		m.providerRetries,
		m.escalations,
		m.queueDepth,
	)
	return m
}

// Dispatch records one finished dispatch.
func (m *Metrics) Dispatch(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(mode, outcome).Inc()
	m.dispatchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// CacheLookup records a hit, miss or error.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ProviderCall implements llm.Observer.
func (m *Metrics) ProviderCall(operation, result string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation, result).Inc()
}

// ProviderRetry implements llm.Observer.
func (m *Metrics) ProviderRetry(operation string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(operation).Inc()
}

// Escalation records a created transfer.
func (m *Metrics) Escalation(t TransferType) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(string(t)).Inc()
}

// QueueDepth is a WorkerPool depth hook.
func (m *Metrics) QueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(pool).Set(float64(depth))
}
