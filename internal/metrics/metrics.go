// Package metrics defines the gateway's prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the auth and usage paths update.
type Metrics struct {
	authDecisions    *prometheus.CounterVec
	validationChecks *prometheus.CounterVec
	profileRefresh   *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	usageEnqueue     *prometheus.CounterVec
	usageBatches     *prometheus.CounterVec
	usageBatchSize   prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "auth_decisions_total",
			Help:      "Authentication decisions by resolution path and outcome.",
		}, []string{"path", "outcome"}),
		validationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "validation_checks_total",
			Help:      "Credential validity checks by auth type and result (cached, valid, invalid, stopped, error).",
		}, []string{"auth_type", "result"}),
		profileRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "profile_refresh_total",
			Help:      "Stored auth profile refresh attempts by outcome.",
		}, []string{"outcome"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_retries_total",
			Help:      "Refresh-on-401 recoveries by outcome.",
		}, []string{"outcome"}),
		usageEnqueue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "usage_enqueue_total",
			Help:      "Usage records enqueued by outcome.",
		}, []string{"outcome"}),
		usageBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "usage_batches_total",
			Help:      "Usage batches delivered upstream by outcome.",
		}, []string{"outcome"}),
		usageBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "usage_batch_size",
			Help:      "Number of records per delivered usage batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.authDecisions, m.validationChecks, m.profileRefresh,
			m.upstreamRetries, m.usageEnqueue, m.usageBatches, m.usageBatchSize)
	}
	return m
}

// AuthDecision counts one authenticate() resolution.
func (m *Metrics) AuthDecision(path, outcome string) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(path, outcome).Inc()
}

// ValidationCheck counts one ValidateAndCache result.
func (m *Metrics) ValidationCheck(authType, result string) {
	if m == nil {
		return
	}
	m.validationChecks.WithLabelValues(authType, result).Inc()
}

// ProfileRefresh counts one profile refresh.
func (m *Metrics) ProfileRefresh(outcome string) {
	if m == nil {
		return
	}
	m.profileRefresh.WithLabelValues(outcome).Inc()
}

// UpstreamRetry counts one refresh-on-401 recovery attempt.
func (m *Metrics) UpstreamRetry(outcome string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(outcome).Inc()
}

// UsageEnqueue counts one usage enqueue.
func (m *Metrics) UsageEnqueue(outcome string) {
	if m == nil {
		return
	}
	m.usageEnqueue.WithLabelValues(outcome).Inc()
}

// UsageBatch counts one delivered (or failed) batch of n records.
func (m *Metrics) UsageBatch(outcome string, n int) {
	if m == nil {
		return
	}
	m.usageBatches.WithLabelValues(outcome).Inc()
	if outcome == "delivered" {
		m.usageBatchSize.Observe(float64(n))
	}
}
