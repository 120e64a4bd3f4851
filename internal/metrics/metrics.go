// Package metrics exposes billing counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick outcomes
const (
	TickApplied      = "applied"
	TickDuplicate    = "duplicate"
	TickZero         = "zero"
	TickInsufficient = "insufficient_funds"
	TickGrace        = "grace"
	TickAnomaly      = "clock_anomaly"
	TickDeferred     = "deferred"
	TickFailed       = "failed"
)

// Recorder receives billing events
type Recorder interface {
	Tick(outcome string)
	Charged(amount int64)
	SetActiveSessions(n int)
	Transition(state string)
	ReloadRequest(outcome string)
	StoreRetry(op string)
	ReplayItem(outcome string)
}

// Prometheus implements Recorder on a private registry
type Prometheus struct {
	registry *prometheus.Registry

	ticks          *prometheus.CounterVec
	chargedCents   prometheus.Counter
	activeSessions prometheus.Gauge
	transitions    *prometheus.CounterVec
	reloads        *prometheus.CounterVec
	storeRetries   *prometheus.CounterVec
	replayItems    *prometheus.CounterVec
}

// NewPrometheus registers the billing collectors plus the Go and process collectors
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "ticks_total",
			Help:      "Billing ticks by outcome",
		}, []string{"outcome"}),
		chargedCents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "charged_cents_total",
			Help:      "Total amount charged to clients, in cents",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "billing",
			Name:      "active_sessions",
			Help:      "Sessions currently registered for billing",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "autoreload_requests_total",
			Help:      "Auto-reload requests by outcome",
		}, []string{"outcome"}), // accepted, declined, failed, suppressed
		storeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "store_retries_total",
			Help:      "Retried balance store and ledger operations",
		}, []string{"op"}),
		replayItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "replay_items_total",
			Help:      "Deferred charges processed after restart, by outcome",
		}, []string{"outcome"}),
	}
}

func (p *Prometheus) Tick(outcome string)          { p.ticks.WithLabelValues(outcome).Inc() }
func (p *Prometheus) Charged(amount int64)         { p.chargedCents.Add(float64(amount)) }
func (p *Prometheus) SetActiveSessions(n int)      { p.activeSessions.Set(float64(n)) }
func (p *Prometheus) Transition(state string)      { p.transitions.WithLabelValues(state).Inc() }
func (p *Prometheus) ReloadRequest(outcome string) { p.reloads.WithLabelValues(outcome).Inc() }
func (p *Prometheus) StoreRetry(op string)         { p.storeRetries.WithLabelValues(op).Inc() }
func (p *Prometheus) ReplayItem(outcome string)    { p.replayItems.WithLabelValues(outcome).Inc() }

// Handler serves the registry in the Prometheus exposition format
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Noop discards everything
type Noop struct{}

func (Noop) Tick(string)           {}
func (Noop) Charged(int64)         {}
func (Noop) SetActiveSessions(int) {}
func (Noop) Transition(string)     {}
func (Noop) ReloadRequest(string)  {}
func (Noop) StoreRetry(string)     {}
func (Noop) ReplayItem(string)     {}
