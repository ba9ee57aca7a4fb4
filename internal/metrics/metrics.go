// Package metrics exposes ingestion counters on a private Prometheus
// registry. A nil *Set disables collection without sprinkling nil checks at
// call sites.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Packet admission results used as label values on PacketsTotal.
const (
	ResultNew    = "new"
	ResultUpdate = "update"
	ResultStale  = "stale"
)

// Set holds the hub's Prometheus collectors.
type Set struct {
	registry *prometheus.Registry

	FramesTotal     prometheus.Counter
	PacketsTotal    *prometheus.CounterVec
	GateDropsTotal  prometheus.Counter
	PingsTotal      prometheus.Counter
	BroadcastsTotal *prometheus.CounterVec
	AlertsTotal     *prometheus.CounterVec
}

// New creates and registers the full metric set.
func New() *Set {
	registry := prometheus.NewRegistry()

	s := &Set{
		registry: registry,
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldhub",
			Name:      "frames_total",
			Help:      "Completed frames reassembled from the serial stream",
		}),
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldhub",
			Name:      "packets_total",
			Help:      "Decoded sensor packets by admission result",
		}, []string{"result"}),
		GateDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldhub",
			Name:      "gate_drops_total",
			Help:      "Valid measurements dropped while the ingestion gate was closed",
		}),
		PingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldhub",
			Name:      "pings_total",
			Help:      "Network ping signals observed on the serial stream",
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldhub",
			Name:      "broadcasts_total",
			Help:      "Events broadcast to subscribers by envelope type",
		}, []string{"type"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldhub",
			Name:      "alerts_total",
			Help:      "Alerts accumulated by rule",
		}, []string{"rule"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		s.FramesTotal,
		s.PacketsTotal,
		s.GateDropsTotal,
		s.PingsTotal,
		s.BroadcastsTotal,
		s.AlertsTotal,
	)

	return s
}

// Handler serves the registry in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// IncFrame records a completed frame. Safe on a nil Set.
func (s *Set) IncFrame() {
	if s != nil {
		s.FramesTotal.Inc()
	}
}

// IncPacket records an admitted/rejected packet by result. Safe on a nil Set.
func (s *Set) IncPacket(result string) {
	if s != nil {
		s.PacketsTotal.WithLabelValues(result).Inc()
	}
}

// IncGateDrop records a measurement lost to a closed gate. Safe on a nil Set.
func (s *Set) IncGateDrop() {
	if s != nil {
		s.GateDropsTotal.Inc()
	}
}

// IncPing records an observed ping signal. Safe on a nil Set.
func (s *Set) IncPing() {
	if s != nil {
		s.PingsTotal.Inc()
	}
}

// IncBroadcast records a broadcast by envelope type. Safe on a nil Set.
func (s *Set) IncBroadcast(eventType string) {
	if s != nil {
		s.BroadcastsTotal.WithLabelValues(eventType).Inc()
	}
}

// IncAlert records a triggered alert by rule name. Safe on a nil Set.
func (s *Set) IncAlert(rule string) {
	if s != nil {
		s.AlertsTotal.WithLabelValues(rule).Inc()
	}
}
