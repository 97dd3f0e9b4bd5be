// Package metrics wires the PBFT core's observability hooks to Prometheus,
// adapted from the application's own promauto-based metrics registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink implements pbft.MetricsSink with promauto-registered collectors. It
// is passed to pbft.NewNode as the MetricsSink argument without the pbft
// package ever importing this one.
type Sink struct {
	phase             *prometheus.GaugeVec
	viewChangesTotal  prometheus.Counter
	checkpointsStable prometheus.Counter
	messagesLogged    *prometheus.CounterVec
	backlogDepth      *prometheus.GaugeVec
	view              prometheus.Gauge
}

// NewSink registers and returns a new Sink against the default Prometheus
// registry. Call it once per process — a second call will panic on
// duplicate registration, matching promauto's usual contract. This is the
// right constructor for cmd/pbft-netsim, where each process runs exactly
// one node. A process that runs more than one node in-process (e.g.
// cmd/pbft-harness) must give each node its own registry via NewSinkWith
// instead.
func NewSink() *Sink {
	return NewSinkWith(prometheus.DefaultRegisterer)
}

// NewSinkWith registers and returns a new Sink against reg. Pass a fresh
// prometheus.NewRegistry() per node when multiple nodes share a process, so
// each node's collectors don't collide under the same metric names on the
// default registry.
func NewSinkWith(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pbft_phase",
			Help: "1 for the node's current consensus phase, 0 otherwise",
		}, []string{"phase"}),

		viewChangesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pbft_view_changes_total",
			Help: "Total number of view changes this node has completed",
		}),

		checkpointsStable: factory.NewCounter(prometheus.CounterOpts{
			Name: "pbft_checkpoints_stable_total",
			Help: "Total number of checkpoints that reached stability",
		}),

		messagesLogged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pbft_messages_logged_total",
			Help: "Total number of consensus messages appended to the log",
		}, []string{"type"}),

		backlogDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pbft_backlog_depth",
			Help: "Current depth of the peer and block message backlogs",
		}, []string{"kind"}),

		view: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pbft_view",
			Help: "Current view number",
		}),
	}
}

// ObservePhase sets phase to 1 and zeroes every other known phase gauge so
// the current phase is visible as the only lit series.
func (s *Sink) ObservePhase(phase string) {
	for _, p := range []string{"NotStarted", "PrePreparing", "Preparing", "Checking", "Committing", "Finished"} {
		if p == phase {
			s.phase.WithLabelValues(p).Set(1)
		} else {
			s.phase.WithLabelValues(p).Set(0)
		}
	}
}

func (s *Sink) ObserveViewChange()      { s.viewChangesTotal.Inc() }
func (s *Sink) ObserveCheckpointStable() { s.checkpointsStable.Inc() }

func (s *Sink) ObserveMessageLogged(msgType string) {
	s.messagesLogged.WithLabelValues(msgType).Inc()
}

func (s *Sink) ObserveBacklogDepth(kind string, depth int) {
	s.backlogDepth.WithLabelValues(kind).Set(float64(depth))
}

func (s *Sink) ObserveView(view uint64) { s.view.Set(float64(view)) }
