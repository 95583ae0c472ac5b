// Package metrics exposes the doorbell counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/cjeanneret/doorbell/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "doorbell"

// Metrics holds the collectors on a private registry fed from the event bus.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	reconnects     prometheus.Counter
	switches       *prometheus.CounterVec
	reloads        prometheus.Counter
	feedCount      prometheus.Gauge
	snapshots      *prometheus.CounterVec
	snapshotTime   prometheus.Histogram
	currentFeed    prometheus.Gauge
	framesRendered prometheus.Counter
}

// New registers all collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"to"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnections after a failed frame read",
		}),
		switches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_switches_total",
			Help:      "Feed changes requested by the user",
		}, []string{"action"}),
		reloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reloads_total",
			Help:      "Feed list reloads",
		}),
		feedCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feeds",
			Help:      "Number of feeds in the current list",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Finished snapshot jobs by result",
		}, []string{"result"}),
		snapshotTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time from dispatch to upload completion",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		currentFeed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_feed_index",
			Help:      "Index of the selected feed",
		}),
		framesRendered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rendered_total",
			Help:      "Video frames pushed to the panel",
		}),
	}
}

// Attach subscribes the collectors to bus. The returned function
// unsubscribes them.
func (m *Metrics) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(m.observeState),
		bus.Subscribe(m.observeSwitch),
		bus.Subscribe(m.observeReload),
		bus.Subscribe(m.observeSnapshot),
		bus.Subscribe(m.observeFrame),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeState(e events.StateChanged) {
	m.transitions.WithLabelValues(e.To).Inc()
	m.currentFeed.Set(float64(e.Index))
	if e.To == "RECONNECTING" {
		m.reconnects.Inc()
	}
}

func (m *Metrics) observeSwitch(e events.FeedSwitched) {
	m.switches.WithLabelValues(e.Action).Inc()
}

func (m *Metrics) observeReload(e events.FeedsReloaded) {
	m.reloads.Inc()
	m.feedCount.Set(float64(e.Count))
}

func (m *Metrics) observeSnapshot(e events.SnapshotFinished) {
	result := "ok"
	if !e.OK() {
		result = "error"
	}
	m.snapshots.WithLabelValues(result).Inc()
	m.snapshotTime.Observe(e.Duration.Seconds())
}

func (m *Metrics) observeFrame(events.FrameRendered) {
	m.framesRendered.Inc()
}
