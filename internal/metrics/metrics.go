// Package metrics holds the Prometheus instruments of the fswatch daemon.
//
// # Metric catalogue
//
//	fswatch_inotify_events_total{watch,kind}     – counter: decoded events, one increment per kind bit
//	fswatch_inotify_wait_errors_total{reason}    – counter: WaitForEvent failures by cause
//	fswatch_inotify_watches                      – gauge:   live entries in the watch table
//	fswatch_inotify_dropped_records_total        – counter: records dropped because the output channel was full
//	fswatch_sink_errors_total{sink}              – counter: failed sink writes
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripwire/fswatch/inotify"
)

// Metrics is one set of registered instruments.
type Metrics struct {
	reg prometheus.Gatherer

	events     *prometheus.CounterVec
	waitErrors *prometheus.CounterVec
	watches    prometheus.Gauge
	dropped    prometheus.Counter
	sinkErrors *prometheus.CounterVec
}

// New registers the instruments with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fswatch",
			Subsystem: "inotify",
			Name:      "events_total",
			Help:      "Total number of decoded inotify events by watch and kind",
		}, []string{"watch", "kind"}),
		waitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fswatch",
			Subsystem: "inotify",
			Name:      "wait_errors_total",
			Help:      "Total number of failed waits for an inotify event",
		}, []string{"reason"}),
		watches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fswatch",
			Subsystem: "inotify",
			Name:      "watches",
			Help:      "Number of live inotify watches",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fswatch",
			Subsystem: "inotify",
			Name:      "dropped_records_total",
			Help:      "Total number of events dropped because the consumer fell behind",
		}),
		sinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fswatch",
			Name:      "sink_errors_total",
			Help:      "Total number of failed sink writes",
		}, []string{"sink"}),
	}
}

// ObserveEvent counts one event under each kind name set in mask.
func (m *Metrics) ObserveEvent(watch string, mask inotify.EventKind) {
	for _, name := range mask.Names() {
		m.events.WithLabelValues(watch, name).Inc()
	}
}

// ObserveWaitError counts a failed WaitForEvent.
func (m *Metrics) ObserveWaitError(reason string) {
	m.waitErrors.WithLabelValues(reason).Inc()
}

// SetWatches records the current size of the watch table.
func (m *Metrics) SetWatches(n int) { m.watches.Set(float64(n)) }

// ObserveDropped counts one dropped event.
func (m *Metrics) ObserveDropped() { m.dropped.Inc() }

// ObserveSinkError counts one failed sink write.
func (m *Metrics) ObserveSinkError(sink string) {
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
