package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the sync and ingest processes.
type Metrics struct {
	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	ChecksTotal        *prometheus.CounterVec
	EventsAppended     *prometheus.CounterVec
	GroupsSkipped      *prometheus.CounterVec
	PackagesDiscovered *prometheus.CounterVec
	EmailsProcessed    *prometheus.CounterVec
	ActivePackages     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the metrics on reg; a nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "trackmail_sync_cycles_total",
			Help: "Total number of completed sync cycles",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trackmail_sync_cycle_duration_seconds",
			Help:    "Time spent in one sync cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trackmail_courier_checks_total",
			Help: "Courier status checks by courier and outcome",
		}, []string{"courier", "outcome"}),
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trackmail_status_events_appended_total",
			Help: "Status history rows written, by canonical status",
		}, []string{"status"}),
		GroupsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trackmail_courier_groups_skipped_total",
			Help: "Courier groups not dispatched in a cycle, by reason",
		}, []string{"courier", "reason"}),
		PackagesDiscovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trackmail_packages_discovered_total",
			Help: "New packages found in email, by courier",
		}, []string{"courier"}),
		EmailsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trackmail_emails_processed_total",
			Help: "Emails handed to the extractor, by result",
		}, []string{"result"}),
		ActivePackages: f.NewGauge(prometheus.GaugeOpts{
			Name: "trackmail_active_packages",
			Help: "Non-delivered packages seen at the start of the last cycle",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
