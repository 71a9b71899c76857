package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/straja-ai/phiwatch/internal/activation"
	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/risk"
)

const namespace = "phiwatch"

// Prometheus holds the scrape collectors on a private registry. It implements the
// engine's Observer.
type Prometheus struct {
	registry *prometheus.Registry

	evaluations         *prometheus.CounterVec
	riskScore           prometheus.Histogram
	complianceScore     prometheus.Gauge
	windowTotal         prometheus.Gauge
	windowFlagged       prometheus.Gauge
	windowBlocked       prometheus.Gauge
	driftPercent        prometheus.Gauge
	openAlerts          prometheus.Gauge
	alertsRaised        *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpLatency         *prometheus.HistogramVec
}

// NewPrometheus registers all collectors plus the Go and process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluations by disposition",
		}, []string{"status"}),
		riskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of evaluation risk scores",
			Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		complianceScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "compliance_score_percent",
			Help:      "Compliance score of the latest metrics snapshot",
		}),
		windowTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "evaluations",
			Help:      "Evaluations inside the latest metrics window",
		}),
		windowFlagged: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "flagged",
			Help:      "Flagged or blocked evaluations inside the latest metrics window",
		}),
		windowBlocked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "blocked",
			Help:      "Blocked evaluations inside the latest metrics window",
		}),
		driftPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "drift_percent",
			Help:      "Peak model drift inside the latest metrics window",
		}),
		openAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_alerts",
			Help:      "OPEN alerts at the latest metrics snapshot",
		}),
		alertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
		persistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Store writes that failed, by operation",
		}, []string{"op"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route"}),
	}
}

func (p *Prometheus) ObserveEvaluation(status risk.Status, score float64) {
	p.evaluations.WithLabelValues(string(status)).Inc()
	p.riskScore.Observe(score)
}

func (p *Prometheus) ObserveSnapshot(snap metrics.Snapshot) {
	p.complianceScore.Set(snap.ComplianceScore)
	p.windowTotal.Set(float64(snap.TotalCount))
	p.windowFlagged.Set(float64(snap.FlaggedCount))
	p.windowBlocked.Set(float64(snap.BlockedCount))
	p.driftPercent.Set(snap.DriftPercent)
	p.openAlerts.Set(float64(snap.ActiveAudits))
}

func (p *Prometheus) ObserveAlert(a alerts.Alert) {
	p.alertsRaised.WithLabelValues(a.AlertType, string(a.Severity)).Inc()
}

func (p *Prometheus) ObservePersistenceFailure(op string) {
	p.persistenceFailures.WithLabelValues(op).Inc()
}

// ObserveHTTP records one served request. route is the registered pattern, never the raw path.
func (p *Prometheus) ObserveHTTP(route, code string, seconds float64) {
	p.httpRequests.WithLabelValues(route, code).Inc()
	p.httpLatency.WithLabelValues(route).Observe(seconds)
}

// WatchEmitter exposes the activation emitter counters as scrape-time functions.
func (p *Prometheus) WatchEmitter(em *activation.Emitter) {
	if em == nil {
		return
	}
	f := promauto.With(p.registry)
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "activation",
		Name:      "events_enqueued_total",
		Help:      "Alert events accepted by the emitter queue",
	}, func() float64 { return float64(em.MetricsSnapshot().Enqueued()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "activation",
		Name:      "events_dropped_total",
		Help:      "Alert events dropped because the queue was full or closed",
	}, func() float64 { return float64(em.MetricsSnapshot().Dropped()) })
	p.registry.MustRegister(&sinkCollector{em: em})
}

// Handler serves the private registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry is exposed for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

var sinkDeliveries = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "activation", "sink_deliveries_total"),
	"Alert event deliveries per sink and result",
	[]string{"sink", "result"}, nil,
)

// sinkCollector reads per-sink counters at scrape time; the sink set is fixed at startup.
type sinkCollector struct {
	em *activation.Emitter
}

func (c *sinkCollector) Describe(ch chan<- *prometheus.Desc) { ch <- sinkDeliveries }

func (c *sinkCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.em.MetricsSnapshot()
	for _, name := range m.Sinks() {
		ch <- prometheus.MustNewConstMetric(sinkDeliveries, prometheus.CounterValue, float64(m.SinkSuccess(name)), name, "success")
		ch <- prometheus.MustNewConstMetric(sinkDeliveries, prometheus.CounterValue, float64(m.SinkFailure(name)), name, "failure")
	}
}
