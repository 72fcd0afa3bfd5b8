package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "regtruth"

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	scans              *prom.CounterVec
	contentChanges     *prom.CounterVec
	parseDuration      *prom.HistogramVec
	cycleRejections    *prom.CounterVec
	validationDuration *prom.HistogramVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
// A nil registry gets a fresh one.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		scans: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "source_scans_total",
			Help:      "Source scans by outcome",
		}, []string{"outcome"}),
		contentChanges: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "content_changes_total",
			Help:      "Detected content changes by source",
		}, []string{"source"}),
		parseDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_duration_seconds",
			Help:      "Structural parse duration by resulting status",
			Buckets:   prom.DefBuckets,
		}, []string{"status"}),
		cycleRejections: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "graph_cycle_rejections_total",
			Help:      "Precedence edges rejected because they would close a cycle",
		}, []string{"relation"}),
		validationDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_validation_duration_seconds",
			Help:      "Duration of batch acyclicity validation",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
	}
	reg.MustRegister(pr.scans, pr.contentChanges, pr.parseDuration, pr.cycleRejections, pr.validationDuration)
	return pr
}

func (p *PrometheusRecorder) IncScan(outcome ScanOutcome) {
	if p == nil {
		return
	}
	p.scans.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncContentChange(source string) {
	if p == nil {
		return
	}
	p.contentChanges.WithLabelValues(source).Inc()
}

func (p *PrometheusRecorder) ObserveParse(status string, d time.Duration) {
	if p == nil {
		return
	}
	p.parseDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncCycleRejection(relation string) {
	if p == nil {
		return
	}
	p.cycleRejections.WithLabelValues(relation).Inc()
}

func (p *PrometheusRecorder) ObserveGraphValidation(d time.Duration, valid bool) {
	if p == nil {
		return
	}
	result := "cyclic"
	if valid {
		result = "acyclic"
	}
	p.validationDuration.WithLabelValues(result).Observe(d.Seconds())
}

// HTTPHandler serves the metrics of reg in the Prometheus exposition format
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
