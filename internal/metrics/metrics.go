// Package metrics provides Prometheus instrumentation for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the pipeline's collectors. A nil *Recorder records nothing.
type Recorder struct {
	cacheLookups    *prometheus.CounterVec
	completions     *prometheus.CounterVec
	completionTime  *prometheus.HistogramVec
	stageOutcomes   *prometheus.CounterVec
	runDuration     prometheus.Histogram
	webhookRequests *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codementor_cache_lookups_total",
				Help: "Response cache lookups by result (hit or miss)",
			},
			[]string{"result"},
		),
		completions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codementor_completions_total",
				Help: "Completion requests by response kind and status",
			},
			[]string{"kind", "status"},
		),
		completionTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codementor_completion_duration_seconds",
				Help:    "Duration of completion requests in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		stageOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codementor_stage_outcomes_total",
				Help: "Pipeline stage outcomes by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		runDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codementor_run_duration_seconds",
				Help:    "Duration of pipeline runs in seconds",
				Buckets: prometheus.ExponentialBuckets(10, 2, 10),
			},
		),
		webhookRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codementor_webhook_requests_total",
				Help: "Webhook deliveries by response code",
			},
			[]string{"code"},
		),
	}
}

func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) Completion(kind string, err error, d time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.completions.WithLabelValues(kind, status).Inc()
	r.completionTime.WithLabelValues(kind).Observe(d.Seconds())
}

// StageOutcome records outcome ("success", "noop" or "error") for stage.
func (r *Recorder) StageOutcome(stage, outcome string) {
	if r == nil {
		return
	}
	r.stageOutcomes.WithLabelValues(stage, outcome).Inc()
}

func (r *Recorder) RunDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.runDuration.Observe(d.Seconds())
}

func (r *Recorder) WebhookRequest(code string) {
	if r == nil {
		return
	}
	r.webhookRequests.WithLabelValues(code).Inc()
}
