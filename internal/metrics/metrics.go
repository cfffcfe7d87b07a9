// Package metrics exposes the Prometheus collectors of the submission service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the service collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry     *prometheus.Registry
	submissions  *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	keyRefreshes *prometheus.CounterVec
	queueDepth   prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proposal_submissions_total",
				Help: "Submissions by lifecycle event (created, successful, failed).",
			},
			[]string{"status"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proposal_tool_duration_seconds",
				Help:    "Duration of external import tool runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"outcome"},
		),
		keyRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proposal_key_refreshes_total",
				Help: "Public key refreshes from the key authority.",
			},
			[]string{"result"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proposal_submission_queue_depth",
			Help: "Submissions waiting for a background worker.",
		}),
	}
	r.registry.MustRegister(r.submissions, r.toolDuration, r.keyRefreshes, r.queueDepth)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) SubmissionCreated() {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues("created").Inc()
}

// SubmissionFinished counts a terminal status ("successful" or "failed").
func (r *Recorder) SubmissionFinished(status string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(status).Inc()
}

func (r *Recorder) ToolRun(success bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.toolDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) KeyRefresh(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.keyRefreshes.WithLabelValues(result).Inc()
}

func (r *Recorder) QueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}
