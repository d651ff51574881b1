package runner

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/overseer/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_jobs_total",
			Help: "Total number of finalized jobs.",
		},
		[]string{"status"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_active_jobs",
			Help: "Number of jobs currently executing.",
		},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overseer_job_duration_seconds",
			Help:    "Wall-clock duration from launch to finalization, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	engineEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_engine_events_total",
			Help: "Total number of engine events persisted across all jobs.",
		},
	)

	killErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_kill_errors_total",
			Help: "Total number of forced terminations that could not be confirmed.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(engineEventsTotal)
	prometheus.MustRegister(killErrorsTotal)

	// Pre-initialize label combinations so all terminal outcomes appear in
	// /metrics with value 0 from startup.
	for _, s := range []string{model.StatusSuccessful, model.StatusFailed, model.StatusCanceled, model.StatusTimeout} {
		jobsTotal.WithLabelValues(s)
	}
}
