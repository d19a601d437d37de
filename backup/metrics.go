package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "coaching_backup"

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "attempts_total",
		Help:      "Remote write attempts by path (sync, retry, drain) and outcome.",
	}, []string{"path", "outcome"})

	pendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_jobs",
		Help:      "Retry jobs queued or in flight.",
	})

	failedJobsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "failed_jobs_total",
		Help:      "Retry jobs that exhausted their attempts.",
	})

	lastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last stored backup.",
	})

	quotaPausedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "quota_paused",
		Help:      "1 while backups are paused on remote quota.",
	})
)

// outcome labels
const (
	outcomeStored    = "stored"
	outcomeTransient = "transient"
	outcomeAuth      = "auth"
	outcomeQuota     = "quota"
	outcomeFailed    = "failed"
)

func outcomeOf(err error) string {
	switch classify(err) {
	case errClassNone:
		return outcomeStored
	case errClassTransient:
		return outcomeTransient
	case errClassAuth:
		return outcomeAuth
	case errClassQuota:
		return outcomeQuota
	default:
		return outcomeFailed
	}
}
