package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoq_jobs_inserted_total",
			Help: "Total number of jobs inserted into the queue",
		},
		[]string{"collection"},
	)

	jobsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoq_jobs_claimed_total",
			Help: "Total number of jobs claimed via LockNext",
		},
		[]string{"collection"},
	)

	jobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoq_jobs_completed_total",
			Help: "Total number of jobs completed and removed",
		},
		[]string{"collection"},
	)

	jobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoq_jobs_failed_total",
			Help: "Total number of failures reported via Error",
		},
		[]string{"collection"},
	)

	jobsReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoq_jobs_reclaimed_total",
			Help: "Total number of stale leases reclaimed by Cleanup",
		},
		[]string{"collection"},
	)

	jobsArchivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoq_jobs_archived_total",
			Help: "Total number of exhausted jobs copied to the archive store",
		},
		[]string{"collection"},
	)

	jobsArchiveLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoq_jobs_archive_lost_total",
			Help: "Total number of jobs deleted by purge whose archive copy failed",
		},
		[]string{"collection"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoq_jobs_inflight",
			Help: "Current number of jobs being processed by workers",
		},
		[]string{"collection"},
	)
)

func recordJobInserted(collection string) {
	jobsInsertedTotal.WithLabelValues(metricLabel(collection)).Inc()
}

func recordJobClaimed(collection string) {
	jobsClaimedTotal.WithLabelValues(metricLabel(collection)).Inc()
}

func recordJobCompleted(collection string) {
	jobsCompletedTotal.WithLabelValues(metricLabel(collection)).Inc()
}

func recordJobFailed(collection string) {
	jobsFailedTotal.WithLabelValues(metricLabel(collection)).Inc()
}

func recordJobReclaimed(collection string) {
	jobsReclaimedTotal.WithLabelValues(metricLabel(collection)).Inc()
}

func recordJobsArchived(collection string, count int64) {
	if count > 0 {
		jobsArchivedTotal.WithLabelValues(metricLabel(collection)).Add(float64(count))
	}
}

func recordJobsArchiveLost(collection string, count int64) {
	if count > 0 {
		jobsArchiveLostTotal.WithLabelValues(metricLabel(collection)).Add(float64(count))
	}
}

func incrementJobInFlight(collection string) {
	jobsInFlight.WithLabelValues(metricLabel(collection)).Inc()
}

func decrementJobInFlight(collection string) {
	jobsInFlight.WithLabelValues(metricLabel(collection)).Dec()
}

func metricLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
