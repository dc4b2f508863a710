package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type managerMetrics struct {
	submitted prometheus.Counter
	finished  *prometheus.CounterVec
}

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of pipeline runs submitted to the job manager.",
	})
	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of pipeline runs that reached a terminal state, by state.",
		},
		[]string{"state"},
	)
)

func newManagerMetrics() *managerMetrics {
	return &managerMetrics{submitted: jobsSubmitted, finished: jobsFinished}
}
