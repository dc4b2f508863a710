package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	actionsFlushed *prometheus.CounterVec
	emailsScanned  prometheus.Counter
	rulesEvaluated prometheus.Counter
}

// Registered once at package init, matching the teacher's promauto.New*
// package-level collector pattern: every Executor shares the same
// collectors rather than each registering its own (which would panic the
// default registry on the second Executor construction).
var (
	actionsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_actions_flushed_total",
			Help: "Total number of message ids an action was applied to.",
		},
		[]string{"action_type"},
	)
	emailsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_emails_scanned_total",
		Help: "Total number of message stubs returned by ListMessages across all rules.",
	})
	rulesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_rules_evaluated_total",
		Help: "Total number of enabled rules evaluated.",
	})
)

func newMetrics() *metrics {
	return &metrics{
		actionsFlushed: actionsFlushed,
		emailsScanned:  emailsScanned,
		rulesEvaluated: rulesEvaluated,
	}
}
