package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	submits       prometheus.Counter
	submitFailed  prometheus.Counter
	plansCreated  prometheus.Counter
	rulesExecuted prometheus.Counter
	rulesSkipped  prometheus.Counter

	snippetsDeployed prometheus.Counter
	remoteExecutes   prometheus.Counter

	optimizeDuration prometheus.Histogram
	pollDuration     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		submits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_engine_submits_total",
			Help: "Total number of queries submitted.",
		}),
		submitFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_engine_submit_failures_total",
			Help: "Total number of query submissions that failed before execution.",
		}),
		plansCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_engine_plans_created_total",
			Help: "Total number of candidate plans produced by the optimizer.",
		}),
		rulesExecuted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_engine_optimizer_rules_executed_total",
			Help: "Total number of optimizer rule applications.",
		}),
		rulesSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_engine_optimizer_rules_skipped_total",
			Help: "Total number of optimizer rules skipped as disabled or irrelevant.",
		}),
		snippetsDeployed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_engine_snippets_deployed_total",
			Help: "Total number of snippets shipped to other servers.",
		}),
		remoteExecutes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_engine_remote_executes_total",
			Help: "Total number of calls served on behalf of remote engines.",
		}),
		optimizeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "aqueduct_engine_optimize_duration_seconds",
			Help:    "Time spent in plan optimization per query.",
			Buckets: prometheus.DefBuckets,
		}),
		pollDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "aqueduct_engine_poll_duration_seconds",
			Help:    "Time spent serving one result batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
