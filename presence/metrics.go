package presence

import "github.com/prometheus/client_golang/prometheus"

var metricsNamespace = "presence"

var (
	diffsPublishedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "diffs_published_count",
	}, []string{"kind"})

	operationsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operations_count",
	}, []string{"op"})

	sweepRunsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_runs_count",
	})

	sweepEvictedUsersCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_evicted_users_count",
	})
)

func init() {
	prometheus.MustRegister(diffsPublishedCount)
	prometheus.MustRegister(operationsCount)
	prometheus.MustRegister(sweepRunsCount)
	prometheus.MustRegister(sweepEvictedUsersCount)
}
