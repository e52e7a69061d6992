package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	queriesRegistered prometheus.Counter
	queriesDestroyed  *prometheus.CounterVec
	queriesActive     prometheus.Gauge
	enginesActive     prometheus.Gauge
	engineOpens       prometheus.Counter
	expiredQueries    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		queriesRegistered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_registry_queries_registered_total",
			Help: "Total number of queries inserted into the registry.",
		}),
		queriesDestroyed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aqueduct_registry_queries_destroyed_total",
			Help: "Total number of queries destroyed, by reason.",
		}, []string{"reason"}),
		queriesActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aqueduct_registry_queries_active",
			Help: "Number of queries currently registered.",
		}),
		enginesActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aqueduct_registry_engines_active",
			Help: "Number of engine snippets currently registered.",
		}),
		engineOpens: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_registry_engine_opens_total",
			Help: "Total number of successful engine leases.",
		}),
		expiredQueries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aqueduct_registry_queries_expired_total",
			Help: "Total number of queries collected by the expiry sweep.",
		}),
	}
}
