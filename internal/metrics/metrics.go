// Package metrics registers the Prometheus instruments shared by the
// orchestrator, warm pool, GC, and credential-injection proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument. One instance is created in cmd/server and
// injected; tests build their own against a private registry.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec   // status: success, error, cancelled, timeout
	ExecutionDuration *prometheus.HistogramVec // backend: local, remote
	EventsForwarded   prometheus.Counter

	PoolSize        prometheus.Gauge
	PoolExhausted   prometheus.Counter
	PoolCreated     prometheus.Counter
	PoolStaleEvicts prometheus.Counter

	ContainersCreated   *prometheus.CounterVec // backend
	ContainersDestroyed *prometheus.CounterVec // reason: ttl, orphan, missing, shutdown, recovery, failure
	ContainerRecoveries prometheus.Counter

	ProxyBlocked *prometheus.CounterVec // host
	ProxySigned  prometheus.Counter

	FileSyncBytes    *prometheus.CounterVec // direction: pull, push
	FileSyncDuration *prometheus.HistogramVec
}

// New registers every instrument on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workspace_executions_total",
			Help: "Completed streamed executions by terminal status",
		}, []string{"status"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workspace_execution_duration_seconds",
			Help:    "Wall time from lock acquire to stream close",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"backend"}),
		EventsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspace_events_forwarded_total",
			Help: "Events re-serialized onto client streams",
		}),

		PoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workspace_warm_pool_size",
			Help: "Current number of pre-started idle sandboxes",
		}),
		PoolExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspace_warm_pool_exhausted_total",
			Help: "Acquire calls that found the warm pool empty",
		}),
		PoolCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspace_warm_pool_created_total",
			Help: "Containers created by the warm pool replenisher",
		}),
		PoolStaleEvicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspace_warm_pool_stale_evictions_total",
			Help: "Pool entries discarded because they were no longer healthy",
		}),

		ContainersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workspace_containers_created_total",
			Help: "Sandboxes created, by backend",
		}, []string{"backend"}),
		ContainersDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workspace_containers_destroyed_total",
			Help: "Sandboxes destroyed, by reason",
		}, []string{"reason"}),
		ContainerRecoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspace_container_recoveries_total",
			Help: "Mid-request container replacements",
		}),

		ProxyBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workspace_proxy_blocked_total",
			Help: "Outbound requests rejected by the domain allow-list",
		}, []string{"host"}),
		ProxySigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspace_proxy_signed_total",
			Help: "Outbound requests signed with provider credentials",
		}),

		FileSyncBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workspace_filesync_bytes_total",
			Help: "Bytes moved between the object store and sandboxes",
		}, []string{"direction"}),
		FileSyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workspace_filesync_duration_seconds",
			Help:    "Duration of workspace pull and push phases",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
	}
}

// NewForTest builds metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
