// Package metrics defines Prometheus metrics for the resource pools.
// All collectors are registered upfront so callers can use them without
// touching this file again.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsInPool tracks the number of idle holders per resource.
	ConnectionsInPool = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xapool_connections_in_pool",
		Help: "Number of holders sitting idle in the pool per resource",
	}, []string{"resource"})

	// ConnectionsAccessible tracks the number of checked-out holders per resource.
	ConnectionsAccessible = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xapool_connections_accessible",
		Help: "Number of holders currently checked out per resource",
	}, []string{"resource"})

	// ConnectionsMax tracks the configured pool ceiling per resource.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xapool_connections_max",
		Help: "Configured maximum pool size per resource",
	}, []string{"resource"})

	// HolderOperations counts holder lifecycle operations.
	HolderOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xapool_holder_operations_total",
		Help: "Total holder lifecycle operations",
	}, []string{"resource", "op"})

	// AcquireWaitDuration tracks the time callers spend waiting for a holder.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xapool_acquire_wait_seconds",
		Help:    "Time spent waiting for a pooled connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"resource"})

	// StatementCacheEvents counts statement cache hits, misses and evictions.
	StatementCacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xapool_statement_cache_events_total",
		Help: "Total prepared-statement cache events",
	}, []string{"resource", "event"})

	// ValidationFailures counts failed connection validations.
	ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xapool_validation_failures_total",
		Help: "Total connection validation failures",
	}, []string{"resource", "mode"})

	// DelistFailures counts failed delist attempts at release time.
	DelistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xapool_delist_failures_total",
		Help: "Total delist failures",
	}, []string{"resource", "kind"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xapool_redis_operations_total",
		Help: "Total coordinator Redis operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xapool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
