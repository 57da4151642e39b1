// Package metrics exposes Prometheus instrumentation for the cluster
// tend loop.  Served by pkg/webapi at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClusterMetrics struct {
	TendCycles            prometheus.Counter
	TendFailures          prometheus.Counter
	ActiveNodes           prometheus.Gauge
	NodesAdded            prometheus.Counter
	NodesRemoved          prometheus.Counter
	PartitionMapRefreshes prometheus.Counter
}

var (
	clusterMetrics     *ClusterMetrics
	clusterMetricsLock sync.Mutex
)

// GetClusterMetrics returns the process-wide cluster metrics, registered
// on the default registry the first time it is called.
func GetClusterMetrics() *ClusterMetrics {
	clusterMetricsLock.Lock()
	defer clusterMetricsLock.Unlock()

	if clusterMetrics != nil {
		return clusterMetrics
	}

	clusterMetrics = &ClusterMetrics{
		TendCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_tend_cycles_total",
			Help: "Number of tend cycles executed.",
		}),
		TendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_tend_failures_total",
			Help: "Number of tend cycles that ended in error.",
		}),
		ActiveNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_active_nodes",
			Help: "Number of nodes currently in the active node array.",
		}),
		NodesAdded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_nodes_added_total",
			Help: "Number of nodes added to the cluster view.",
		}),
		NodesRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_nodes_removed_total",
			Help: "Number of nodes removed from the cluster view.",
		}),
		PartitionMapRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_partition_map_refreshes_total",
			Help: "Number of partition map snapshots published.",
		}),
	}

	return clusterMetrics
}
