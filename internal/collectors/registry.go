package collectors

import (
	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// name of the project/exporter
	namespace = "pvc"
)

// RegisterUsageCollectors registers the collectors serving PVC usage
// metrics from the snapshot store in the given prometheus.Registry.
func RegisterUsageCollectors(registry *prometheus.Registry, store *cache.SnapshotStore) {
	var allCollectors = []prometheus.Collector{
		NewClaimUsageCollector(store),
		NewHealthCollector(store),
		NewPodMappingCollector(store),
	}
	registry.MustRegister(allCollectors...)
}
