package collectors

import (
	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = &PodMappingCollector{}

// PodMappingCollector renders which pod has each monitored claim mounted.
type PodMappingCollector struct {
	Store *cache.SnapshotStore

	PodMapping *prometheus.Desc
}

// NewPodMappingCollector returns a collector reading from the given store.
func NewPodMappingCollector(store *cache.SnapshotStore) *PodMappingCollector {
	return &PodMappingCollector{
		Store: store,
		PodMapping: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pod_mapping"),
			"Mapping between a PersistentVolumeClaim and a pod mounting it.",
			[]string{"namespace", "persistentvolumeclaim", "pod", "node"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector interface
func (c *PodMappingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.PodMapping
}

// Collect implements prometheus.Collector interface
func (c *PodMappingCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Store.Current()
	if snap == nil {
		return
	}

	for _, m := range snap.PodMappings {
		ch <- prometheus.MustNewConstMetric(c.PodMapping,
			prometheus.GaugeValue, 1,
			m.Namespace, m.ClaimName, m.PodName, m.NodeName,
		)
	}
}
