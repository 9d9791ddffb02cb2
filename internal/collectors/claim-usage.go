package collectors

import (
	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

var _ prometheus.Collector = &ClaimUsageCollector{}

// ClaimUsageCollector renders the current snapshot as per-claim usage
// gauges. It only reads the snapshot store and never touches the volume
// source, so scrape latency is independent of collection latency.
type ClaimUsageCollector struct {
	Store *cache.SnapshotStore

	UsageBytes     *prometheus.Desc
	CapacityBytes  *prometheus.Desc
	AvailableBytes *prometheus.Desc
	Unavailable    *prometheus.Desc
}

// NewClaimUsageCollector returns a collector reading from the given store.
func NewClaimUsageCollector(store *cache.SnapshotStore) *ClaimUsageCollector {
	usageLabels := []string{"namespace", "persistentvolumeclaim", "volumename", "storageclass"}
	return &ClaimUsageCollector{
		Store: store,
		UsageBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "usage_bytes"),
			"Bytes used on the volume backing the PersistentVolumeClaim.",
			usageLabels,
			nil,
		),
		CapacityBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "capacity_bytes"),
			"Capacity in bytes of the volume backing the PersistentVolumeClaim.",
			usageLabels,
			nil,
		),
		AvailableBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "available_bytes"),
			"Bytes available on the volume backing the PersistentVolumeClaim.",
			usageLabels,
			nil,
		),
		Unavailable: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "claim_unavailable"),
			"Set to 1 for claims whose usage could not be collected in the last cycle.",
			[]string{"namespace", "persistentvolumeclaim", "reason"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector interface
func (c *ClaimUsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ds := []*prometheus.Desc{
		c.UsageBytes,
		c.CapacityBytes,
		c.AvailableBytes,
		c.Unavailable,
	}

	for _, d := range ds {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *ClaimUsageCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Store.Current()
	if snap == nil {
		return
	}

	for i := range snap.Records {
		record := &snap.Records[i]
		if record.Namespace == "" || record.ClaimName == "" {
			// one malformed record must not blank the whole scrape
			klog.Errorf("skipping malformed usage record %+v", record)
			continue
		}

		if !record.Available {
			ch <- prometheus.MustNewConstMetric(c.Unavailable,
				prometheus.GaugeValue, 1,
				record.Namespace, record.ClaimName, record.Reason,
			)
			continue
		}

		ch <- prometheus.MustNewConstMetric(c.UsageBytes,
			prometheus.GaugeValue, float64(record.UsedBytes),
			record.Namespace, record.ClaimName, record.VolumeName, record.StorageClass,
		)
		ch <- prometheus.MustNewConstMetric(c.CapacityBytes,
			prometheus.GaugeValue, float64(record.CapacityBytes),
			record.Namespace, record.ClaimName, record.VolumeName, record.StorageClass,
		)
		ch <- prometheus.MustNewConstMetric(c.AvailableBytes,
			prometheus.GaugeValue, float64(record.AvailableBytes),
			record.Namespace, record.ClaimName, record.VolumeName, record.StorageClass,
		)
	}
}
