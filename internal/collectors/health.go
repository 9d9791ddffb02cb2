package collectors

import (
	"time"

	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = &HealthCollector{}

// HealthCollector exposes the outcome and the staleness of the collection
// loop, so a scraping system can detect a stuck or failing exporter
// independent of its own scrape success.
type HealthCollector struct {
	Store *cache.SnapshotStore

	Outcome           *prometheus.Desc
	FailedClaims      *prometheus.Desc
	SnapshotAge       *prometheus.Desc
	SnapshotTimestamp *prometheus.Desc
	Collections       *prometheus.Desc
	CollectionErrors  *prometheus.Desc

	// now is replaceable in tests.
	now func() time.Time
}

// NewHealthCollector returns a collector reading from the given store.
func NewHealthCollector(store *cache.SnapshotStore) *HealthCollector {
	return &HealthCollector{
		Store: store,
		Outcome: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "collection_outcome"),
			"Outcome of the last collection attempt: 0 success, 1 partial failure, 2 total failure.",
			nil,
			nil,
		),
		FailedClaims: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "failed_claims"),
			"Number of claims that could not be measured in the current snapshot.",
			nil,
			nil,
		),
		SnapshotAge: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "snapshot_age_seconds"),
			"Seconds since the current snapshot was captured.",
			nil,
			nil,
		),
		SnapshotTimestamp: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "snapshot_timestamp_seconds"),
			"Unix timestamp of the current snapshot.",
			nil,
			nil,
		),
		Collections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "collections_total"),
			"Total number of collection attempts.",
			nil,
			nil,
		),
		CollectionErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "collection_failures_total"),
			"Total number of collection attempts that failed entirely.",
			nil,
			nil,
		),
		now: time.Now,
	}
}

// Describe implements prometheus.Collector interface
func (c *HealthCollector) Describe(ch chan<- *prometheus.Desc) {
	ds := []*prometheus.Desc{
		c.Outcome,
		c.FailedClaims,
		c.SnapshotAge,
		c.SnapshotTimestamp,
		c.Collections,
		c.CollectionErrors,
	}

	for _, d := range ds {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *HealthCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.Store.Status()

	ch <- prometheus.MustNewConstMetric(c.Collections,
		prometheus.CounterValue, float64(status.Attempts))
	ch <- prometheus.MustNewConstMetric(c.CollectionErrors,
		prometheus.CounterValue, float64(status.Failures))

	if status.Attempts > 0 {
		ch <- prometheus.MustNewConstMetric(c.Outcome,
			prometheus.GaugeValue, float64(status.LastOutcome))
	}

	snap := c.Store.Current()
	if snap == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.FailedClaims,
		prometheus.GaugeValue, float64(snap.FailedClaims))
	ch <- prometheus.MustNewConstMetric(c.SnapshotAge,
		prometheus.GaugeValue, snap.Age(c.now()).Seconds())
	ch <- prometheus.MustNewConstMetric(c.SnapshotTimestamp,
		prometheus.GaugeValue, float64(snap.CapturedAt.Unix()))
}
