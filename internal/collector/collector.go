package collector

import (
	"context"
	"errors"
	"time"

	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/kube-storage/pvc-exporter/internal/source"
	"k8s.io/klog/v2"
)

// usedPlusAvailableTolerance is the fraction of capacity by which
// used+available may disagree with capacity before the record is flagged as
// inconsistent.
const usedPlusAvailableTolerance = 0.05

// UsageCollector periodically gathers per-claim volume usage from a
// VolumeSource and publishes the aggregate as an immutable snapshot. One
// unreachable or slow claim never poisons the rest of the cycle: every
// per-claim query runs under its own timeout and a failure only yields an
// UNAVAILABLE record for that claim.
type UsageCollector struct {
	source       source.VolumeSource
	store        *cache.SnapshotStore
	interval     time.Duration
	claimTimeout time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewUsageCollector returns a collector publishing to the given store.
func NewUsageCollector(src source.VolumeSource, store *cache.SnapshotStore, interval, claimTimeout time.Duration) *UsageCollector {
	return &UsageCollector{
		source:       src,
		store:        store,
		interval:     interval,
		claimTimeout: claimTimeout,
		now:          time.Now,
	}
}

// Run collects once immediately and then on every tick until the context is
// cancelled. It always returns the context error, never a collection error;
// a failed cycle leaves the previously published snapshot in place and is
// retried on the next tick.
func (c *UsageCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CollectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce runs a single collection cycle.
func (c *UsageCollector) CollectOnce(ctx context.Context) {
	started := c.now()

	claims, err := c.source.ListClaims(ctx)
	if err != nil {
		klog.Errorf("claim enumeration failed, keeping previous snapshot: %v", err)
		c.store.RecordFailure(started, err)
		return
	}

	snap := &cache.Snapshot{
		Records:    make([]cache.VolumeUsageRecord, 0, len(claims)),
		CapturedAt: started,
	}

	seen := make(map[string]struct{}, len(claims))
	for _, claim := range claims {
		if _, dup := seen[claim.Key()]; dup {
			klog.Warningf("duplicate claim %s in enumeration, keeping first", claim.Key())
			continue
		}
		seen[claim.Key()] = struct{}{}

		record := c.collectClaim(ctx, claim)
		if !record.Available {
			snap.FailedClaims++
		}
		snap.Records = append(snap.Records, record)

		if ctx.Err() != nil {
			// shutting down mid-cycle, abandon the rest
			return
		}
	}

	snap.SortRecords()
	if snap.FailedClaims > 0 {
		snap.Outcome = cache.OutcomePartialFailure
	}

	if mapper, ok := c.source.(source.PodMapper); ok {
		snap.PodMappings = mapper.PodMappings()
	}

	c.store.Publish(snap)
	klog.V(2).Infof("collected %d claim(s), %d unavailable, in %v",
		len(snap.Records), snap.FailedClaims, c.now().Sub(started))
}

// collectClaim queries a single claim under its own timeout and converts any
// failure into an UNAVAILABLE record.
func (c *UsageCollector) collectClaim(ctx context.Context, claim source.Claim) cache.VolumeUsageRecord {
	record := cache.VolumeUsageRecord{
		Namespace:    claim.Namespace,
		ClaimName:    claim.Name,
		VolumeName:   claim.VolumeName,
		StorageClass: claim.StorageClass,
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.claimTimeout)
	defer cancel()

	stats, err := c.source.ClaimStats(queryCtx, claim)
	if err != nil {
		record.Reason = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			record.Reason = "timeout"
		}
		klog.V(2).Infof("claim %s unavailable: %s", claim.Key(), record.Reason)
		return record
	}

	if stats.CapacityBytes < 0 || stats.UsedBytes < 0 || stats.AvailableBytes < 0 {
		record.Reason = "source reported negative usage values"
		klog.Warningf("claim %s: %s", claim.Key(), record.Reason)
		return record
	}

	record.Available = true
	record.CapacityBytes = stats.CapacityBytes
	record.UsedBytes = stats.UsedBytes
	record.AvailableBytes = stats.AvailableBytes
	record.Inconsistent = inconsistent(stats)
	if record.Inconsistent {
		klog.Warningf("claim %s reports inconsistent usage: used=%d available=%d capacity=%d",
			claim.Key(), stats.UsedBytes, stats.AvailableBytes, stats.CapacityBytes)
	}
	return record
}

// inconsistent reports whether the stats violate used <= capacity or
// used+available != capacity beyond tolerance. Values are reported as-is
// either way.
func inconsistent(stats *source.VolumeStats) bool {
	if stats.UsedBytes > stats.CapacityBytes {
		return true
	}
	if stats.CapacityBytes == 0 {
		return false
	}
	diff := stats.CapacityBytes - (stats.UsedBytes + stats.AvailableBytes)
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) > usedPlusAvailableTolerance*float64(stats.CapacityBytes)
}
