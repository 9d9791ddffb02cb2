package cache

import (
	"sort"
	"time"
)

// Outcome classifies one collection cycle.
type Outcome int

const (
	// OutcomeSuccess means every monitored claim produced usage values.
	OutcomeSuccess Outcome = iota
	// OutcomePartialFailure means at least one claim could not be measured.
	OutcomePartialFailure
	// OutcomeTotalFailure means claim enumeration itself failed and no new
	// snapshot was produced.
	OutcomeTotalFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartialFailure:
		return "partial"
	case OutcomeTotalFailure:
		return "failure"
	}
	return "unknown"
}

// VolumeUsageRecord holds the usage facts gathered for one claim during one
// collection cycle. A record with Available=false carries no measurement
// values, only the Reason it could not be measured.
type VolumeUsageRecord struct {
	Namespace    string
	ClaimName    string
	VolumeName   string
	StorageClass string

	CapacityBytes  int64
	UsedBytes      int64
	AvailableBytes int64

	// Inconsistent marks records whose used+available disagrees with
	// capacity beyond measurement tolerance. Values are kept as reported.
	Inconsistent bool

	Available bool
	Reason    string
}

// Key uniquely identifies the record within a snapshot.
func (r *VolumeUsageRecord) Key() string {
	return r.Namespace + "/" + r.ClaimName
}

// PodMapping attributes a claim to a pod that has it mounted.
type PodMapping struct {
	Namespace string
	ClaimName string
	PodName   string
	NodeName  string
}

// Snapshot is the immutable result of one collection cycle. It must not be
// mutated after it has been handed to SnapshotStore.Publish.
type Snapshot struct {
	Records     []VolumeUsageRecord
	PodMappings []PodMapping
	CapturedAt  time.Time
	Outcome     Outcome
	// FailedClaims is the number of UNAVAILABLE records in Records.
	FailedClaims int
}

// SortRecords orders the records by key. Records sharing a key keep their
// relative order; the collector guarantees keys are unique before publishing.
func (s *Snapshot) SortRecords() {
	sort.SliceStable(s.Records, func(i, j int) bool {
		return s.Records[i].Key() < s.Records[j].Key()
	})
}

// Age reports how long ago the snapshot was captured.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}
