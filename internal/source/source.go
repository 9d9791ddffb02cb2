package source

import (
	"context"

	"github.com/kube-storage/pvc-exporter/internal/cache"
)

// Claim identifies one PersistentVolumeClaim to monitor.
type Claim struct {
	Namespace    string
	Name         string
	VolumeName   string
	StorageClass string
}

// Key uniquely identifies the claim.
func (c Claim) Key() string {
	return c.Namespace + "/" + c.Name
}

// VolumeStats are the usage facts of one claim's backing volume.
type VolumeStats struct {
	CapacityBytes  int64
	UsedBytes      int64
	AvailableBytes int64
}

// VolumeSource is the read-only view of the external volume data provider.
// ListClaims enumerates the claims of interest; ClaimStats fetches the usage
// facts of a single claim. ClaimStats errors are local to the claim and are
// converted by the collector into UNAVAILABLE records.
type VolumeSource interface {
	ListClaims(ctx context.Context) ([]Claim, error)
	ClaimStats(ctx context.Context, claim Claim) (*VolumeStats, error)
}

// PodMapper is implemented by sources that can attribute claims to the pods
// mounting them.
type PodMapper interface {
	PodMappings() []cache.PodMapping
}
