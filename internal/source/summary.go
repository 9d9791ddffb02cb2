package source

// Subset of the kubelet stats summary API response
// (GET /api/v1/nodes/<node>/proxy/stats/summary) needed for per-claim volume
// usage. Only the fields consumed here are declared.

type statsSummary struct {
	Pods []podStats `json:"pods"`
}

type podStats struct {
	PodRef  podReference  `json:"podRef"`
	Volumes []volumeStats `json:"volume,omitempty"`
}

type podReference struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	UID       string `json:"uid,omitempty"`
}

type volumeStats struct {
	Name           string        `json:"name,omitempty"`
	AvailableBytes *uint64       `json:"availableBytes,omitempty"`
	CapacityBytes  *uint64       `json:"capacityBytes,omitempty"`
	UsedBytes      *uint64       `json:"usedBytes,omitempty"`
	PVCRef         *pvcReference `json:"pvcRef,omitempty"`
}

type pvcReference struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}
