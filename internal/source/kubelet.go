package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/kube-storage/pvc-exporter/internal/options"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	clientset "k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	// maximum concurrent stats/summary fetches
	summaryFetchLimit = 8
	// bound on one stats/summary fetch when no claim timeout is configured
	defaultSummaryTimeout = 30 * time.Second
)

var _ VolumeSource = &KubeletSource{}
var _ PodMapper = &KubeletSource{}

// KubeletSource reads per-claim volume usage from the kubelet stats summary
// endpoint, reached through the apiserver node proxy. ListClaims enumerates
// the claims and refreshes the per-node summaries; ClaimStats is a pure
// lookup into the refreshed state, so a slow or unreachable kubelet can only
// make its own node's claims unavailable.
type KubeletSource struct {
	kubeClient   clientset.Interface
	namespaces   []string
	selector     labels.Selector
	nodeName     string
	fetchTimeout time.Duration

	// fetchSummaryFn is replaceable in tests.
	fetchSummaryFn func(ctx context.Context, node string) ([]byte, error)

	mu        sync.Mutex
	stats     map[string]VolumeStats
	claimNode map[string]string
	nodeErrs  map[string]error
	mappings  []cache.PodMapping
}

// NewKubeletSource builds a KubeletSource from the exporter options.
func NewKubeletSource(kubeClient clientset.Interface, opts *options.Options) (*KubeletSource, error) {
	selector := labels.Everything()
	if opts.Selector != "" {
		var err error
		selector, err = labels.Parse(opts.Selector)
		if err != nil {
			return nil, fmt.Errorf("invalid claim selector %q: %v", opts.Selector, err)
		}
	}

	fetchTimeout := opts.ClaimTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultSummaryTimeout
	}

	s := &KubeletSource{
		kubeClient:   kubeClient,
		namespaces:   opts.Namespaces,
		selector:     selector,
		nodeName:     opts.NodeName,
		fetchTimeout: fetchTimeout,
	}
	s.fetchSummaryFn = s.fetchSummary
	return s, nil
}

// ListClaims enumerates the monitored claims and refreshes the volume stats
// of every relevant node. Per-node kubelet failures are remembered and
// surfaced later through ClaimStats; enumeration itself fails only if the
// claim listing fails, or if node-local scoping cannot be resolved because
// the selected node's summary is unavailable.
func (s *KubeletSource) ListClaims(ctx context.Context) ([]Claim, error) {
	claims, err := s.listClaims(ctx)
	if err != nil {
		return nil, err
	}

	nodes, err := s.listNodes(ctx)
	if err != nil {
		return nil, err
	}

	s.refreshSummaries(ctx, nodes)

	if s.nodeName != "" {
		return s.localClaims(claims)
	}
	return claims, nil
}

// localClaims keeps only the claims the selected node's summary reports as
// mounted there. If that summary could not be fetched, locality is unknown
// and the whole cycle fails instead of flagging every off-node claim
// unavailable.
func (s *KubeletSource) localClaims(claims []Claim) ([]Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, failed := s.nodeErrs[s.nodeName]; failed {
		return nil, fmt.Errorf("kubelet stats unavailable on node %s: %v", s.nodeName, err)
	}

	local := claims[:0]
	for _, claim := range claims {
		if s.claimNode[claim.Key()] == s.nodeName {
			local = append(local, claim)
		}
	}
	return local, nil
}

// ClaimStats returns the stats gathered for the claim by the last ListClaims
// call.
func (s *KubeletSource) ClaimStats(_ context.Context, claim Claim) (*VolumeStats, error) {
	if claim.VolumeName == "" {
		return nil, fmt.Errorf("claim is not bound to a volume")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stats, ok := s.stats[claim.Key()]; ok {
		out := stats
		return &out, nil
	}

	if node, ok := s.claimNode[claim.Key()]; ok {
		if err, failed := s.nodeErrs[node]; failed {
			return nil, fmt.Errorf("kubelet stats unavailable on node %s: %v", node, err)
		}
	} else if len(s.nodeErrs) > 0 {
		return nil, fmt.Errorf("kubelet stats unavailable on %d node(s)", len(s.nodeErrs))
	}

	return nil, fmt.Errorf("no volume stats reported for claim")
}

// PodMappings returns the pod attributions observed by the last ListClaims
// call.
func (s *KubeletSource) PodMappings() []cache.PodMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cache.PodMapping, len(s.mappings))
	copy(out, s.mappings)
	return out
}

func (s *KubeletSource) listClaims(ctx context.Context) ([]Claim, error) {
	namespaces := s.namespaces
	if len(namespaces) == 0 {
		namespaces = []string{corev1.NamespaceAll}
	}

	listOpts := metav1.ListOptions{LabelSelector: s.selector.String()}

	var claims []Claim
	for _, ns := range namespaces {
		pvcs, err := s.kubeClient.CoreV1().PersistentVolumeClaims(ns).List(ctx, listOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to list persistentvolumeclaims in namespace %q: %v", ns, err)
		}
		for i := range pvcs.Items {
			pvc := &pvcs.Items[i]
			claim := Claim{
				Namespace:  pvc.Namespace,
				Name:       pvc.Name,
				VolumeName: pvc.Spec.VolumeName,
			}
			if pvc.Spec.StorageClassName != nil {
				claim.StorageClass = *pvc.Spec.StorageClassName
			}
			claims = append(claims, claim)
		}
	}
	return claims, nil
}

func (s *KubeletSource) listNodes(ctx context.Context) ([]string, error) {
	if s.nodeName != "" {
		return []string{s.nodeName}, nil
	}

	nodeList, err := s.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %v", err)
	}
	nodes := make([]string, 0, len(nodeList.Items))
	for i := range nodeList.Items {
		nodes = append(nodes, nodeList.Items[i].Name)
	}
	return nodes, nil
}

// refreshSummaries replaces the per-claim stats with a fresh read of every
// node's stats summary. Node failures never abort the refresh.
func (s *KubeletSource) refreshSummaries(ctx context.Context, nodes []string) {
	stats := make(map[string]VolumeStats)
	claimNode := make(map[string]string)
	nodeErrs := make(map[string]error)
	var mappings []cache.PodMapping

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryFetchLimit)

	for _, node := range nodes {
		g.Go(func() error {
			// one stuck kubelet must not wedge the whole refresh
			fetchCtx, cancel := context.WithTimeout(gctx, s.fetchTimeout)
			raw, err := s.fetchSummaryFn(fetchCtx, node)
			cancel()
			if err != nil {
				klog.Errorf("failed to fetch stats summary from node %s: %v", node, err)
				mu.Lock()
				nodeErrs[node] = err
				mu.Unlock()
				return nil
			}

			var summary statsSummary
			if err := json.Unmarshal(raw, &summary); err != nil {
				klog.Errorf("failed to decode stats summary from node %s: %v", node, err)
				mu.Lock()
				nodeErrs[node] = err
				mu.Unlock()
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, pod := range summary.Pods {
				for _, vol := range pod.Volumes {
					if vol.PVCRef == nil {
						continue
					}
					key := vol.PVCRef.Namespace + "/" + vol.PVCRef.Name
					claimNode[key] = node
					mappings = append(mappings, cache.PodMapping{
						Namespace: vol.PVCRef.Namespace,
						ClaimName: vol.PVCRef.Name,
						PodName:   pod.PodRef.Name,
						NodeName:  node,
					})
					if vol.CapacityBytes == nil || vol.UsedBytes == nil {
						continue
					}
					vs := VolumeStats{
						CapacityBytes: int64(*vol.CapacityBytes),
						UsedBytes:     int64(*vol.UsedBytes),
					}
					if vol.AvailableBytes != nil {
						vs.AvailableBytes = int64(*vol.AvailableBytes)
					}
					stats[key] = vs
				}
			}
			return nil
		})
	}
	// per-node errors are swallowed above
	_ = g.Wait()

	s.mu.Lock()
	s.stats = stats
	s.claimNode = claimNode
	s.nodeErrs = nodeErrs
	s.mappings = mappings
	s.mu.Unlock()
}

func (s *KubeletSource) fetchSummary(ctx context.Context, node string) ([]byte, error) {
	return s.kubeClient.CoreV1().RESTClient().Get().
		Resource("nodes").
		Name(node).
		SubResource("proxy").
		Suffix("stats/summary").
		DoRaw(ctx)
}
