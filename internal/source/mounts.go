package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/kube-storage/pvc-exporter/internal/options"
	"golang.org/x/sys/unix"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	clientset "k8s.io/client-go/kubernetes"
)

var _ VolumeSource = &MountsSource{}

// MountsSource measures claims whose backing volumes are mounted on the
// local node, by scanning the mount table for the bound volume name and
// statfs'ing the mount point. It is the node-local counterpart of
// KubeletSource and requires the exporter to run on the node it observes.
type MountsSource struct {
	kubeClient clientset.Interface
	namespaces []string
	selector   labels.Selector
	mountsPath string

	// statfsFn is replaceable in tests.
	statfsFn func(path string) (*VolumeStats, error)

	mu          sync.Mutex
	mountPoints map[string]string
}

// NewMountsSource builds a MountsSource from the exporter options.
func NewMountsSource(kubeClient clientset.Interface, opts *options.Options) (*MountsSource, error) {
	selector := labels.Everything()
	if opts.Selector != "" {
		var err error
		selector, err = labels.Parse(opts.Selector)
		if err != nil {
			return nil, fmt.Errorf("invalid claim selector %q: %v", opts.Selector, err)
		}
	}

	return &MountsSource{
		kubeClient: kubeClient,
		namespaces: opts.Namespaces,
		selector:   selector,
		mountsPath: opts.MountsTable,
		statfsFn:   statfsStats,
	}, nil
}

// ListClaims enumerates the monitored claims that are mounted on this node.
func (s *MountsSource) ListClaims(ctx context.Context) ([]Claim, error) {
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

	mountPoints, err := s.readMountTable()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.mountPoints = mountPoints
	s.mu.Unlock()

	// keep only claims whose bound volume is mounted here
	local := claims[:0]
	for _, claim := range claims {
		if claim.VolumeName == "" {
			continue
		}
		if _, ok := mountPoints[claim.VolumeName]; ok {
			local = append(local, claim)
		}
	}
	return local, nil
}

// ClaimStats stats the claim's mount point. The statfs call itself cannot be
// interrupted, so it runs in its own goroutine and the call returns with the
// context error once the deadline passes; a stale mount then costs a leaked
// goroutine instead of a wedged collection cycle.
func (s *MountsSource) ClaimStats(ctx context.Context, claim Claim) (*VolumeStats, error) {
	s.mu.Lock()
	mountPoint, ok := s.mountPoints[claim.VolumeName]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("volume %s is not mounted on this node", claim.VolumeName)
	}

	type statfsResult struct {
		stats *VolumeStats
		err   error
	}
	done := make(chan statfsResult, 1)
	go func() {
		stats, err := s.statfsFn(mountPoint)
		done <- statfsResult{stats: stats, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.stats, res.err
	}
}

func (s *MountsSource) readMountTable() (map[string]string, error) {
	f, err := os.Open(s.mountsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open mount table %s: %v", s.mountsPath, err)
	}
	defer f.Close()
	return parseMountTable(f)
}

// parseMountTable returns a map of volume name to mount point for every
// mount whose path mentions a volume name in the kubelet pod-volumes layout
// (".../volumes/kubernetes.io~<plugin>/<volume name>/mount" for CSI).
func parseMountTable(r io.Reader) (map[string]string, error) {
	mounts := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		mountPoint := fields[1]
		name := volumeNameFromMountPoint(mountPoint)
		if name == "" {
			continue
		}
		if _, ok := mounts[name]; !ok {
			mounts[name] = mountPoint
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mount table: %v", err)
	}
	return mounts, nil
}

func volumeNameFromMountPoint(mountPoint string) string {
	parts := strings.Split(mountPoint, "/")
	for i, part := range parts {
		if !strings.HasPrefix(part, "kubernetes.io~") {
			continue
		}
		if i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func statfsStats(path string) (*VolumeStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %v", path, err)
	}
	bsize := int64(st.Bsize)
	return &VolumeStats{
		CapacityBytes:  int64(st.Blocks) * bsize,
		UsedBytes:      (int64(st.Blocks) - int64(st.Bfree)) * bsize,
		AvailableBytes: int64(st.Bavail) * bsize,
	}, nil
}
