package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/kube-storage/pvc-exporter/internal/collector"
	"github.com/kube-storage/pvc-exporter/internal/collectors"
	"github.com/kube-storage/pvc-exporter/internal/exporter"
	"github.com/kube-storage/pvc-exporter/internal/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gibi = int64(1) << 30

type fakeSource struct {
	listFn  func(ctx context.Context) ([]source.Claim, error)
	statsFn func(ctx context.Context, claim source.Claim) (*source.VolumeStats, error)
}

func (f *fakeSource) ListClaims(ctx context.Context) ([]source.Claim, error) {
	return f.listFn(ctx)
}

func (f *fakeSource) ClaimStats(ctx context.Context, claim source.Claim) (*source.VolumeStats, error) {
	return f.statsFn(ctx, claim)
}

// newTestServer wires source -> collector -> store -> responder the way
// main.go does, minus the listeners.
func newTestServer(t *testing.T, src source.VolumeSource) (*httptest.Server, *collector.UsageCollector, *cache.SnapshotStore) {
	t.Helper()

	store := cache.NewSnapshotStore()
	c := collector.NewUsageCollector(src, store, time.Minute, 100*time.Millisecond)

	registry := prometheus.NewRegistry()
	collectors.RegisterUsageCollectors(registry, store)

	mux := http.NewServeMux()
	RegisterUsageMuxHandlers(mux, registry, store, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      registry,
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, c, store
}

func scrape(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func threeClaims() []source.Claim {
	return []source.Claim{
		{Namespace: "default", Name: "data-a", VolumeName: "pv-a", StorageClass: "standard"},
		{Namespace: "default", Name: "data-b", VolumeName: "pv-b", StorageClass: "standard"},
		{Namespace: "default", Name: "data-c", VolumeName: "pv-c", StorageClass: "standard"},
	}
}

func usageByClaim(used map[string]int64) func(ctx context.Context, claim source.Claim) (*source.VolumeStats, error) {
	return func(_ context.Context, claim source.Claim) (*source.VolumeStats, error) {
		u, ok := used[claim.Name]
		if !ok {
			return nil, errors.New("unknown claim")
		}
		return &source.VolumeStats{
			CapacityBytes:  100 * gibi,
			UsedBytes:      u,
			AvailableBytes: 100*gibi - u,
		}, nil
	}
}

func TestScrapeBeforeFirstCollection(t *testing.T) {
	src := &fakeSource{
		listFn: func(context.Context) ([]source.Claim, error) { return threeClaims(), nil },
	}
	srv, _, _ := newTestServer(t, src)

	code, body := scrape(t, srv.URL)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "no metrics collected yet")
	assert.NotContains(t, body, "pvc_usage_bytes")
}

func TestScrapeAllClaimsHealthy(t *testing.T) {
	src := &fakeSource{
		listFn: func(context.Context) ([]source.Claim, error) { return threeClaims(), nil },
		statsFn: usageByClaim(map[string]int64{
			"data-a": 10 * gibi,
			"data-b": 50 * gibi,
			"data-c": 0,
		}),
	}
	srv, c, _ := newTestServer(t, src)

	c.CollectOnce(context.Background())

	code, body := scrape(t, srv.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body,
		fmt.Sprintf(`pvc_usage_bytes{namespace="default",persistentvolumeclaim="data-a",storageclass="standard",volumename="pv-a"} %g`, float64(10*gibi)))
	assert.Contains(t, body,
		fmt.Sprintf(`pvc_usage_bytes{namespace="default",persistentvolumeclaim="data-b",storageclass="standard",volumename="pv-b"} %g`, float64(50*gibi)))
	assert.Contains(t, body,
		`pvc_usage_bytes{namespace="default",persistentvolumeclaim="data-c",storageclass="standard",volumename="pv-c"} 0`)
	assert.Contains(t, body, "pvc_exporter_collection_outcome 0")
	assert.Contains(t, body, "pvc_exporter_failed_claims 0")
}

func TestScrapeWithOneClaimTimedOut(t *testing.T) {
	healthy := usageByClaim(map[string]int64{
		"data-a": 10 * gibi,
		"data-c": 30 * gibi,
	})
	src := &fakeSource{
		listFn: func(context.Context) ([]source.Claim, error) { return threeClaims(), nil },
		statsFn: func(ctx context.Context, claim source.Claim) (*source.VolumeStats, error) {
			if claim.Name == "data-b" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return healthy(ctx, claim)
		},
	}
	srv, c, _ := newTestServer(t, src)

	c.CollectOnce(context.Background())

	code, body := scrape(t, srv.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `persistentvolumeclaim="data-a"`)
	assert.Contains(t, body, `persistentvolumeclaim="data-c"`)
	assert.NotContains(t, body, `pvc_usage_bytes{namespace="default",persistentvolumeclaim="data-b"`)
	assert.Contains(t, body,
		`pvc_claim_unavailable{namespace="default",persistentvolumeclaim="data-b",reason="timeout"} 1`)
	assert.Contains(t, body, "pvc_exporter_collection_outcome 1")
	assert.Contains(t, body, "pvc_exporter_failed_claims 1")
}

func TestScrapeAfterEnumerationFailureServesStaleSnapshot(t *testing.T) {
	healthy := true
	src := &fakeSource{
		listFn: func(context.Context) ([]source.Claim, error) {
			if !healthy {
				return nil, errors.New("apiserver unreachable")
			}
			return threeClaims(), nil
		},
		statsFn: usageByClaim(map[string]int64{
			"data-a": 10 * gibi,
			"data-b": 50 * gibi,
			"data-c": 0,
		}),
	}
	srv, c, store := newTestServer(t, src)

	c.CollectOnce(context.Background())
	previous := store.Current()

	healthy = false
	c.CollectOnce(context.Background())

	code, body := scrape(t, srv.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.Same(t, previous, store.Current())
	assert.Contains(t, body, `persistentvolumeclaim="data-a"`)
	assert.Contains(t, body, "pvc_exporter_collection_outcome 2")
	assert.Contains(t, body, "pvc_exporter_collection_failures_total 1")
}

func TestHealthzAlwaysServes(t *testing.T) {
	src := &fakeSource{
		listFn: func(context.Context) ([]source.Claim, error) { return nil, nil },
	}
	srv, _, _ := newTestServer(t, src)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExporterMuxServesSelfMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	exporter.RegisterExporterCollectors(registry)

	mux := http.NewServeMux()
	RegisterExporterMuxHandlers(mux, registry, promhttp.HandlerOpts{Registry: registry})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	code, body := scrape(t, srv.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "pvc_exporter_version")
	assert.Contains(t, body, "go_goroutines")
}
