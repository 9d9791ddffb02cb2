package handler

import (
	"net/http"

	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsPath = "/metrics"
	healthzPath = "/healthz"
)

// RegisterUsageMuxHandlers registers the handlers needed to serve the PVC
// usage metrics. Until the first collection cycle has published a snapshot,
// the metrics endpoint answers 503 so a scraper cannot mistake "no data yet"
// for zero-valued gauges.
func RegisterUsageMuxHandlers(mux *http.ServeMux, registry *prometheus.Registry, store *cache.SnapshotStore, promHandlerOpts promhttp.HandlerOpts) {
	metricsHandler := promhttp.HandlerFor(registry, promHandlerOpts)
	mux.Handle(metricsPath, noDataGate(store, metricsHandler))
	mux.HandleFunc(healthzPath, healthz)
}

// RegisterExporterMuxHandlers registers the handlers needed to serve the
// exporter self metrics.
func RegisterExporterMuxHandlers(mux *http.ServeMux, exporterRegistry *prometheus.Registry, promHandlerOpts promhttp.HandlerOpts) {
	metricsHandler := promhttp.HandlerFor(exporterRegistry, promHandlerOpts)
	mux.Handle(metricsPath, metricsHandler)
	mux.HandleFunc(healthzPath, healthz)
}

// noDataGate serves 503 until the store holds a snapshot.
func noDataGate(store *cache.SnapshotStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store.Current() == nil {
			http.Error(w, "no metrics collected yet", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
