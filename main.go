package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/kube-storage/pvc-exporter/internal/cache"
	"github.com/kube-storage/pvc-exporter/internal/collector"
	"github.com/kube-storage/pvc-exporter/internal/collectors"
	"github.com/kube-storage/pvc-exporter/internal/exporter"
	"github.com/kube-storage/pvc-exporter/internal/handler"
	"github.com/kube-storage/pvc-exporter/internal/options"
	"github.com/kube-storage/pvc-exporter/internal/source"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	clientset "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

var _ promhttp.Logger = promhttplogger{}

type promhttplogger struct{}

func (log promhttplogger) Println(v ...interface{}) {
	klog.Errorln(v...)
}

func main() {
	opts := options.NewOptions()
	opts.AddFlags()
	// parses the flags and ExitOnError so errors can be ignored
	opts.Parse()
	if opts.Help {
		// prints usage messages for flags
		opts.Usage()
		os.Exit(0)
	}

	logr := zap.Must(zap.NewProduction())
	if opts.IsDevelopment {
		logr = zap.Must(zap.NewDevelopment())
	}
	klog.SetLogger(zapr.NewLogger(logr))
	defer klog.Flush()

	if err := opts.Validate(); err != nil {
		klog.Fatalf("invalid options: %v", err)
	}

	klog.Infof("using options: %+v", opts)

	kubeconfig, err := clientcmd.BuildConfigFromFlags(opts.Apiserver, opts.KubeconfigPath)
	if err != nil {
		klog.Fatalf("failed to create cluster config: %v", err)
	}
	opts.Kubeconfig = kubeconfig

	kubeClient, err := clientset.NewForConfig(opts.Kubeconfig)
	if err != nil {
		klog.Fatalf("failed to create kubernetes client: %v", err)
	}

	volumeSource, err := newVolumeSource(kubeClient, opts)
	if err != nil {
		klog.Fatalf("failed to construct the %s volume source: %v", opts.Source, err)
	}

	promHandlerOpts := func(registry *prometheus.Registry) promhttp.HandlerOpts {
		return promhttp.HandlerOpts{
			ErrorLog:      promhttplogger{},
			ErrorHandling: promhttp.ContinueOnError,
			Registry:      registry,
		}
	}

	store := cache.NewSnapshotStore()
	usageCollector := collector.NewUsageCollector(volumeSource, store, opts.ScanInterval, opts.ClaimTimeout)

	usageRegistry := prometheus.NewRegistry()
	// Add the PVC usage collectors to the registry.
	collectors.RegisterUsageCollectors(usageRegistry, store)

	// serves PVC usage metrics
	usageMux := http.NewServeMux()
	handler.RegisterUsageMuxHandlers(usageMux, usageRegistry, store, promHandlerOpts(usageRegistry))

	exporterRegistry := prometheus.NewRegistry()
	// Add exporter self metrics collectors to the registry.
	exporter.RegisterExporterCollectors(exporterRegistry)

	// serves exporter self metrics
	exporterMux := http.NewServeMux()
	handler.RegisterExporterMuxHandlers(exporterMux, exporterRegistry, promHandlerOpts(exporterRegistry))

	collectCtx, cancelCollect := context.WithCancel(context.Background())

	var rg run.Group
	rg.Add(func() error {
		return usageCollector.Run(collectCtx)
	}, func(error) {
		cancelCollect()
	})
	rg.Add(listenAndServe(usageMux, opts.Host, opts.Port))
	rg.Add(listenAndServe(exporterMux, opts.ExporterHost, opts.ExporterPort))
	rg.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	klog.Infof("Running metrics server on %s:%v", opts.Host, opts.Port)
	klog.Infof("Running telemetry server on %s:%v", opts.ExporterHost, opts.ExporterPort)
	err = rg.Run()
	if err != nil {
		var se run.SignalError
		if errors.As(err, &se) {
			klog.Infof("shutting down: %v", err)
			return
		}
		klog.Fatalf("metrics and telemetry servers terminated: %v", err)
	}
}

func newVolumeSource(kubeClient clientset.Interface, opts *options.Options) (source.VolumeSource, error) {
	if opts.Source == "mounts" {
		return source.NewMountsSource(kubeClient, opts)
	}
	return source.NewKubeletSource(kubeClient, opts)
}

func listenAndServe(mux *http.ServeMux, host string, port int) (func() error, func(error)) {
	var listener net.Listener
	serve := func() error {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		var err error
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		return http.Serve(listener, mux)
	}
	cleanup := func(error) {
		if listener == nil {
			return
		}
		if err := listener.Close(); err != nil {
			klog.Errorf("failed to close listener: %v", err)
		}
	}
	return serve, cleanup
}
