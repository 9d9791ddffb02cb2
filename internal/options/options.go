package options

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
)

// default options
const (
	host               = "0.0.0.0"
	metricsPort        = 9100
	exporterPort       = 9101
	defaultInterval    = 60 * time.Second
	defaultClaimFetch  = 10 * time.Second
	defaultSourceName  = "kubelet"
	defaultMountsTable = "/proc/mounts"
)

// Options are the configurable parameters of the exporter.
type Options struct {
	Apiserver      string
	KubeconfigPath string
	Host           string
	Port           int
	ExporterHost   string
	ExporterPort   int
	ScanInterval   time.Duration
	ClaimTimeout   time.Duration
	Namespaces     []string
	Selector       string
	NodeName       string
	Source         string
	MountsTable    string
	IsDevelopment  bool
	Help           bool

	flags      *pflag.FlagSet
	Kubeconfig *rest.Config
}

// NewOptions returns a new instance of `Options`.
func NewOptions() *Options {
	return &Options{}
}

// AddFlags creates a flagset and initializes Options
func (o *Options) AddFlags() {
	o.flags = pflag.NewFlagSet("", pflag.ExitOnError)

	o.flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		o.flags.PrintDefaults()
	}

	o.flags.StringVar(&o.Apiserver, "apiserver", "", "The URL of the apiserver to use as a master.")
	o.flags.StringVar(&o.KubeconfigPath, "kubeconfig", os.Getenv("KUBECONFIG"), "Absolute path to the kubeconfig file.")
	o.flags.StringVar(&o.Host, "host", host, "Host to expose PVC usage metrics on.")
	o.flags.IntVar(&o.Port, "port", metricsPort, "Port to expose PVC usage metrics on.")
	o.flags.StringVar(&o.ExporterHost, "exporter-host", host, "Host to expose exporter self metrics on.")
	o.flags.IntVar(&o.ExporterPort, "exporter-port", exporterPort, "Port to expose exporter self metrics on.")
	o.flags.DurationVar(&o.ScanInterval, "scan-interval", defaultInterval, "Interval between two usage collection cycles.")
	o.flags.DurationVar(&o.ClaimTimeout, "claim-timeout", defaultClaimFetch, "Timeout for a single per-claim usage query.")
	o.flags.StringArrayVar(&o.Namespaces, "namespaces", nil, "List of namespaces to be monitored. Empty means all namespaces.")
	o.flags.StringVar(&o.Selector, "selector", "", "Label selector limiting the PersistentVolumeClaims to be monitored.")
	o.flags.StringVar(&o.NodeName, "node", os.Getenv("NODE_NAME"), "Restrict collection to claims mounted on this node. Empty means cluster-wide.")
	o.flags.StringVar(&o.Source, "source", defaultSourceName, "Volume usage source, one of: kubelet, mounts.")
	o.flags.StringVar(&o.MountsTable, "mounts-table", defaultMountsTable, "Mount table consulted by the mounts source.")
	o.flags.BoolVar(&o.IsDevelopment, "dev", false, "Enable development logging.")
	o.flags.BoolVar(&o.Help, "help", false, "To display Usage information.")
}

// Parse parses the flags
func (o *Options) Parse() {
	err := o.flags.Parse(os.Args)
	if err != nil {
		klog.Fatalf("failed to parse options: %v", err)
	}
}

// Usage displays the usage
func (o *Options) Usage() {
	o.flags.Usage()
}

// Validate rejects option combinations the exporter cannot start with.
func (o *Options) Validate() error {
	if o.ScanInterval <= 0 {
		return fmt.Errorf("scan-interval must be positive, got %v", o.ScanInterval)
	}
	if o.ClaimTimeout <= 0 {
		return fmt.Errorf("claim-timeout must be positive, got %v", o.ClaimTimeout)
	}
	if o.Source != "kubelet" && o.Source != "mounts" {
		return fmt.Errorf("unknown source %q, expected kubelet or mounts", o.Source)
	}
	if o.Source == "mounts" && o.NodeName == "" {
		return fmt.Errorf("the mounts source is node-local and requires --node or NODE_NAME")
	}
	if o.Selector != "" {
		if _, err := labels.Parse(o.Selector); err != nil {
			return fmt.Errorf("invalid selector %q: %v", o.Selector, err)
		}
	}
	return nil
}
