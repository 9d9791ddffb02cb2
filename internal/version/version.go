package version

// Version is the exporter version. It is overridden at build time via
// -ldflags "-X github.com/kube-storage/pvc-exporter/internal/version.Version=...".
var Version = "0.3.0"

// GetVersion returns the version of the exporter.
func GetVersion() string {
	return Version
}
