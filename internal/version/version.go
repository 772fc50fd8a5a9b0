// ABOUTME: Version information for the sikradio binaries
// ABOUTME: Reported by --version and advertised over mDNS
package version

// Version can be overridden at build time with -ldflags "-X .../version.Version=..."
var Version = "0.3.0"

const (
	Product      = "sikradio"
	Manufacturer = "Resonate Protocol"
)

// String returns the product and version, e.g. "sikradio 0.3.0"
func String() string {
	return Product + " " + Version
}
