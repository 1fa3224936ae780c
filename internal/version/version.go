package version

import "fmt"

// Build metadata, set with -ldflags "-X spend-anomalies/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("spendwatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
