// Package version exposes build metadata stamped in at link time.
package version

import "fmt"

// Overridden via -ldflags "-X ..." by the release build.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders the metadata in a single line for CLI output.
func String() string {
	return fmt.Sprintf("corpusdex %s (commit %s, built %s)", Version, Commit, Date)
}
