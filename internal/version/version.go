// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("zbu %s (commit %s, built %s)", Version, Commit, Date)
}
