// Package version holds the build identification of m2sync.
package version

import "fmt"

// Set at build time with -ldflags "-X github.com/TFMV/m2sync/version.Version=...".
var (
	Version   = "0.1.0"
	BuildDate = "2026-10-19"
	Commit    = "dev"
)

func GetVersion() string {
	return Version
}

func GetBuildDate() string {
	return BuildDate
}

// String formats the version for the CLI.
func String() string {
	return fmt.Sprintf("m2sync %s (commit %s, built %s)", Version, Commit, BuildDate)
}
