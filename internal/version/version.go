// Package version holds build information set through -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Full returns a one-line description of the build.
func Full() string {
	return fmt.Sprintf("voxrelay %s, commit %s, built at %s", Version, Commit, Date)
}
