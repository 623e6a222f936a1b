// Package version holds build-time identifiers, overridable via -ldflags.
package version

var (
	Version = "dev"
	Commit  = "none"
)
