// Package version exposes build information stamped at link time.
package version

// Set via -ldflags "-X github.com/runbox/runbox/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
