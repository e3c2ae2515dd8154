package version

import "fmt"

// These variables are set at build time via -ldflags
// Example: go build -ldflags "-X github.com/pysugar/mcp-auth-gateway/internal/version.Version=v0.1.0"
var (
	// Version is the semantic version of the gateway
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)

// String formats the build information for the version command.
func String() string {
	return fmt.Sprintf("mcp-auth-gateway %s (commit %s, built %s)", Version, Commit, BuildTime)
}
