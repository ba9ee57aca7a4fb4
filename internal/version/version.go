// Package version carries build metadata injected via -ldflags.
package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the version for startup logging.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
