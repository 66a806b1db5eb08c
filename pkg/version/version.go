// Package version carries build identity injected at link time via ldflags.
package version

var (
	Version   = "dev"     // semantic version tag
	GitCommit = "unknown" // full commit hash
	BuildDate = "unknown" // build timestamp
)

// Short returns the abbreviated commit hash used in logs.
func Short() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}
