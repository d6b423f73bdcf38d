// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// UserAgent identifies outbound requests.
func UserAgent() string {
	return "vendpi/" + Version
}

// String is the one-line banner printed by -version.
func String() string {
	return fmt.Sprintf("vendpi %s (%s, built %s)", Version, GitSHA, BuildTime)
}
