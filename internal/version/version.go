// Package version defines the runner version and build metadata.
package version

import (
	"fmt"
	"strings"
)

// CommitHash stores the git commit hash of this build.
//
// This should be set using -ldflags during compilation.
var CommitHash string

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// Version returns the application version as a semantic version string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}

// RichVersion returns the semantic version along with best-effort git
// metadata when available.
func RichVersion() string {
	if hash := strings.TrimSpace(CommitHash); hash != "" {
		return fmt.Sprintf("%s commit_hash=%s", Version(), hash)
	}
	return Version()
}
