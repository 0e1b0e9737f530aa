// Package version provide information about the build version
package version

import (
	"runtime/debug"
)

// Version is the semantic version of netsplit. The value is set when building the binary.
var Version = "" //nolint:gochecknoglobals

// String returns the version of the running binary: Version if set at build time, otherwise
// the version of the main module, "devel" if it can't be identified.
func String() string {
	if Version != "" {
		return Version
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "devel"
	}

	return bi.Main.Version
}
