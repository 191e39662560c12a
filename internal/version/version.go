// Package version holds build-time version info injected via ldflags.
//
// Build with:
//
//	go build -ldflags "-X github.com/xfeldman/deskagent/internal/version.version=v0.3.0"
package version

import (
	"fmt"
	"runtime"
)

// version is set at build time via -ldflags.
var version = "dev"

// Version returns the build version string.
func Version() string {
	return version
}

// Info returns the version with the platform it was built for,
// e.g. "v0.3.0 (windows/amd64)".
func Info() string {
	return fmt.Sprintf("%s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}
