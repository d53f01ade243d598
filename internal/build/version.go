package build

import "runtime"

// Version and Commit are overridden at link time via
// -ldflags "-X github.com/quarkrun/quark/internal/build.Version=...". Left
// at their zero values, cmd/quarkd's startup banner falls back to "dev".
var (
	Version string
	Commit  string
)

// GoVersion is the Go toolchain version this binary was built with.
var GoVersion = runtime.Version()
