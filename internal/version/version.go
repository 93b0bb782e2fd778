// Package version exposes build metadata injected via -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the binary ("dev" when unset).
	Version = "dev"
	// Commit is the short git commit hash.
	Commit = ""
	// Date is the build date in RFC 3339.
	Date = ""
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a human-readable version line.
func Info() string {
	s := "edgebridge " + Version
	if Commit != "" {
		s += fmt.Sprintf(" (%s)", Commit)
	}
	if Date != "" {
		s += " built " + Date
	}
	return s
}
