// Package version reports the build version embedded from the VERSION file.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "swarmops/" + Get()
}
