// Package version exposes the runtime's build version and the compatibility
// rule peers apply to it. The version travels in invocation metadata and in
// the health document; it can be overridden at build time:
//
//	go build -ldflags "-X github.com/briannadoubt/trebuchet/version.version=1.0.0"
package version

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MetadataKey is the invocation metadata entry carrying the caller's
// runtime version.
const MetadataKey = "trebuchet-version"

// devVersion is the default when no ldflags override is present.
const devVersion = "dev"

var version = devVersion

// Version returns the runtime version string. Falls back to module build
// info when no ldflags override was set.
func Version() string {
	if version != devVersion {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return devVersion
}

// Compatible reports whether two runtime versions may interoperate. Releases
// are compatible within the same major version; development builds ("dev",
// pseudo-versions, empty strings) are always accepted so local clusters and
// tests never fence themselves off.
func Compatible(ours, theirs string) error {
	a, okA := parse(ours)
	b, okB := parse(theirs)
	if !okA || !okB {
		return nil
	}
	if a.Major() != b.Major() {
		return fmt.Errorf("incompatible runtime versions: %s and %s differ in major version", ours, theirs)
	}
	return nil
}

// parse returns the semver value for a release version string. Strings that
// are not strict MAJOR.MINOR.PATCH (dev builds, pseudo-versions) report
// ok=false and are exempt from the compatibility rule.
func parse(v string) (*semver.Version, bool) {
	v = strings.TrimPrefix(v, "v")
	parsed, err := semver.StrictNewVersion(v)
	if err != nil {
		return nil, false
	}
	return parsed, true
}
