// Package version holds the build version, set with
//
//	-ldflags "-X github.com/guseggert/tether/internal/version.Version=1.2.3"
package version

import "github.com/Masterminds/semver/v3"

var Version = "0.0.0-dev"

// Semver parses Version. An unparsable build version is treated as 0.0.0-dev.
func Semver() *semver.Version {
	v, err := semver.NewVersion(Version)
	if err != nil {
		return semver.MustParse("0.0.0-dev")
	}
	return v
}
