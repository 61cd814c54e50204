// Package version provides the build version of the module.
package version

import "fmt"

const (
	major = 0
	minor = 1
)

// Build is the build identifier, set at build time via ldflags.
var Build = "dev"

// Version describes a release.
type Version struct {
	Major int
	Minor int
	Build string
}

// Current returns the version of this build.
func Current() Version {
	return Version{
		Major: major,
		Minor: minor,
		Build: Build,
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d-%s", v.Major, v.Minor, v.Build)
}
