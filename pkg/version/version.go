package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version represents the current version of probemcp.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// ProbeMCPVersion is the current version of probemcp.
var ProbeMCPVersion = Version{
	Major: "0", Minor: "3", Patch: "1", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// Number returns the bare version number, suitable for handshakes.
func (v Version) Number() string {
	return fmt.Sprintf("%s.%s.%s", v.Major, v.Minor, v.Patch)
}

// BuildInfo returns the Go runtime version used to build the binary.
func BuildInfo() string {
	return runtime.Version()
}

func fixBuild(v *Version) {
	if v.Build != "$Id$" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
	v.Build = "unknown"
}
