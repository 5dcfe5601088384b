// Package version reports what build of txcore is running.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/txcore"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/txcore/internal/version.buildVersion=...".
var buildVersion = ""

// Info bundles the values printed by the version command.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Dirty     bool   `json:"dirty,omitempty" yaml:"dirty,omitempty"`
}

// Describe collects the current build information.
func Describe() Info {
	bi, _ := debug.ReadBuildInfo()
	return describe(buildVersion, bi)
}

// Current returns the best available version string.
func Current() string { return Describe().Version }

// Module returns the main module path.
func Module() string { return Describe().Module }

// describe prefers the ldflags version, then the module version, then a
// pseudo-version derived from VCS stamps.
func describe(stamped string, bi *debug.BuildInfo) Info {
	info := Info{Module: defaultModule, GoVersion: runtime.Version()}
	var vcsTime time.Time
	if bi != nil {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		if bi.GoVersion != "" {
			info.GoVersion = bi.GoVersion
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			case "vcs.time":
				vcsTime, _ = time.Parse(time.RFC3339, s.Value)
			}
		}
	}
	switch {
	case strings.TrimSpace(stamped) != "":
		info.Version = strings.TrimSpace(stamped)
	case bi != nil && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	case info.Revision != "" && !vcsTime.IsZero():
		info.Version = pseudoVersion(info.Revision, vcsTime, info.Dirty)
	default:
		info.Version = unknownVersion
	}
	return info
}

func pseudoVersion(revision string, at time.Time, dirty bool) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
