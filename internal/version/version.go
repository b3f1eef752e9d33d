// Package version reports the build version of the service.
package version

import "runtime/debug"

// Set with -ldflags "-X github.com/helberjf/video-transcript/internal/version.Version=...".
var (
	Version = "2.1.0"
	Commit  = ""
)

// Resolve returns Version, suffixed with the short VCS revision when known.
func Resolve() string {
	return resolve(Version, Commit, debug.ReadBuildInfo)
}

func resolve(base, commit string, info func() (*debug.BuildInfo, bool)) string {
	if base == "" {
		base = "0.0.0"
	}
	if commit == "" {
		if bi, ok := info(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" {
		return base
	}
	return base + "+" + commit
}
