// Package version holds the build metadata printed by `shiori version` and
// served on /status.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/bdobrica/Shiori/common/version.Version=v0.3.0 \
//	  -X github.com/bdobrica/Shiori/common/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X github.com/bdobrica/Shiori/common/version.BuildTime=$(date -u +%FT%TZ)"
//
// A plain `go build` from a checkout falls back to the VCS stamp the
// toolchain embeds in the binary.
package version

import "runtime/debug"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fillFromBuildInfo(info)
}

func fillFromBuildInfo(info *debug.BuildInfo) {
	dirty, stamped := false, false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && s.Value != "" {
				GitCommit, stamped = s.Value, true
				if len(GitCommit) > 12 {
					GitCommit = GitCommit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && stamped {
		GitCommit += "-dirty"
	}
}

// Info returns the one-line version string.
func Info() string {
	return "shiori " + Version + " (" + GitCommit + ") built at " + BuildTime
}
