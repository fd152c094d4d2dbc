// Package version carries build information stamped in via ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with
//
//	go build -ldflags "-X github.com/teranos/forage/version.CommitHash=$(git rev-parse HEAD)"
//
// Unset values fall back to the VCS stamp the go tool embeds.
var (
	CommitHash = ""
	BuildTime  = ""
	Version    = "dev"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit_hash"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Get returns the current build information.
func Get() Info {
	i := Info{
		Version:   Version,
		Commit:    CommitHash,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := readBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if i.Commit == "" {
					i.Commit = s.Value
				}
			case "vcs.time":
				if i.BuildTime == "" {
					i.BuildTime = s.Value
				}
			case "vcs.modified":
				i.Modified = s.Value == "true"
			}
		}
	}
	if i.Commit == "" {
		i.Commit = "unknown"
	}
	if i.BuildTime == "" {
		i.BuildTime = "unknown"
	}
	return i
}

func (i Info) String() string {
	dirty := ""
	if i.Modified {
		dirty = ", modified"
	}
	return fmt.Sprintf("forage %s (commit %s, built %s%s)", i.Version, i.Short(), i.BuildTime, dirty)
}

// Short is the abbreviated commit.
func (i Info) Short() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

// UserAgentSuffix is appended to outbound user agents so operators can tie
// traffic to a build.
func (i Info) UserAgentSuffix() string {
	return "forage/" + i.Version + "+" + i.Short()
}
