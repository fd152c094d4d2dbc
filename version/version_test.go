package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoStrings(t *testing.T) {
	i := Info{Commit: "0123456789abcdef", BuildTime: "2026-03-01", Version: "dev"}
	assert.Equal(t, "forage dev (commit 0123456, built 2026-03-01)", i.String())
	assert.Equal(t, "0123456", i.Short())
	assert.Equal(t, "forage/dev+0123456", i.UserAgentSuffix())

	i.Version = "v0.4.0"
	i.Modified = true
	assert.Equal(t, "forage v0.4.0 (commit 0123456, built 2026-03-01, modified)", i.String())

	i.Commit = "abc"
	assert.Equal(t, "abc", i.Short())
}

func withBuildInfo(t *testing.T, settings ...debug.BuildSetting) {
	t.Helper()
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: settings}, true
	}
	t.Cleanup(func() { readBuildInfo = orig })
}

func TestGetFallsBackToVCSStamp(t *testing.T) {
	withBuildInfo(t,
		debug.BuildSetting{Key: "vcs.revision", Value: "feedfacecafe"},
		debug.BuildSetting{Key: "vcs.time", Value: "2026-03-01T09:00:00Z"},
		debug.BuildSetting{Key: "vcs.modified", Value: "true"})

	i := Get()
	assert.Equal(t, "feedfacecafe", i.Commit)
	assert.Equal(t, "2026-03-01T09:00:00Z", i.BuildTime)
	assert.True(t, i.Modified)
	assert.NotEmpty(t, i.GoVersion)
	assert.Contains(t, i.Platform, "/")
}

func TestGetPrefersLdflags(t *testing.T) {
	withBuildInfo(t, debug.BuildSetting{Key: "vcs.revision", Value: "feedfacecafe"})
	orig := CommitHash
	CommitHash = "0123456789"
	t.Cleanup(func() { CommitHash = orig })

	assert.Equal(t, "0123456789", Get().Commit)
}

func TestGetWithoutStamp(t *testing.T) {
	withBuildInfo(t)
	i := Get()
	assert.Equal(t, "unknown", i.Commit)
	assert.Equal(t, "unknown", i.BuildTime)
}
