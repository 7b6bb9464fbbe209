package version

import (
	"regexp"
	"runtime"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	// Given: the version package is imported

	// Then: it should follow semver or be "dev" for builds without ldflags
	if Version == "dev" {
		return
	}
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semverRegex.MatchString(Version), "Version should follow semver format, got: %s", Version)
}

func TestString_ContainsBuildInfo(t *testing.T) {
	s := String()

	assert.True(t, strings.HasPrefix(s, "mediasync "+Version))
	assert.Contains(t, s, Commit)
	assert.Contains(t, s, GoVersion)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "mediasync/"+Short(), UserAgent())
}

func TestGetInfo_MarshalsToJSON(t *testing.T) {
	// Given: build info for this binary
	info := GetInfo()
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)

	// When: marshaling it
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: snake_case keys are used
	var m map[string]string
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, Version, m["version"])
	assert.Contains(t, m, "go_version")
}
