package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, Version{1, 2, 3}, v)
	assert.Equal(t, "1.2.3", v.String())

	_, err = ParseVersion("1.2")
	assert.Error(t, err)
}

func TestManifestValidate(t *testing.T) {
	m := Manifest{ID: "a1", Version: "0.1.0", RequestedCapabilities: []Capability{"llm:chat"}}
	assert.NoError(t, m.Validate())

	bad := Manifest{ID: "a1", Version: "0.1.0", RequestedCapabilities: []Capability{"nope:nope"}}
	assert.Error(t, bad.Validate())

	badVersion := Manifest{ID: "a1", Version: "not-a-version"}
	assert.Error(t, badVersion.Validate())
}

func TestMergeLimits(t *testing.T) {
	d := ResourceLimits{TokensPerMinute: 100, MaxConcurrentReqs: 1}
	g := ResourceLimits{TokensPerMinute: 200}
	m := ResourceLimits{MaxConcurrentReqs: 5}

	merged := MergeLimits(d, g, m)
	assert.Equal(t, int64(200), merged.TokensPerMinute)
	assert.Equal(t, 5, merged.MaxConcurrentReqs)
}

func TestRegisterCapability(t *testing.T) {
	assert.False(t, KnownCapability("custom:thing"))
	RegisterCapability("custom:thing")
	assert.True(t, KnownCapability("custom:thing"))
}
