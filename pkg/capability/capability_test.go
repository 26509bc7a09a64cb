package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrel-run/agentrt/pkg/manifest"
)

func TestSandboxCheckAllowDeny(t *testing.T) {
	now := time.Now()
	sb := NewSandbox()
	sb.Grant(NewGrant(now, "file:read", "system", nil, map[string]string{"path": "path:/data/**"}))

	res := sb.Check(now, "file:read", map[string]string{"path": "/data/a.txt"})
	assert.True(t, res.Allowed)
	assert.NotNil(t, res.Grant)

	res = sb.Check(now, "file:read", map[string]string{"path": "/etc/passwd"})
	assert.False(t, res.Allowed)
	assert.Equal(t, "no matching grant", res.Reason)

	res = sb.Check(now, "file:write", map[string]string{"path": "/data/a.txt"})
	assert.False(t, res.Allowed)
}

func TestSandboxCheckExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	sb := NewSandbox()
	sb.Grant(NewGrant(now, "memory.read", "system", &past, nil))

	res := sb.Check(now, "memory.read", nil)
	assert.False(t, res.Allowed)
}

func TestSandboxCheckHostSuffix(t *testing.T) {
	now := time.Now()
	sb := NewSandbox()
	sb.Grant(NewGrant(now, "network:egress", "system", nil, map[string]string{"host": "suffix:example.com"}))

	assert.True(t, sb.Check(now, "network:egress", map[string]string{"host": "api.example.com"}).Allowed)
	assert.False(t, sb.Check(now, "network:egress", map[string]string{"host": "evil.com"}).Allowed)
}

func TestDefaultGrantsForbidsOutsideParentAuthority(t *testing.T) {
	now := time.Now()
	parent := NewSandbox()
	parent.Grant(NewGrant(now, "llm:chat", "system", nil, nil))

	grants, forbidden := DefaultGrants(now, []manifest.Capability{"llm:chat", "shell:exec"}, "parent-1", parent)
	assert.Len(t, grants, 1)
	assert.Equal(t, []manifest.Capability{"shell:exec"}, forbidden)
}

func TestDefaultGrantsRootAgent(t *testing.T) {
	now := time.Now()
	grants, forbidden := DefaultGrants(now, []manifest.Capability{"llm:chat"}, "system", nil)
	assert.Len(t, grants, 1)
	assert.Empty(t, forbidden)
}
