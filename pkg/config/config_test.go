package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := FromEnv()
	c.Gateway.Port = 8080
	c.Gateway.MaxConnections = 10
	c.Runtime.MaxAgents = 5
	c.PermissionSecret = ""
	c.Memory.EncryptionEnabled = false
	c.EnforceHardening = false
	return c
}

func TestFromEnvDefaults(t *testing.T) {
	c := FromEnv()
	assert.Equal(t, "0.0.0.0", c.Gateway.Host)
	assert.Equal(t, 8080, c.Gateway.Port)
	assert.Equal(t, 1000, c.Gateway.MaxConnections)
	assert.Equal(t, 500, c.Runtime.MaxAgents)
	assert.Equal(t, 60*time.Second, c.Runtime.HeartbeatTimeout)
	assert.False(t, c.Cluster.Enabled)
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := validConfig()
	c.Gateway.Port = 0
	assert.Error(t, c.Validate())

	c.Gateway.Port = 70000
	assert.Error(t, c.Validate())
}

func TestValidateRejectsShortPermissionSecret(t *testing.T) {
	c := validConfig()
	c.PermissionSecret = "too-short"
	assert.Error(t, c.Validate())
}

func TestValidateAllowsEmptyPermissionSecretInDev(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRequiresMasterKeyWhenEncryptionEnabled(t *testing.T) {
	c := validConfig()
	c.Memory.EncryptionEnabled = true
	c.Memory.MasterKey = ""
	assert.Error(t, c.Validate())

	c.Memory.MasterKey = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, c.Validate())
}

func TestValidateHardeningRequiresAuthAndSecrets(t *testing.T) {
	c := validConfig()
	c.EnforceHardening = true
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authToken")

	c.Gateway.AuthToken = "tok"
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissionSecret")

	c.PermissionSecret = "0123456789abcdef0123456789abcdef"
	require.NoError(t, c.Validate())
}
