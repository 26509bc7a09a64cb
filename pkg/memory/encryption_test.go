package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherDisabledByDefault(t *testing.T) {
	c := NewCipher("")
	assert.False(t, c.Enabled())
}

func TestCipherSealOpenRoundTrip(t *testing.T) {
	c := NewCipher("a master key that is long enough")
	require.True(t, c.Enabled())

	sealed, err := c.Seal("agent-1", "the secret plan")
	require.NoError(t, err)
	assert.Contains(t, sealed, encPrefix)

	plain, err := c.Open("agent-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "the secret plan", plain)
}

func TestCipherDifferentOwnersGetDifferentCiphertext(t *testing.T) {
	c := NewCipher("a master key that is long enough")
	a, err := c.Seal("agent-a", "same text")
	require.NoError(t, err)
	b, err := c.Seal("agent-b", "same text")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = c.Open("agent-b", a)
	assert.Error(t, err)
}

func TestCipherOpenRejectsTamperedPayload(t *testing.T) {
	c := NewCipher("a master key that is long enough")
	sealed, err := c.Seal("agent-1", "hello")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-4] + "abcd"
	_, err = c.Open("agent-1", tampered)
	assert.Error(t, err)
}

func TestCipherOpenRejectsMalformedPayload(t *testing.T) {
	c := NewCipher("a master key that is long enough")
	_, err := c.Open("agent-1", "not-an-enc-payload")
	assert.Error(t, err)
}
