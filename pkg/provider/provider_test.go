package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelFamily(t *testing.T) {
	assert.Equal(t, "gpt", ModelFamily("gpt-4"))
	assert.Equal(t, "anthropic", ModelFamily("anthropic/claude-3"))
	assert.Equal(t, "m1", ModelFamily("m1"))
}

func TestClassifyDefaultsToServer(t *testing.T) {
	assert.Equal(t, ClassServer, Classify(assertErr{}))
}

func TestClassifyProviderError(t *testing.T) {
	err := &ProviderError{Class: ClassRateLimited, Message: "429"}
	assert.Equal(t, ClassRateLimited, Classify(err))
	assert.False(t, ClassAuth.IsRetryable())
	assert.True(t, ClassRateLimited.IsRetryable())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
