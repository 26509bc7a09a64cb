package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State())

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenThenClose(t *testing.T) {
	fixed := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	b.clock = func() time.Time { return fixed }

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	b.clock = func() time.Time { return fixed.Add(2 * time.Second) }
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	fixed := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	b.clock = func() time.Time { return fixed }
	b.Allow()
	b.RecordFailure()

	b.clock = func() time.Time { return fixed.Add(2 * time.Second) }
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreakerHalfOpenLimitsAttempts(t *testing.T) {
	fixed := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxAttempts: 1})
	b.clock = func() time.Time { return fixed }
	b.Allow()
	b.RecordFailure()

	b.clock = func() time.Time { return fixed.Add(2 * time.Second) }
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}
