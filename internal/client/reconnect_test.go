package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectPolicy_ExponentialSchedule(t *testing.T) {
	policy := newReconnectPolicy(100*time.Millisecond, 5)

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for attempt, want := range expected {
		delay, ok := policy.nextDelay()
		require.True(t, ok, "attempt %d should be within budget", attempt+1)
		assert.Equal(t, want, delay, "attempt %d", attempt+1)
	}

	_, ok := policy.nextDelay()
	assert.False(t, ok, "the sixth attempt exceeds the budget")
	assert.True(t, policy.exhausted())
}

func TestReconnectPolicy_ResetRearms(t *testing.T) {
	policy := newReconnectPolicy(100*time.Millisecond, 5)

	for i := 0; i < 5; i++ {
		policy.nextDelay()
	}
	require.True(t, policy.exhausted())

	policy.reset()

	assert.False(t, policy.exhausted())
	delay, ok := policy.nextDelay()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, delay, "reset restarts from the base interval")
}

func TestReconnectPolicy_Defaults(t *testing.T) {
	policy := newReconnectPolicy(0, 0)

	assert.Equal(t, DefaultMaxReconnects, policy.maxAttempts)
	delay, ok := policy.nextDelay()
	require.True(t, ok)
	assert.Equal(t, DefaultReconnectBase, delay)
}
