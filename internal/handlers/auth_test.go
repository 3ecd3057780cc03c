package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoginThrottleBlocksAfterMaxFailures(t *testing.T) {
	th := newLoginThrottle(3, 15*time.Minute)

	require.Equal(t, 2, th.fail("10.0.0.1"))
	require.Equal(t, 1, th.fail("10.0.0.1"))

	blocked, _ := th.blocked("10.0.0.1")
	require.False(t, blocked)

	require.Equal(t, 0, th.fail("10.0.0.1"))

	blocked, minutes := th.blocked("10.0.0.1")
	require.True(t, blocked)
	require.Greater(t, minutes, 0)
}

func TestLoginThrottleTracksAddressesSeparately(t *testing.T) {
	th := newLoginThrottle(1, 15*time.Minute)

	th.fail("10.0.0.1")

	blocked, _ := th.blocked("10.0.0.1")
	require.True(t, blocked)
	blocked, _ = th.blocked("10.0.0.2")
	require.False(t, blocked)
}

func TestLoginThrottleClearForgetsAddress(t *testing.T) {
	th := newLoginThrottle(1, 15*time.Minute)

	th.fail("10.0.0.1")
	th.clear("10.0.0.1")

	blocked, _ := th.blocked("10.0.0.1")
	require.False(t, blocked)
}

func TestLoginThrottleExpiresAfterQuietWindow(t *testing.T) {
	th := newLoginThrottle(1, 20*time.Millisecond)

	th.fail("10.0.0.1")
	blocked, _ := th.blocked("10.0.0.1")
	require.True(t, blocked)

	time.Sleep(30 * time.Millisecond)

	blocked, _ = th.blocked("10.0.0.1")
	require.False(t, blocked)
	require.Equal(t, 0, th.fail("10.0.0.1"))
}
