package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleDisabledAlwaysAllows(t *testing.T) {
	tc := makeThrottleController(0, 100)
	for i := 0; i < 100; i++ {
		verdict, delay := tc.control()
		require.Equal(t, throttleAllow, verdict)
		require.Zero(t, delay)
	}
}

func TestThrottleRejectsWhenDelayTooLong(t *testing.T) {
	// one token per second, anything over budget would wait ~1s which is far
	// beyond the 100ms delay ceiling
	tc := makeThrottleController(1, 100)

	verdict, _ := tc.control()
	require.Equal(t, throttleAllow, verdict)

	verdict, _ = tc.control()
	require.Equal(t, throttleReject, verdict)
}

func TestThrottleDelaysWithinCeiling(t *testing.T) {
	tc := makeThrottleController(1, 5000)

	verdict, _ := tc.control()
	require.Equal(t, throttleAllow, verdict)

	verdict, delay := tc.control()
	require.Equal(t, throttleDelay, verdict)
	require.Greater(t, delay, time.Duration(0))
	require.LessOrEqual(t, delay, 5*time.Second)
}
