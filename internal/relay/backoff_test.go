package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second}

	for i := 0; i < 100; i++ {
		first := b.Delay(0)
		require.LessOrEqual(t, first, time.Second)
		require.GreaterOrEqual(t, first, 750*time.Millisecond)

		second := b.Delay(1)
		require.LessOrEqual(t, second, 2*time.Second)
		require.GreaterOrEqual(t, second, 1500*time.Millisecond)

		capped := b.Delay(20)
		require.LessOrEqual(t, capped, 30*time.Second)
		require.GreaterOrEqual(t, capped, 22500*time.Millisecond)
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	delay := b.Delay(0)
	require.Greater(t, delay, time.Duration(0))
	require.LessOrEqual(t, delay, time.Second)
}
