package relay

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial capped
// at Max, with up to 25% random jitter subtracted so simultaneous runners do
// not reconnect in lockstep.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay - jitter
}
