package sync

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays for queue entries: exponential doubling
// from Base, bounded by Cap, with a small jitter so a fleet of devices
// recovering from the same outage does not stampede the server.
//
// The jitter band is narrow enough that delays stay monotonic in the
// retry count: the floor of attempt N+1 always clears the ceiling of
// attempt N until both hit the cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a policy seeded from the clock.
func NewBackoff(base, cap time.Duration) *Backoff {
	return &Backoff{
		Base: base,
		Cap:  cap,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number retryCount (1 for the
// first retry). Zero and negative counts behave like the first retry.
func (b *Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	delay := b.Base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= b.Cap {
			delay = b.Cap
			break
		}
	}

	b.mu.Lock()
	factor := 0.8 + 0.4*b.rng.Float64()
	b.mu.Unlock()

	jittered := time.Duration(float64(delay) * factor)
	if jittered > b.Cap {
		jittered = b.Cap
	}
	return jittered
}

// NextAttempt returns the unix timestamp before which the entry must
// not be retried.
func (b *Backoff) NextAttempt(now time.Time, retryCount int) int64 {
	return now.Add(b.Delay(retryCount)).Unix()
}
