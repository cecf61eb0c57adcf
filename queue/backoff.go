package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryBackoff returns the delay before redelivering a task whose attempt
// number `attempt` just failed. Delays grow exponentially from initial and
// are capped at maxDelay. Jitter is not applied so retries are predictable.
func RetryBackoff(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
