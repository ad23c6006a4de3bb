package notify

import (
	"math/rand"
	"time"
)

// backoff is base * 2^(attempt-1) with ±25% jitter, capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 1 || base <= 0 {
		return base
	}

	delay := base * time.Duration(1<<(attempt-1))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	if quarter := int64(delay / 4); quarter > 0 {
		jitter := time.Duration(rand.Int63n(quarter))
		if rand.Intn(2) == 0 {
			delay += jitter
		} else {
			delay -= jitter
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
