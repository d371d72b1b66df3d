package engine

import "time"

// Backoff schedules retries of failed jobs.
type Backoff struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Max caps the delay.
	Max time.Duration
	// MaxAttempts quarantines a job after this many failures. Zero retries
	// forever.
	MaxAttempts int
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = Backoff{
	Base:        2 * time.Second,
	Max:         5 * time.Minute,
	MaxAttempts: 10,
}

// Delay returns the wait after the given number of failed attempts:
// Base * 2^(attempts-1), capped at Max.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		if b.Max > 0 && d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether a job with this many failures is quarantined.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
