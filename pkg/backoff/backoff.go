// Package backoff computes retry delays for failed sync batches.
package backoff

import (
	"math"
	"time"
)

// Strategy grows the delay exponentially from one second and caps it at Max.
type Strategy struct {
	Base float64
	Max  time.Duration
}

// New returns a strategy; a base below 1 is raised to 1 so delays never shrink.
func New(base float64, max time.Duration) Strategy {
	if base < 1 {
		base = 1
	}
	return Strategy{Base: base, Max: max}
}

// Delay returns min(Base^attempt, Max) seconds. Attempt is zero-indexed.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	seconds := math.Pow(s.Base, float64(attempt))
	if math.IsInf(seconds, 0) || math.IsNaN(seconds) || seconds >= s.Max.Seconds() {
		return s.Max
	}
	return time.Duration(seconds * float64(time.Second))
}

// NextAttemptAt is the time a retry becomes eligible.
func (s Strategy) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}
