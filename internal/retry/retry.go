// Package retry holds the backoff policy shared by settlement payouts and
// deposit refund payouts.
package retry

import "time"

// Policy is a capped exponential backoff.
type Policy struct {
	// MaxAttempts is how many failed sends are allowed before giving up.
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultPolicy is used when configuration leaves the policy unset.
var DefaultPolicy = Policy{MaxAttempts: 5, Base: time.Minute, Max: 6 * time.Hour}

// Delay returns the wait after the given number of failed attempts:
// Base, 2*Base, 4*Base, ... capped at Max.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Next returns the unix time of the next attempt.
func (p Policy) Next(now time.Time, attempts int) int64 {
	return now.Add(p.Delay(attempts)).Unix()
}

// Exhausted reports whether no further attempt is allowed.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
