// Package server throttles inbound events per connection so one client cannot
// monopolise the gateway.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket holding up to capacity tokens. Tokens refill
// continuously at capacity per interval, one every interval/capacity.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := rate.Limit(float64(capacity) / interval.Seconds())
	return &rateLimiter{limiter: rate.NewLimiter(every, capacity)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}

// allowAt is allow evaluated at t.
func (rl *rateLimiter) allowAt(t time.Time) bool {
	return rl.limiter.AllowN(t, 1)
}
