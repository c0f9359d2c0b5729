package http

import (
	"math"

	"golang.org/x/time/rate"
)

// rateLimiter caps inbound frames on a single connection. A nil limiter allows everything.
type rateLimiter struct {
	lim *rate.Limiter
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &rateLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimiter) allow() bool {
	if r == nil {
		return true
	}
	return r.lim.Allow()
}
