package session

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// Burst frames are allowed at once and the bucket refills Burst tokens every
// RefillInterval.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}
