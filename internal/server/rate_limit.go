// Package server throttles inbound frames per connection to protect the hub
// from abuse.
package server

import "golang.org/x/time/rate"

// newMessageLimiter builds the per-session limiter: Burst tokens of
// capacity, refilled at Burst tokens per RefillInterval.
func newMessageLimiter(cfg RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = defaultConfig().RateLimit.RefillInterval
	}

	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}
