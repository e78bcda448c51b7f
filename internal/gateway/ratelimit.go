package gateway

import (
	"golang.org/x/time/rate"
)

// newConnectionLimiter builds the per-connection token bucket used to throttle
// inbound envelopes and HTTP injections alike, replacing a hand-rolled
// sliding-window counter with the ecosystem's token-bucket limiter.
func newConnectionLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rateLimitEventsPerSecond), rateLimitBurst)
}
