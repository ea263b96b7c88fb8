// Package ratelimit implements the Transport Envelope's per-transport frame
// rate limit (spec §4.1: more than 20 frames/s sustained closes the
// transport with code 1013). It pairs a token-bucket limiter with a
// Prometheus counter the same way ManuGH-xg2g's internal/ratelimit package
// pairs x/time/rate with promauto counters for its per-IP HTTP limits.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// onExceeded is called every time a transport's limiter rejects a frame;
// see SetExceededHook.
var onExceeded func()

// SetExceededHook installs the callback fired each time a transport's
// limiter reports sustained overage. cmd/mudgate wires this to the
// metrics.RateLimitExceeded Prometheus counter; tests may leave it nil.
func SetExceededHook(fn func()) {
	onExceeded = fn
}

// PerTransport enforces a sustained frames/sec budget for one transport. The
// limit is advisory (spec §4.1): individual bursts are tolerated via the
// burst allowance, but sustained overage is reported through Allow's return
// value so the caller can close the transport with code 1013.
type PerTransport struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewPerTransport returns a limiter allowing perSecond sustained frames with
// a short burst allowance (perSecond, rounded down, minimum 1).
func NewPerTransport(perSecond float64) *PerTransport {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &PerTransport{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether the current frame is within budget. When it returns
// false the caller must close the transport (rate limited).
func (p *PerTransport) Allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.limiter.Allow()
	if !ok && onExceeded != nil {
		onExceeded()
	}
	return ok
}
