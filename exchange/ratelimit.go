package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// limiter is a shared token bucket applied to every venue call so bursts of
// scans cannot trip the venue's rate limits.
type limiter struct {
	rl *rate.Limiter
}

func newLimiter(perSecond float64) *limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &limiter{rl: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// wait blocks until a token is available or the context is done.
func (l *limiter) wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}
