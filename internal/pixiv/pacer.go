package pixiv

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pixiv-crawler/internal/config"
)

// Pacer spaces outbound requests with a randomised delay and an optional
// token-bucket ceiling.
type Pacer struct {
	min time.Duration
	max time.Duration

	limiter *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer creates a pacer drawing delays uniformly from [min, max].
func NewPacer(min, max time.Duration, rateCfg config.RateLimitConfig) *Pacer {
	if max < min {
		max = min
	}
	p := &Pacer{
		min: min,
		max: max,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if rateCfg.Enabled() {
		interval := rateCfg.Window.Duration / time.Duration(rateCfg.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		p.limiter = rate.NewLimiter(rate.Every(interval), rateCfg.Requests)
	}
	return p
}

// Wait blocks for the sampled delay, then for the rate ceiling.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}

	sleep := p.sample()
	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pacer) sample() time.Duration {
	if p.max <= 0 {
		return 0
	}
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	jitter := time.Duration(p.rng.Int63n(int64(span) + 1))
	p.mu.Unlock()
	return p.min + jitter
}
