package core

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryMaxRetries = 3
	defaultRetryBaseDelay  = 300 * time.Millisecond
	defaultRetryMaxDelay   = 5 * time.Second
)

// WithDefaults fills unset fields. A zero MaxRetries means unset; a negative
// one disables retries.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	switch {
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	case p.MaxRetries == 0:
		p.MaxRetries = defaultRetryMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetryMaxDelay
	}
	return p
}

// Overlay returns p with the positive fields of o applied on top. MaxDelay
// never ends up below BaseDelay.
func (p RetryPolicy) Overlay(o RetryPolicy) RetryPolicy {
	out := p.WithDefaults()
	if o.MaxRetries > 0 {
		out.MaxRetries = o.MaxRetries
	}
	if o.BaseDelay > 0 {
		out.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		out.MaxDelay = o.MaxDelay
	}
	out.MaxDelay = max(out.MaxDelay, out.BaseDelay)
	return out
}

// Backoff is the wait before retry number attempt (0-based): BaseDelay
// doubled per attempt, capped at MaxDelay, with ±20% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for range attempt {
		if delay >= p.MaxDelay/2 {
			delay = p.MaxDelay
			break
		}
		delay *= 2
	}
	delay = min(delay, p.MaxDelay)
	return time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
