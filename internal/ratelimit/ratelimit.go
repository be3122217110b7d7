// Package ratelimit enforces a shared request budget per external API scope.
//
// The limiter is a token bucket that adapts to provider feedback: a 429
// halves the local rate (respecting the provider's retry hint), sustained
// success creeps it back up. All callers hitting one scope share one bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter is a shared, adaptive token-bucket rate limiter keyed by scope
// (typically one scope per external API, optionally per tenant).
type Limiter struct {
	mu      sync.Mutex
	scopes  map[string]*scopeLimiter
	newRate rate.Limit
	burst   int
}

type scopeLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
	// pausedUntil defers all grants while the provider's Retry-After
	// hint is still in the future.
	pausedUntil time.Time
}

// New creates a Limiter whose scopes start at perSec requests per second
// with the given burst.
func New(perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		scopes:  make(map[string]*scopeLimiter),
		newRate: rate.Limit(perSec),
		burst:   burst,
	}
}

func (l *Limiter) scope(name string) *scopeLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scopes[name]
	if !ok {
		s = &scopeLimiter{
			limiter:     rate.NewLimiter(l.newRate, l.burst),
			initialRate: l.newRate,
			maxRate:     l.newRate * 2,
			minRate:     l.newRate / 4,
			currentRate: l.newRate,
		}
		l.scopes[name] = s
	}
	return s
}

// TryAcquire attempts to take one token for the scope without blocking.
// When the request cannot proceed yet it returns granted=false and the
// duration the caller should wait before trying again.
func (l *Limiter) TryAcquire(scope string) (granted bool, wait time.Duration) {
	s := l.scope(scope)
	s.mu.Lock()
	defer s.mu.Unlock()

	if until := time.Until(s.pausedUntil); until > 0 {
		return false, until
	}

	r := s.limiter.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Wait blocks until a token is available for the scope or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, scope string) error {
	for {
		granted, wait := l.TryAcquire(scope)
		if granted {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// OnSuccess nudges the scope's rate up by 20%, capped at 2x the initial
// rate. Transient underestimation after a 429 self-corrects this way.
func (l *Limiter) OnSuccess(scope string) {
	s := l.scope(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	newRate := s.currentRate * 1.2
	if newRate > s.maxRate {
		newRate = s.maxRate
	}
	s.currentRate = newRate
	s.limiter.SetLimit(newRate)
}

// OnRateLimited halves the scope's rate after a provider 429 and pauses
// grants for the provider's retry hint, if one was given.
func (l *Limiter) OnRateLimited(scope string, retryAfter time.Duration) {
	s := l.scope(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	newRate := s.currentRate * 0.5
	if newRate < s.minRate {
		newRate = s.minRate
	}
	s.currentRate = newRate
	s.limiter.SetLimit(newRate)
	if retryAfter > 0 {
		s.pausedUntil = time.Now().Add(retryAfter)
	}
	zap.L().Warn("rate limit: reducing rate after 429",
		zap.String("scope", scope),
		zap.Float64("new_rate", float64(newRate)),
		zap.Duration("retry_after", retryAfter),
	)
}

// Rate returns the scope's current rate, for tests and status output.
func (l *Limiter) Rate(scope string) rate.Limit {
	s := l.scope(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRate
}
