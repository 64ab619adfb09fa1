// Package ratelimit paces session creation per backend with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
)

// Limiter hands out creation tokens per key (usually a backend host).
// A zero-rate Limiter never blocks.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	// QPS is the steady creation rate per key; <= 0 disables pacing.
	QPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.QPS)
	if cfg.QPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for key, respecting the context.
// URLs are reduced to their host so every session on one backend shares a bucket.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.defaultRate == rate.Inf {
		return nil
	}
	key = normalizeKey(key)
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func normalizeKey(key string) string {
	if u, err := url.Parse(key); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if key == "" {
		return "default"
	}
	return key
}
