// Package ratelimit implements per-domain politeness limits with token
// buckets. Each domain gets its own bucket so a slow host never throttles
// the rest of the crawl frontier.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "undertow_ratelimit_wait_seconds",
	Help:    "Delay introduced by per-domain politeness limits.",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{"domain"})

// Config holds limiter defaults.
type Config struct {
	// DefaultRPS is the steady per-domain request rate. Zero or negative
	// disables limiting.
	DefaultRPS float64
	// DefaultBurst is the per-domain burst allowance. Defaults to 1.
	DefaultBurst int
	// Overrides pins specific domains to their own rates.
	Overrides map[string]float64
}

// Limiter hands out per-domain tokens. Safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	overrides    map[string]float64
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets:      make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		overrides:    cfg.Overrides,
	}
}

// Wait blocks until the target's domain has a token, or ctx finishes.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)
	bucket := l.bucket(domain)

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		waitSeconds.WithLabelValues(domain).Observe(waited.Seconds())
	}
	return nil
}

func (l *Limiter) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[domain]; ok {
		return b
	}
	r := l.defaultRate
	if rps, ok := l.overrides[domain]; ok {
		r = rate.Limit(rps)
		if rps <= 0 {
			r = rate.Inf
		}
	}
	b := rate.NewLimiter(r, l.defaultBurst)
	l.buckets[domain] = b
	return b
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
