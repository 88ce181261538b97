// Package ratelimit keeps an advisory request budget per domain. Callers are
// told when a domain is over budget and decide what to do about it.
package ratelimit

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagecache/internal/metrics"
)

// Rule is a token bucket shape. A non-positive RPS means unlimited.
type Rule struct {
	RPS   float64
	Burst int
}

func (r Rule) bucket() *rate.Limiter {
	limit := rate.Limit(r.RPS)
	if r.RPS <= 0 {
		limit = rate.Inf
	}
	burst := r.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// Config holds the default rule and per-domain overrides keyed by lowercase
// hostname.
type Config struct {
	Default   Rule
	Overrides map[string]Rule
}

// Limiter hands out one bucket per domain, created on first use.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	def       Rule
	overrides map[string]Rule
	now       func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	overrides := make(map[string]Rule, len(cfg.Overrides))
	for host, rule := range cfg.Overrides {
		overrides[strings.ToLower(host)] = rule
	}
	return &Limiter{
		buckets:   make(map[string]*rate.Limiter),
		def:       cfg.Default,
		overrides: overrides,
		now:       time.Now,
	}
}

// Allow takes a token from the URL's domain bucket without blocking. It
// returns the domain and whether the request was within budget.
func (l *Limiter) Allow(rawURL string) (string, bool) {
	domain := Domain(rawURL)
	ok := l.bucket(domain).AllowN(l.now(), 1)
	if !ok {
		metrics.ObserveRateLimited(domain)
	}
	return domain, ok
}

func (l *Limiter) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[domain]
	if !ok {
		rule, found := l.overrides[domain]
		if !found {
			rule = l.def
		}
		b = rule.bucket()
		l.buckets[domain] = b
	}
	return b
}

// Domain extracts the lowercase hostname, or "unknown".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
