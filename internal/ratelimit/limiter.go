// Package ratelimit provides the admission-control primitive gating the
// ingestion path: request counting per identifier (API key or client IP)
// within a window, with optional token-bucket burst behavior.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Config defines one rate limit.
// Valid values:
//   - Limit: must be > 0
//   - Window: must be > 0
//   - BurstLimit, RefillRate: optional; RefillRate > 0 switches the bucket
//     from a fixed-window counter to a token bucket refilled at that many
//     tokens per second, capped at BurstLimit (Limit when unset).
type Config struct {
	Limit      int
	Window     time.Duration
	BurstLimit int
	RefillRate float64
}

// Validate checks that the Config has valid values.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("Limit must be > 0 (got %d)", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("Window must be > 0 (got %s)", c.Window)
	}
	return nil
}

// capacity is the bucket size in token-bucket mode.
func (c Config) capacity() int {
	if c.BurstLimit > 0 {
		return c.BurstLimit
	}
	return c.Limit
}

// Result is the outcome of one Consume call.
type Result struct {
	Limited   bool
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the whole seconds until the window resets, set only
	// when Limited.
	RetryAfter int
}

// Status is the read-only view of an identifier's bucket, used for response
// headers without double-counting.
type Status struct {
	Remaining int
	ResetAt   time.Time
	Limited   bool
}

// Store is the swappable counter backend. The in-memory Limiter satisfies
// it for single-instance deployments; RedisStore backs it with shared
// counters for cross-instance correctness.
type Store interface {
	// Allow consumes one request for key and reports whether it is
	// admitted, the remaining budget, and the seconds until reset when
	// denied.
	Allow(ctx context.Context, key string, cfg Config) (allowed bool, remaining int, retryAfter int)
}

type bucket struct {
	count      int
	resetAt    time.Time
	tokens     float64
	lastRefill time.Time
}

// Limiter is the process-local admission controller. All methods are
// synchronized internally and never block.
type Limiter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	keyLimits     map[string]Config
	companyLimits map[string]Config
	now           func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source. Tests use it to step through
// windows deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates an empty limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		buckets:       make(map[string]*bucket),
		keyLimits:     make(map[string]Config),
		companyLimits: make(map[string]Config),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetKeyLimit overrides the limit for a specific API key.
func (l *Limiter) SetKeyLimit(apiKeyID string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyLimits[apiKeyID] = cfg
}

// SetCompanyLimit overrides the limit for every key of a company.
func (l *Limiter) SetCompanyLimit(companyID string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.companyLimits[companyID] = cfg
}

// LimitFor resolves the effective config for a request: per-key override
// first, then per-company, then the supplied default.
func (l *Limiter) LimitFor(apiKeyID, companyID string, def Config) Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg, ok := l.keyLimits[apiKeyID]; ok {
		return cfg
	}
	if cfg, ok := l.companyLimits[companyID]; ok {
		return cfg
	}
	return def
}

// Consume counts one request against identifier and returns the admission
// decision.
func (l *Limiter) Consume(identifier string, cfg Config) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	useTokens := cfg.RefillRate > 0

	b, exists := l.buckets[identifier]
	if !exists || !b.resetAt.After(now) {
		capacity := cfg.Limit
		if useTokens {
			capacity = cfg.capacity()
		}
		resetAt := now.Add(cfg.Window)
		l.buckets[identifier] = &bucket{
			count:      1,
			resetAt:    resetAt,
			tokens:     float64(capacity - 1),
			lastRefill: now,
		}
		return Result{Remaining: capacity - 1, ResetAt: resetAt}
	}

	if useTokens {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if refill := math.Floor(elapsed * cfg.RefillRate); refill > 0 {
			b.tokens = math.Min(b.tokens+refill, float64(cfg.capacity()))
			b.lastRefill = now
		}
		if b.tokens <= 0 {
			return limitedResult(b.resetAt, now)
		}
		b.tokens--
		b.count++
		return Result{Remaining: int(b.tokens), ResetAt: b.resetAt}
	}

	if b.count >= cfg.Limit {
		b.tokens = 0
		return limitedResult(b.resetAt, now)
	}
	b.count++
	// Mirror the remaining budget into tokens so GetStatus reads one field
	// in both modes.
	b.tokens = float64(cfg.Limit - b.count)
	return Result{Remaining: cfg.Limit - b.count, ResetAt: b.resetAt}
}

func limitedResult(resetAt, now time.Time) Result {
	retryAfter := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return Result{Limited: true, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}
}

// GetStatus returns the last known state for identifier without mutating
// it, or nil when no live bucket exists.
func (l *Limiter) GetStatus(identifier string) *Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identifier]
	if !ok {
		return nil
	}
	now := l.now()
	if !b.resetAt.After(now) {
		return nil
	}
	return &Status{
		Remaining: int(math.Max(b.tokens, 0)),
		ResetAt:   b.resetAt,
		Limited:   b.tokens <= 0,
	}
}

// Allow adapts the limiter to the Store interface.
func (l *Limiter) Allow(ctx context.Context, key string, cfg Config) (bool, int, int) {
	res := l.Consume(key, cfg)
	return !res.Limited, res.Remaining, res.RetryAfter
}

// Clear drops the bucket for one identifier.
func (l *Limiter) Clear(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identifier)
}

// ClearAll drops every bucket.
func (l *Limiter) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// Cleanup removes expired buckets to prevent memory growth. Call
// periodically; an interval of a few times the longest configured window is
// enough.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if !b.resetAt.After(now) {
			delete(l.buckets, key)
		}
	}
}
