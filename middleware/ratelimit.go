package middleware

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/logger"
	"github.com/dmitrymomot/telemetry/core/pipeline"
	"github.com/dmitrymomot/telemetry/pkg/clock"
	"github.com/dmitrymomot/telemetry/pkg/ordermap"
)

// RateLimitRule is a token-bucket policy: limit tokens refill every
// intervalMs; burst overrides the bucket capacity when set (default equal
// to limit).
type RateLimitRule struct {
	Limit      float64
	IntervalMs int64
	Burst      float64
}

func (r RateLimitRule) capacity() float64 {
	if r.Burst > 0 {
		return r.Burst
	}
	return r.Limit
}

func (r RateLimitRule) ratePerMs() float64 {
	if r.IntervalMs <= 0 {
		return 0
	}
	return r.Limit / float64(r.IntervalMs)
}

// RateLimitConfig configures the RateLimit middleware.
type RateLimitConfig struct {
	// Log maps a log level to its rule. DefaultLog applies to unlisted
	// levels; unlimited (no rule at all) if neither matches.
	Log        map[envelope.Level]RateLimitRule
	DefaultLog *RateLimitRule

	// Event maps a name to its rule, falling back to the "*" wildcard,
	// then DefaultEvent, then unlimited.
	Event        map[string]RateLimitRule
	DefaultEvent *RateLimitRule

	// Key derives the scope key from the envelope. Envelopes with no key
	// (Key nil, or returning ok=false) share the "global" scope.
	Key func(ctx context.Context, e *envelope.Envelope) (key string, ok bool)

	// Clock is the time source for refill math. Defaults to clock.Real{}.
	Clock clock.Clock

	// CleanupEvery runs stale-bucket sweep every N envelopes. Defaults to 200.
	CleanupEvery int
	// BucketTTLMs is the idle duration after which a bucket is evicted.
	// Defaults to 10 minutes.
	BucketTTLMs int64
	// MaxBuckets bounds total tracked buckets; oldest are evicted first.
	// Defaults to 10000.
	MaxBuckets int

	Logger *slog.Logger
}

const (
	defaultRateLimitCleanupEvery = 200
	defaultRateLimitBucketTTLMs  = 10 * 60 * 1000
	defaultMaxBuckets            = 10_000
)

type rateBucket struct {
	tokens       float64
	lastRefillMs int64
	lastSeenMs   int64
}

// RateLimit builds a token-bucket rate-limit middleware. Buckets are keyed
// by scope+"::"+rule id so each (scope, rule) pair refills independently.
func RateLimit(cfg RateLimitConfig) pipeline.Middleware {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = defaultRateLimitCleanupEvery
	}
	if cfg.BucketTTLMs <= 0 {
		cfg.BucketTTLMs = defaultRateLimitBucketTTLMs
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = defaultMaxBuckets
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rl := &rateLimiter{cfg: cfg, buckets: ordermap.New[string, *rateBucket]()}

	return pipeline.Adapt(func(ctx context.Context, e *envelope.Envelope) pipeline.Decision {
		rule, ruleID, ok := resolveRateLimitRule(cfg, e.Record)
		if !ok {
			return pipeline.Pass
		}

		scope := "global"
		if cfg.Key != nil {
			if k, ok := cfg.Key(ctx, e); ok {
				scope = k
			}
		}
		bucketID := scope + "::" + ruleID

		if rl.consume(bucketID, rule) {
			return pipeline.Pass
		}
		cfg.Logger.DebugContext(ctx, "telemetry rate limit dropped envelope",
			logger.Scope(scope), logger.BucketID(bucketID))
		return pipeline.Drop
	})
}

func resolveRateLimitRule(cfg RateLimitConfig, rec envelope.Record) (RateLimitRule, string, bool) {
	switch r := rec.(type) {
	case envelope.LogRecord:
		ruleID := "log:" + string(r.Level)
		if rule, ok := cfg.Log[r.Level]; ok {
			return rule, ruleID, true
		}
		if cfg.DefaultLog != nil {
			return *cfg.DefaultLog, ruleID, true
		}
		return RateLimitRule{}, ruleID, false
	case envelope.EventRecord:
		ruleID := "event:" + r.Name
		if rule, ok := cfg.Event[r.Name]; ok {
			return rule, ruleID, true
		}
		if rule, ok := cfg.Event["*"]; ok {
			return rule, ruleID, true
		}
		if cfg.DefaultEvent != nil {
			return *cfg.DefaultEvent, ruleID, true
		}
		return RateLimitRule{}, ruleID, false
	default:
		return RateLimitRule{}, "", false
	}
}

// rateLimiter holds the bucket bookkeeping for one RateLimit middleware
// instance. Buckets are kept in a recency-ordered map so the periodic
// sweep can evict the least-recently-touched entries first, mirroring the
// "re-insert into an insertion-ordered map" bookkeeping trick.
type rateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	buckets *ordermap.Map[string, *rateBucket]
	ops     int
}

func (rl *rateLimiter) consume(id string, rule RateLimitRule) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.cfg.Clock.Now().UnixMilli()
	cutoff := now - rl.cfg.BucketTTLMs

	b, exists := rl.buckets.Get(id)
	if exists && b.lastSeenMs < cutoff {
		rl.buckets.Delete(id)
		exists = false
	}
	if !exists {
		b = &rateBucket{tokens: rule.capacity(), lastRefillMs: now, lastSeenMs: now}
		rl.buckets.Set(id, b)
	} else {
		elapsed := now - b.lastRefillMs
		if elapsed > 0 {
			b.tokens = min(rule.capacity(), b.tokens+float64(elapsed)*rule.ratePerMs())
			b.lastRefillMs = now
		}
		b.lastSeenMs = now
		rl.buckets.Touch(id)
	}

	rl.ops++
	if rl.ops%rl.cfg.CleanupEvery == 0 {
		rl.cleanupLocked(now)
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (rl *rateLimiter) cleanupLocked(now int64) {
	cutoff := now - rl.cfg.BucketTTLMs
	for {
		key, ok := rl.oldestIfStale(cutoff)
		if !ok {
			break
		}
		rl.buckets.Delete(key)
	}
	for rl.buckets.Len() > rl.cfg.MaxBuckets {
		rl.buckets.EvictOldest()
	}
}

func (rl *rateLimiter) oldestIfStale(cutoff int64) (string, bool) {
	key, ok := rl.buckets.OldestKey()
	if !ok {
		return "", false
	}
	b, _ := rl.buckets.Get(key)
	if b.lastSeenMs >= cutoff {
		return "", false
	}
	return key, true
}

// BucketID reconstructs the id RateLimit uses internally, for callers that
// need to correlate bucket-level metrics with a (scope, rule) pair.
func BucketID(scope, ruleID string) string { return scope + "::" + ruleID }
