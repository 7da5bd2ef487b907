package middleware

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/logger"
	"github.com/dmitrymomot/telemetry/core/pipeline"
	"github.com/dmitrymomot/telemetry/pkg/clock"
	"github.com/dmitrymomot/telemetry/pkg/ordermap"
	"github.com/dmitrymomot/telemetry/pkg/stable"
)

const (
	defaultDedupeTTLMs           = 30_000
	defaultDedupeCleanupEvery    = 200
	defaultDedupeMaxSize         = 10_000
	defaultDedupeMaxFingerprintL = 2048
	defaultDedupeStableMaxDepth  = 10
)

// DedupeConfig configures the Dedupe middleware.
type DedupeConfig struct {
	// TTLMs is how long a fingerprint suppresses repeats once seen.
	// Defaults to 30000 (30s).
	TTLMs int64
	// Fingerprint overrides the default record fingerprinting. Defaults to
	// stable-stringifying (level, msg, data, err) for logs and
	// (name, props) for events.
	Fingerprint func(e *envelope.Envelope) string
	// MaxFingerprintLength truncates computed fingerprints. Defaults to 2048.
	MaxFingerprintLength int
	// Key derives the scope key from the envelope, same semantics as
	// RateLimit's Key. Envelopes with no key share the "global" scope.
	Key func(ctx context.Context, e *envelope.Envelope) (key string, ok bool)

	// Clock is the time source. Defaults to clock.Real{}.
	Clock clock.Clock
	// CleanupEvery runs the expired/oversized sweep every N envelopes.
	// Defaults to 200.
	CleanupEvery int
	// MaxSize bounds total cache entries. Defaults to 10000.
	MaxSize int

	Logger *slog.Logger
}

type dedupeEntry struct {
	expiresAtMs int64
}

// Dedupe builds a TTL-bounded, capacity-bounded, LRU deduplication
// middleware. The first occurrence of a fingerprint within a TTL window
// passes; repeats within the window are dropped; the first occurrence of a
// new window (TTL expired since the occurrence that opened the previous
// window; dropped repeats do not extend it) passes again.
func Dedupe(cfg DedupeConfig) pipeline.Middleware {
	if cfg.TTLMs <= 0 {
		cfg.TTLMs = defaultDedupeTTLMs
	}
	if cfg.MaxFingerprintLength <= 0 {
		cfg.MaxFingerprintLength = defaultDedupeMaxFingerprintL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = defaultDedupeCleanupEvery
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultDedupeMaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fingerprint := cfg.Fingerprint
	if fingerprint == nil {
		fingerprint = defaultFingerprint
	}

	d := &dedupeCache{cfg: cfg, entries: ordermap.New[string, *dedupeEntry]()}

	return pipeline.Adapt(func(ctx context.Context, e *envelope.Envelope) pipeline.Decision {
		scope := "global"
		if cfg.Key != nil {
			if k, ok := cfg.Key(ctx, e); ok {
				scope = k
			}
		}

		fp := fingerprint(e)
		if len(fp) > cfg.MaxFingerprintLength {
			fp = fp[:cfg.MaxFingerprintLength]
		}
		id := scope + "::" + fp

		if d.seen(id) {
			return pipeline.Pass
		}
		cfg.Logger.DebugContext(ctx, "telemetry dedupe dropped repeat envelope",
			logger.Scope(scope), logger.Fingerprint(fp))
		return pipeline.Drop
	})
}

// defaultFingerprint implements the fingerprint formula: logs hash level,
// msg, stable(data), stable(err); events hash name, stable(props).
func defaultFingerprint(e *envelope.Envelope) string {
	switch r := e.Record.(type) {
	case envelope.LogRecord:
		return "log:" + string(r.Level) + ":" + r.Msg +
			"|data=" + stable.Stringify(r.Data, defaultDedupeStableMaxDepth) +
			"|err=" + stable.Stringify(r.Err, defaultDedupeStableMaxDepth)
	case envelope.EventRecord:
		return "event:" + r.Name + "|props=" + stable.Stringify(r.Props, defaultDedupeStableMaxDepth)
	default:
		return "unknown:" + strconv.Itoa(int(e.TS()))
	}
}

// dedupeCache holds the LRU bookkeeping for one Dedupe middleware instance.
type dedupeCache struct {
	mu      sync.Mutex
	cfg     DedupeConfig
	entries *ordermap.Map[string, *dedupeEntry]
	ops     int
}

// seen implements the three-way per-envelope semantics documented on
// Dedupe: returns true when the envelope should pass (new id, or a
// fresh TTL window), false when it should be dropped as a repeat.
func (d *dedupeCache) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.cfg.Clock.Now().UnixMilli()

	entry, exists := d.entries.Get(id)
	var pass bool
	switch {
	case !exists:
		entry = &dedupeEntry{expiresAtMs: now + d.cfg.TTLMs}
		d.entries.Set(id, entry)
		pass = true
	case now < entry.expiresAtMs:
		d.entries.Touch(id)
		pass = false
	default:
		entry.expiresAtMs = now + d.cfg.TTLMs
		d.entries.Touch(id)
		pass = true
	}

	d.ops++
	if d.ops%d.cfg.CleanupEvery == 0 {
		d.cleanupLocked(now)
	}
	if d.entries.Len() > d.cfg.MaxSize {
		d.entries.EvictOldest()
	}

	return pass
}

func (d *dedupeCache) cleanupLocked(now int64) {
	for {
		key, ok := d.entries.OldestKey()
		if !ok {
			break
		}
		entry, _ := d.entries.Get(key)
		if now < entry.expiresAtMs {
			break
		}
		d.entries.Delete(key)
	}
	for d.entries.Len() > d.cfg.MaxSize {
		d.entries.EvictOldest()
	}
}
