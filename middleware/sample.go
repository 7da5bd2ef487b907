package middleware

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/pipeline"
)

// SampleConfig configures the Sample middleware.
type SampleConfig struct {
	// Log maps a log level to its keep rate in [0,1]. Unlisted levels
	// default to 1 (always keep).
	Log map[envelope.Level]float64
	// Event maps an event name to its keep rate. "*" is the wildcard
	// fallback for names not listed individually. Unlisted, non-wildcarded
	// names default to 1.
	Event map[string]float64
	// Key, when non-nil and returning ok=true, derives a deterministic
	// sampling key from the envelope so that every envelope with the same
	// key makes the same keep/drop decision for a fixed rate. When nil or
	// returning ok=false, the decision is drawn from Rand instead.
	Key func(ctx context.Context, e *envelope.Envelope) (key string, ok bool)
	// Rand supplies uniform randoms in [0,1) for envelopes with no sampling
	// key. Defaults to rand/v2's global source.
	Rand func() float64
}

// Sample builds a probabilistic drop middleware. Rate resolution mirrors
// the rate-limit middleware: logs key off level, events off name falling
// back to the "*" wildcard.
func Sample(cfg SampleConfig) pipeline.Middleware {
	randFn := cfg.Rand
	if randFn == nil {
		randFn = rand.Float64
	}

	return pipeline.Adapt(func(ctx context.Context, e *envelope.Envelope) pipeline.Decision {
		rate := resolveSampleRate(cfg, e.Record)
		rate = clampRate(rate)

		switch {
		case rate >= 1:
			return pipeline.Pass
		case rate <= 0:
			return pipeline.Drop
		}

		if cfg.Key != nil {
			if key, ok := cfg.Key(ctx, e); ok {
				u := fnv1a32Uniform(key)
				if u < rate {
					return pipeline.Pass
				}
				return pipeline.Drop
			}
		}

		if randFn() < rate {
			return pipeline.Pass
		}
		return pipeline.Drop
	})
}

func resolveSampleRate(cfg SampleConfig, rec envelope.Record) float64 {
	switch r := rec.(type) {
	case envelope.LogRecord:
		if rate, ok := cfg.Log[r.Level]; ok {
			return rate
		}
		return 1
	case envelope.EventRecord:
		if rate, ok := cfg.Event[r.Name]; ok {
			return rate
		}
		if rate, ok := cfg.Event["*"]; ok {
			return rate
		}
		return 1
	default:
		return 1
	}
}

func clampRate(rate float64) float64 {
	if math.IsNaN(rate) {
		return 0
	}
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

// fnv1a32Uniform hashes key with 32-bit FNV-1a and divides by 2^32 to
// produce a deterministic uniform in [0,1).
func fnv1a32Uniform(key string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return float64(h.Sum32()) / 4294967296.0
}
