package middleware

import (
	"context"
	"reflect"
	"strings"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/pipeline"
	"github.com/dmitrymomot/telemetry/pkg/safejson"
)

// DefaultReplacement is substituted for any value matched by Secret.
const DefaultReplacement = "[MASKED]"

// DefaultMaxMaskDepth bounds recursion through nested maps/slices.
const DefaultMaxMaskDepth = 20

// Target names a sub-tree the Secret middleware can mask.
type Target string

const (
	TargetCtx        Target = "ctx"
	TargetLogData    Target = "log.data"
	TargetLogErr     Target = "log.err"
	TargetEventProps Target = "event.props"
)

// SecretConfig configures the Secret middleware.
type SecretConfig struct {
	// Keys is the list of case-insensitive tokens matched against map keys.
	Keys []string
	// MatchSubstring masks a key when its lowercased form contains any
	// token; when false, only an exact case-insensitive match masks.
	// Defaults to true.
	MatchSubstring *bool
	// Replacement substitutes a matched subtree wholesale. Defaults to
	// DefaultReplacement.
	Replacement any
	// MaxDepth bounds recursion. Defaults to DefaultMaxMaskDepth.
	MaxDepth int
	// Paths restricts masking to a subset of the four targets. Defaults to
	// all four.
	Paths []Target
}

// Secret builds a middleware that masks values under keys matching cfg.Keys
// across ctx, log.data, log.err, and event.props. Traversal is cycle-safe
// and never descends into a subtree it has already replaced.
func Secret(cfg SecretConfig) pipeline.Middleware {
	matchSubstring := cfg.MatchSubstring == nil || *cfg.MatchSubstring
	replacement := cfg.Replacement
	if replacement == nil {
		replacement = DefaultReplacement
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxMaskDepth
	}
	paths := cfg.Paths
	if len(paths) == 0 {
		paths = []Target{TargetCtx, TargetLogData, TargetLogErr, TargetEventProps}
	}

	tokens := make([]string, len(cfg.Keys))
	for i, k := range cfg.Keys {
		tokens[i] = strings.ToLower(k)
	}

	m := &masker{
		tokens:         tokens,
		matchSubstring: matchSubstring,
		replacement:    replacement,
		maxDepth:       maxDepth,
	}
	targets := make(map[Target]bool, len(paths))
	for _, p := range paths {
		targets[p] = true
	}

	return pipeline.Adapt(func(ctx context.Context, e *envelope.Envelope) pipeline.Decision {
		if targets[TargetCtx] {
			e.Ctx = envelope.Map(m.maskMap(map[string]any(e.Ctx)))
		}

		switch rec := e.Record.(type) {
		case envelope.LogRecord:
			if targets[TargetLogData] && rec.Data != nil {
				rec.Data = m.maskMap(rec.Data)
			}
			if targets[TargetLogErr] && rec.Err != nil {
				rec.Err = m.maskErr(rec.Err)
			}
			e.Record = rec
		case envelope.EventRecord:
			if targets[TargetEventProps] && rec.Props != nil {
				rec.Props = m.maskMap(rec.Props)
			}
			e.Record = rec
		}

		return pipeline.Pass
	})
}

type masker struct {
	tokens         []string
	matchSubstring bool
	replacement    any
	maxDepth       int
}

func (m *masker) keyMatches(key string) bool {
	lower := strings.ToLower(key)
	for _, t := range m.tokens {
		if m.matchSubstring {
			if strings.Contains(lower, t) {
				return true
			}
		} else if lower == t {
			return true
		}
	}
	return false
}

// maskMap masks a top-level mapping, returning a new map. Used as the entry
// point for ctx/data/props since those are already map[string]any.
func (m *masker) maskMap(in map[string]any) map[string]any {
	out, _ := m.maskValue(in, 0, map[uintptr]bool{}).(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

// maskErr masks err by running it through its safe-JSON projection
// ({$error, message, stack}) rather than reflecting into the error's own
// internals, which arbitrary error types don't expose. This is the same
// projection the console and HTTP sinks put on the wire, so a key like
// "message" in cfg.Keys masks consistently wherever the error ends up.
func (m *masker) maskErr(err error) error {
	projected := safejson.ProjectError(err)
	return mappedError(m.maskMap(projected))
}

// mappedError lets a masked projection round-trip through the error field
// without losing its structure; Error() reproduces enough to remain useful
// in logs.
type mappedError map[string]any

func (e mappedError) Error() string {
	if msg, ok := e["message"].(string); ok {
		return msg
	}
	return "masked structured error"
}

func (m *masker) maskValue(v any, depth int, seen map[uintptr]bool) any {
	if depth > m.maxDepth {
		return v
	}
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return m.maskMapValue(rv, depth, seen)
	case reflect.Slice, reflect.Array:
		return m.maskSliceValue(rv, depth, seen)
	default:
		return v
	}
}

func (m *masker) maskMapValue(rv reflect.Value, depth int, seen map[uintptr]bool) map[string]any {
	if rv.Kind() == reflect.Map {
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return map[string]any{}
			}
			seen = withSeen(seen, ptr)
		}
	}

	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		val := iter.Value().Interface()
		if m.keyMatches(key) {
			out[key] = m.replacement
			continue
		}
		out[key] = m.maskValue(val, depth+1, seen)
	}
	return out
}

func (m *masker) maskSliceValue(rv reflect.Value, depth int, seen map[uintptr]bool) []any {
	if rv.Kind() == reflect.Slice {
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return []any{}
			}
			seen = withSeen(seen, ptr)
		}
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = m.maskValue(rv.Index(i).Interface(), depth+1, seen)
	}
	return out
}

func withSeen(seen map[uintptr]bool, ptr uintptr) map[uintptr]bool {
	next := make(map[uintptr]bool, len(seen)+1)
	for k, v := range seen {
		next[k] = v
	}
	next[ptr] = true
	return next
}
