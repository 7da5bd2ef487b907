package middleware_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/pipeline"
	"github.com/dmitrymomot/telemetry/middleware"
	"github.com/dmitrymomot/telemetry/pkg/clock"
)

func dispatchDedupe(t *testing.T, mw pipeline.Middleware, e *envelope.Envelope) bool {
	t.Helper()
	passed := false
	err := mw(context.Background(), e, func(*envelope.Envelope) error {
		passed = true
		return nil
	})
	require.NoError(t, err)
	return passed
}

func TestDedupeFirstOccurrencePasses(t *testing.T) {
	t.Parallel()
	mw := middleware.Dedupe(middleware.DedupeConfig{TTLMs: 1000})
	e := envelope.New(0, nil, envelope.LogRecord{Level: envelope.LevelInfo, Msg: "boom"})
	assert.True(t, dispatchDedupe(t, mw, e))
}

func TestDedupeRepeatWithinTTLDrops(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.UnixMilli(0))
	mw := middleware.Dedupe(middleware.DedupeConfig{TTLMs: 1000, Clock: fake})

	mkEnv := func() *envelope.Envelope {
		return envelope.New(0, nil, envelope.LogRecord{Level: envelope.LevelInfo, Msg: "boom"})
	}

	assert.True(t, dispatchDedupe(t, mw, mkEnv()))
	fake.Advance(500 * time.Millisecond)
	assert.False(t, dispatchDedupe(t, mw, mkEnv()), "repeat inside the TTL window should be dropped")
}

func TestDedupeTTLBoundaryAllowsNewWindow(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.UnixMilli(0))
	mw := middleware.Dedupe(middleware.DedupeConfig{TTLMs: 1000, Clock: fake})

	mkEnv := func() *envelope.Envelope {
		return envelope.New(0, nil, envelope.LogRecord{Level: envelope.LevelInfo, Msg: "boom"})
	}

	assert.True(t, dispatchDedupe(t, mw, mkEnv()))
	fake.Advance(1000 * time.Millisecond)
	assert.True(t, dispatchDedupe(t, mw, mkEnv()), "the TTL has fully elapsed, so this is the first pass of a new window")
	fake.Advance(500 * time.Millisecond)
	assert.False(t, dispatchDedupe(t, mw, mkEnv()), "still inside the new window")
}

func TestDedupeDistinguishesDifferentPayloads(t *testing.T) {
	t.Parallel()
	mw := middleware.Dedupe(middleware.DedupeConfig{TTLMs: 1000})

	a := envelope.New(0, nil, envelope.LogRecord{Level: envelope.LevelInfo, Msg: "boom", Data: map[string]any{"id": 1}})
	b := envelope.New(0, nil, envelope.LogRecord{Level: envelope.LevelInfo, Msg: "boom", Data: map[string]any{"id": 2}})

	assert.True(t, dispatchDedupe(t, mw, a))
	assert.True(t, dispatchDedupe(t, mw, b), "different data means a different fingerprint")
}

func TestDedupeEvictsOldestWhenOverCapacity(t *testing.T) {
	t.Parallel()
	mw := middleware.Dedupe(middleware.DedupeConfig{TTLMs: 60_000, MaxSize: 2})

	first := envelope.New(0, nil, envelope.EventRecord{Name: "e1"})
	second := envelope.New(0, nil, envelope.EventRecord{Name: "e2"})
	third := envelope.New(0, nil, envelope.EventRecord{Name: "e3"})

	assert.True(t, dispatchDedupe(t, mw, first))
	assert.True(t, dispatchDedupe(t, mw, second))
	assert.True(t, dispatchDedupe(t, mw, third), "inserting past capacity should evict e1, not reject e3")

	// e1 was evicted, so its fingerprint is seen as new again.
	again := envelope.New(0, nil, envelope.EventRecord{Name: "e1"})
	assert.True(t, dispatchDedupe(t, mw, again))
}

func TestDedupeScopesAreIndependent(t *testing.T) {
	t.Parallel()
	mw := middleware.Dedupe(middleware.DedupeConfig{
		TTLMs: 60_000,
		Key: func(ctx context.Context, e *envelope.Envelope) (string, bool) {
			tenant, ok := e.Ctx["tenant"].(string)
			return tenant, ok
		},
	})

	a := envelope.New(0, envelope.Map{"tenant": "a"}, envelope.LogRecord{Msg: "x"})
	b := envelope.New(0, envelope.Map{"tenant": "b"}, envelope.LogRecord{Msg: "x"})

	assert.True(t, dispatchDedupe(t, mw, a))
	assert.True(t, dispatchDedupe(t, mw, b), "identical payload in a different scope is not a repeat")
}
