package middleware_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/pipeline"
	"github.com/dmitrymomot/telemetry/middleware"
)

func dispatchSecret(t *testing.T, mw pipeline.Middleware, e *envelope.Envelope) {
	t.Helper()
	err := mw(context.Background(), e, func(*envelope.Envelope) error { return nil })
	require.NoError(t, err)
}

func TestSecretMasksCtxKeysBySubstring(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{Keys: []string{"token"}})

	e := envelope.New(0, envelope.Map{"authToken": "abc123", "userId": "u-1"}, envelope.LogRecord{})
	dispatchSecret(t, mw, e)

	assert.Equal(t, middleware.DefaultReplacement, e.Ctx["authToken"])
	assert.Equal(t, "u-1", e.Ctx["userId"])
}

func TestSecretExactMatchWhenSubstringDisabled(t *testing.T) {
	t.Parallel()
	disabled := false
	mw := middleware.Secret(middleware.SecretConfig{
		Keys:           []string{"token"},
		MatchSubstring: &disabled,
	})

	e := envelope.New(0, envelope.Map{"authToken": "abc123", "token": "xyz"}, envelope.LogRecord{})
	dispatchSecret(t, mw, e)

	assert.Equal(t, "abc123", e.Ctx["authToken"], "exact match mode should not mask a substring hit")
	assert.Equal(t, middleware.DefaultReplacement, e.Ctx["token"])
}

func TestSecretMasksLogDataAndEventProps(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{Keys: []string{"password"}})

	logEnv := envelope.New(0, nil, envelope.LogRecord{
		Level: envelope.LevelInfo,
		Data:  map[string]any{"password": "hunter2", "username": "bob"},
	})
	dispatchSecret(t, mw, logEnv)
	rec := logEnv.Record.(envelope.LogRecord)
	assert.Equal(t, middleware.DefaultReplacement, rec.Data["password"])
	assert.Equal(t, "bob", rec.Data["username"])

	eventEnv := envelope.New(0, nil, envelope.EventRecord{
		Name:  "signup",
		Props: map[string]any{"password": "hunter2"},
	})
	dispatchSecret(t, mw, eventEnv)
	evRec := eventEnv.Record.(envelope.EventRecord)
	assert.Equal(t, middleware.DefaultReplacement, evRec.Props["password"])
}

func TestSecretRecursesThroughNestedMapsAndSlices(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{Keys: []string{"secret"}})

	e := envelope.New(0, envelope.Map{
		"nested": map[string]any{
			"list": []any{
				map[string]any{"secret": "s1"},
				map[string]any{"other": "x"},
			},
		},
	}, envelope.LogRecord{})
	dispatchSecret(t, mw, e)

	nested := e.Ctx["nested"].(map[string]any)
	list := nested["list"].([]any)
	assert.Equal(t, middleware.DefaultReplacement, list[0].(map[string]any)["secret"])
	assert.Equal(t, "x", list[1].(map[string]any)["other"])
}

func TestSecretIsIdempotent(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{Keys: []string{"token"}})

	e := envelope.New(0, envelope.Map{"token": "abc"}, envelope.LogRecord{})
	dispatchSecret(t, mw, e)
	once := e.Ctx["token"]
	dispatchSecret(t, mw, e)
	twice := e.Ctx["token"]

	assert.Equal(t, once, twice)
}

func TestSecretHandlesCyclesWithoutHanging(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{Keys: []string{"token"}})

	cyclic := map[string]any{"token": "abc"}
	cyclic["self"] = cyclic

	e := envelope.New(0, envelope.Map{"data": cyclic}, envelope.LogRecord{})
	assert.NotPanics(t, func() {
		dispatchSecret(t, mw, e)
	})
}

func TestSecretMasksErrMessageViaSafeJSONProjection(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{Keys: []string{"message"}})

	e := envelope.New(0, nil, envelope.LogRecord{
		Level: envelope.LevelError,
		Err:   errors.New("password=hunter2"),
	})
	dispatchSecret(t, mw, e)

	rec := e.Record.(envelope.LogRecord)
	require.Error(t, rec.Err)
	assert.Equal(t, middleware.DefaultReplacement, rec.Err.Error())
}

func TestSecretLeavesErrUnmaskedWhenNoKeyMatches(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{Keys: []string{"unrelated"}})

	e := envelope.New(0, nil, envelope.LogRecord{
		Level: envelope.LevelError,
		Err:   errors.New("boom"),
	})
	dispatchSecret(t, mw, e)

	rec := e.Record.(envelope.LogRecord)
	require.Error(t, rec.Err)
	assert.Equal(t, "boom", rec.Err.Error())
}

func TestSecretErrPathExcludedLeavesOriginalErr(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{
		Keys:  []string{"message"},
		Paths: []middleware.Target{middleware.TargetLogData},
	})

	original := errors.New("password=hunter2")
	e := envelope.New(0, nil, envelope.LogRecord{Level: envelope.LevelError, Err: original})
	dispatchSecret(t, mw, e)

	rec := e.Record.(envelope.LogRecord)
	assert.Same(t, original, rec.Err)
}

func TestSecretRespectsPathsSubset(t *testing.T) {
	t.Parallel()
	mw := middleware.Secret(middleware.SecretConfig{
		Keys:  []string{"password"},
		Paths: []middleware.Target{middleware.TargetLogData},
	})

	e := envelope.New(0, envelope.Map{"password": "leaked"}, envelope.LogRecord{
		Data: map[string]any{"password": "hunter2"},
	})
	dispatchSecret(t, mw, e)

	assert.Equal(t, "leaked", e.Ctx["password"], "ctx is out of scope when Paths excludes it")
	rec := e.Record.(envelope.LogRecord)
	assert.Equal(t, middleware.DefaultReplacement, rec.Data["password"])
}
