package safejson_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/telemetry/pkg/safejson"
)

func TestMarshalPlainValues(t *testing.T) {
	t.Parallel()
	b, err := safejson.Marshal(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, float64(1), out["a"])
	assert.Equal(t, "x", out["b"])
}

func TestMarshalBreaksMapCycle(t *testing.T) {
	t.Parallel()
	m := map[string]any{"name": "root"}
	m["self"] = m

	b, err := safejson.Marshal(m)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "[Circular]", out["self"])
}

func TestMarshalBreaksSliceCycle(t *testing.T) {
	t.Parallel()
	items := make([]any, 1)
	items[0] = items

	b, err := safejson.Marshal(items)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[Circular]")
}

func TestMarshalBigIntAsDecimalString(t *testing.T) {
	t.Parallel()
	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	b, err := safejson.Marshal(map[string]any{"n": huge})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "123456789012345678901234567890", out["n"])
}

func TestMarshalNilBigIntAsNull(t *testing.T) {
	t.Parallel()
	var nilBig *big.Int
	b, err := safejson.Marshal(map[string]any{"n": nilBig})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Nil(t, out["n"])
}

type customErr struct{ msg string }

func (e *customErr) Error() string { return e.msg }

func TestMarshalErrorProjectsToStructuredObject(t *testing.T) {
	t.Parallel()
	b, err := safejson.Marshal(map[string]any{"err": &customErr{msg: "boom"}})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	errObj, ok := out["err"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "customErr", errObj["$error"])
	assert.Equal(t, "boom", errObj["message"])
}

func TestMarshalPlainErrorsNewDoesNotDegenerateToEmptyObject(t *testing.T) {
	t.Parallel()
	b, err := safejson.Marshal(map[string]any{"err": errors.New("plain failure")})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	errObj, ok := out["err"].(map[string]any)
	require.True(t, ok, "a bare encoding/json pass would silently collapse this to {}")
	assert.Equal(t, "plain failure", errObj["message"])
}

func TestMarshalNilValueIsNull(t *testing.T) {
	t.Parallel()
	b, err := safejson.Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestProjectErrorReturnsWireShapeAsMap(t *testing.T) {
	t.Parallel()
	proj := safejson.ProjectError(errors.New("oops"))
	assert.Equal(t, "oops", proj["message"])
	assert.Contains(t, proj, "$error")
	_, hasStack := proj["stack"]
	assert.False(t, hasStack, "plain errors.New values expose no stack")
}

func TestProjectErrorNilReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, safejson.ProjectError(nil))
}

type stackedErr struct{ msg string }

func (e *stackedErr) Error() string      { return e.msg }
func (e *stackedErr) StackTrace() string { return "goroutine 1 [running]:\nmain.main()" }

func TestProjectErrorIncludesStackWhenExposed(t *testing.T) {
	t.Parallel()
	proj := safejson.ProjectError(&stackedErr{msg: "boom"})
	assert.Contains(t, proj["stack"], "goroutine")
}
