package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/telemetry/core/envelope"
)

func TestMapMergeTakesOtherOnCollision(t *testing.T) {
	t.Parallel()
	base := envelope.Map{"a": 1, "b": 2}
	overlay := envelope.Map{"b": 3, "c": 4}

	merged := base.Merge(overlay)

	assert.Equal(t, envelope.Map{"a": 1, "b": 3, "c": 4}, merged)
	assert.Equal(t, envelope.Map{"a": 1, "b": 2}, base, "Merge must not mutate the receiver")
	assert.Equal(t, envelope.Map{"b": 3, "c": 4}, overlay, "Merge must not mutate the argument")
}

func TestMapMergeHandlesNilReceiverAndArgument(t *testing.T) {
	t.Parallel()
	var nilMap envelope.Map

	assert.Equal(t, envelope.Map{"a": 1}, nilMap.Merge(envelope.Map{"a": 1}))
	assert.Equal(t, envelope.Map{"a": 1}, envelope.Map{"a": 1}.Merge(nil))
	assert.Equal(t, envelope.Map{}, nilMap.Merge(nil))
}

func TestMapCloneIsIndependentOfSource(t *testing.T) {
	t.Parallel()
	src := envelope.Map{"a": 1}
	clone := src.Clone()
	clone["a"] = 2
	clone["b"] = 3

	assert.Equal(t, 1, src["a"])
	_, ok := src["b"]
	assert.False(t, ok)
}

func TestMapCloneOfNilIsNil(t *testing.T) {
	t.Parallel()
	var nilMap envelope.Map
	assert.Nil(t, nilMap.Clone())
}

func TestNewClonesCtxSoCallerMutationDoesNotLeak(t *testing.T) {
	t.Parallel()
	ctx := envelope.Map{"a": 1}
	e := envelope.New(42, ctx, envelope.LogRecord{Msg: "hi"})

	ctx["a"] = 999
	ctx["b"] = "new"

	assert.Equal(t, 1, e.Ctx["a"])
	_, ok := e.Ctx["b"]
	assert.False(t, ok)
}

func TestNewFixesTSAtCreation(t *testing.T) {
	t.Parallel()
	e := envelope.New(1234, nil, envelope.EventRecord{Name: "x"})
	assert.Equal(t, int64(1234), e.TS())
}

func TestLogRecordAndEventRecordKinds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "log", envelope.LogRecord{}.Kind())
	assert.Equal(t, "event", envelope.EventRecord{}.Kind())

	var log envelope.Record = envelope.LogRecord{}
	var event envelope.Record = envelope.EventRecord{}
	assert.Equal(t, "log", log.Kind())
	assert.Equal(t, "event", event.Kind())
}
