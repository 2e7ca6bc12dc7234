package harness

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/payload"
)

func TestT_CountsAndFailures(t *testing.T) {
	tt := newT("s", discardLogger(), nil)

	assert.True(t, tt.Ok(true))
	assert.False(t, tt.Ok(false, "flag %s", "x"))
	assert.True(t, tt.NotOk(false))
	assert.True(t, tt.Equal(payload.Int(1), payload.Int(1)))
	assert.False(t, tt.NotEqual("a", "a"))
	assert.True(t, tt.NoError(nil))
	assert.True(t, tt.Error(errors.New("x")))
	assert.False(t, tt.Error(nil))

	count, failures := tt.finish()
	assert.Equal(t, 8, count)
	require.Len(t, failures, 3)
	assert.Equal(t, "flag x: expected true", failures[0].Detail)
	assert.True(t, strings.HasPrefix(failures[0].Location, "assert_test.go:"), failures[0].Location)
}

func TestT_ResultAssertions(t *testing.T) {
	tt := newT("s", discardLogger(), nil)

	assert.True(t, tt.IsOk(conductor.Ok(payload.String("a"))))
	assert.False(t, tt.IsOk(conductor.AppError(payload.String("no"))))
	assert.True(t, tt.IsAppError(conductor.AppError(payload.String("no"))))
	assert.False(t, tt.IsAppError(conductor.TransportFailure("call", errors.New("down"))))

	_, failures := tt.finish()
	require.Len(t, failures, 2)
	assert.Equal(t, `expected Ok, got Err("no")`, failures[0].Detail)
}

func TestT_Fields(t *testing.T) {
	tt := newT("s", discardLogger(), nil)
	course := payload.Object{
		"title":     payload.String("c"),
		"timestamp": payload.Int(1),
		"meta":      payload.Object{"level": payload.Int(2)},
	}

	assert.True(t, tt.Fields(course, map[string]any{"title": "c", "meta.level": 2}))
	assert.False(t, tt.Fields(course, map[string]any{"title": "d", "missing": true}))
	assert.False(t, tt.Fields(payload.Null{}, map[string]any{"title": "c"}))

	_, failures := tt.finish()
	require.Len(t, failures, 2)
	assert.Equal(t, `missing: missing; title: expected "d", got "c"`, failures[0].Detail)
	assert.Equal(t, "expected an object, got null", failures[1].Detail)
}

func TestT_AtOverridesLocation(t *testing.T) {
	tt := newT("s", discardLogger(), nil)
	tt.At("scenario.yaml step 3").Fail()

	_, failures := tt.finish()
	require.Len(t, failures, 1)
	assert.Equal(t, "scenario.yaml step 3", failures[0].Location)
}

func TestT_WatchersAndLateAssertions(t *testing.T) {
	var seen []Assertion
	tt := newT("s", discardLogger(), []func(Assertion){func(a Assertion) { seen = append(seen, a) }})

	tt.Pass("one")
	count, _ := tt.finish()
	tt.Fail("late")
	tt.Log("not an assertion")

	assert.Equal(t, 1, count)
	require.Len(t, seen, 1)
	assert.Equal(t, "one: passed", seen[0].Detail)
}
