package example

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterd/entities"
	"meterd/registry"
)

func TestMath(t *testing.T) {
	m, err := New(time.Millisecond)
	require.NoError(t, err)
	api := registry.AsAPI(m)
	ctx := context.Background()

	res, err := api.Call(ctx, "sum", map[string]int{"a": 1, "b": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Result: 3}, res)

	res, err = api.Call(ctx, "multiply", map[string]int{"a": 1, "b": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Result: 2}, res)

	res, err = api.Call(ctx, "divide", map[string]int{"a": 1, "b": 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Result: 0.25}, res)

	_, err = api.Call(ctx, "divide", map[string]int{"a": 1, "b": 0}, nil)
	assert.Equal(t, 400, entities.AsError(err, 0).Code)

	divide, _ := m.Method("divide")
	assert.Equal(t, DivideMultiplier, divide.Settings.Multiplier)
}

func TestStreamTest(t *testing.T) {
	m, err := New(time.Millisecond)
	require.NoError(t, err)

	var seen []interface{}
	res, err := registry.AsAPI(m).Call(context.Background(), "stream_test", nil, func(v interface{}) {
		seen = append(seen, v)
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{Result{Result: 1}, Result{Result: 2}, Result{Result: 3}}, seen)
	assert.Equal(t, Result{Result: 3}, res)
}

func TestStreamTestAbort(t *testing.T) {
	m, err := New(10 * time.Millisecond)
	require.NoError(t, err)
	method, _ := m.Method("stream_test")

	s := registry.NewStream()
	abort, err := registry.Invoke(context.Background(), method, &registry.Call{}, s)
	require.NoError(t, err)

	evt, ok := s.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, registry.EventData, evt.Kind)
	abort()
	abort()

	var kinds []registry.EventKind
	for {
		evt, ok := s.Next(context.Background())
		if !ok {
			break
		}
		kinds = append(kinds, evt.Kind)
		if evt.Kind == registry.EventError {
			assert.Equal(t, "cancelled", evt.Err.Message)
			assert.Equal(t, 400, evt.Err.Code)
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, registry.EventError, kinds[len(kinds)-1])
}
