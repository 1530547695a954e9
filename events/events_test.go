package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterd/entities"
)

func TestSubscriptionIsFIFO(t *testing.T) {
	pub, sub := NewSubscription()

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish(&RequestStarted{RequestID: string(rune('a' + i))}))
	}
	for _, want := range []string{"a", "b", "c"} {
		evt, err := sub.Next()
		require.NoError(t, err)
		assert.Equal(t, want, evt.(*RequestStarted).RequestID)
	}
}

func TestSubscriptionCloseUnblocksNext(t *testing.T) {
	pub, sub := NewSubscription()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case err := <-done:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.True(t, pub.Closed())
	assert.Equal(t, ErrClosed, pub.Publish(&RequestStarted{}))
}

func TestHubFansOutAndTrims(t *testing.T) {
	var h Hub
	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(&ModuleRegistered{ModuleID: "math"})
	for _, sub := range []Subscriber{a, b} {
		evt, err := sub.Next()
		require.NoError(t, err)
		assert.Equal(t, TypeModuleRegistered, evt.Type())
	}

	b.Close()
	h.Publish(&ModuleRegistered{ModuleID: "ping"})
	assert.Len(t, h.publishers, 1)

	evt, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, "ping", evt.(*ModuleRegistered).ModuleID)
}

func TestHubConcurrentPublish(t *testing.T) {
	var h Hub
	sub := h.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish(&RequestFinished{Code: 200})
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		_, err := sub.Next()
		require.NoError(t, err)
	}
}

func TestMarshalEnvelope(t *testing.T) {
	b, err := Marshal(&RequestFinished{
		RequestID: "r1",
		Call:      entities.Call{ModuleID: "math", MethodID: "sum"},
		Code:      200,
	})
	require.NoError(t, err)

	var out struct {
		Type    Type            `json:"type"`
		Time    time.Time       `json:"time"`
		Payload RequestFinished `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, TypeRequestFinished, out.Type)
	assert.False(t, out.Time.IsZero())
	assert.Equal(t, "r1", out.Payload.RequestID)
	assert.Equal(t, "sum", out.Payload.Call.MethodID)
}
