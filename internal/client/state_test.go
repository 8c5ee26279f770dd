package client

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fauxnetd/internal/operations"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateStarting, true},
		{StateIdle, StateReconnecting, true},
		{StateIdle, StateObserving, false},
		{StateStarting, StateObserving, true},
		{StateStarting, StateCompleted, false},
		{StateObserving, StateCompleted, true},
		{StateObserving, StateStarting, false},
		{StateReconnecting, StateObserving, true},
		{StateCompleted, StateStarting, true},
		{StateErrored, StateObserving, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionErrorIsInvalidState(t *testing.T) {
	err := transitionError(StateIdle, StateCompleted)
	require.Error(t, err)

	var opErr *operations.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, operations.ErrorTypeInvalidState, opErr.Type)
	assert.Contains(t, err.Error(), "idle -> completed")
}

func TestLatchFiresOnce(t *testing.T) {
	latch := NewLatch()
	var wins atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if latch.Fire("op-1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, latch.Fired("op-1"))
	assert.False(t, latch.Fired("op-2"))
	assert.True(t, latch.Fire("op-2"), "ids are independent")
}
