package devicelogs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListeners_FirstAndLast(t *testing.T) {
	listeners := NewListeners()
	lc := LogContext{ID: 1, UUID: "a", RetentionLimit: 10}

	first := NewSubscription(lc, 4)
	second := NewSubscription(lc, 4)

	assert.True(t, listeners.Add(first), "first listener attaches upstream")
	assert.False(t, listeners.Add(second), "second listener shares the attachment")
	assert.Equal(t, 2, listeners.Count(lc.ID))

	found, last := listeners.Remove(first)
	assert.True(t, found)
	assert.False(t, last)

	found, last = listeners.Remove(second)
	assert.True(t, found)
	assert.True(t, last)
	assert.Empty(t, listeners.Devices())
}

func TestListeners_RemoveUnknown(t *testing.T) {
	listeners := NewListeners()
	sub := NewSubscription(LogContext{ID: 3}, 1)

	found, last := listeners.Remove(sub)
	assert.False(t, found)
	assert.False(t, last)
}

func TestListeners_DispatchPreservesOrder(t *testing.T) {
	listeners := NewListeners()
	lc := LogContext{ID: 9}
	sub := NewSubscription(lc, 8)
	other := NewSubscription(LogContext{ID: 10}, 8)
	listeners.Add(sub)
	listeners.Add(other)

	for i := int64(1); i <= 5; i++ {
		listeners.Dispatch(lc.ID, OutputLog{CreatedAt: i})
	}

	for i := int64(1); i <= 5; i++ {
		log := <-sub.Logs()
		assert.Equal(t, i, log.CreatedAt)
	}
	assert.Empty(t, other.Logs(), "lines of another device are not delivered")
}

func TestSubscription_RemoveClosesChannel(t *testing.T) {
	listeners := NewListeners()
	sub := NewSubscription(LogContext{ID: 1}, 1)
	listeners.Add(sub)

	listeners.Remove(sub)

	_, open := <-sub.Logs()
	assert.False(t, open)
	assert.False(t, sub.deliver(OutputLog{}), "delivering after close is a no-op")
}

func TestSubscription_FullChannelDropsInsteadOfBlocking(t *testing.T) {
	sub := NewSubscription(LogContext{ID: 1}, 1)

	require.True(t, sub.deliver(OutputLog{Message: "kept"}))
	assert.False(t, sub.deliver(OutputLog{Message: "dropped"}))
	assert.Equal(t, "kept", (<-sub.Logs()).Message)

	assert.Equal(t, 1, sub.Dropped())
	assert.Zero(t, sub.Dropped(), "reading the count resets it")
}

func TestListeners_CloseAll(t *testing.T) {
	listeners := NewListeners()
	a := NewSubscription(LogContext{ID: 1}, 1)
	b := NewSubscription(LogContext{ID: 2}, 1)
	listeners.Add(a)
	listeners.Add(b)

	listeners.CloseAll()

	_, openA := <-a.Logs()
	_, openB := <-b.Logs()
	assert.False(t, openA)
	assert.False(t, openB)
	assert.Empty(t, listeners.Devices())
}
