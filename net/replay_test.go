package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReplayQueueBound 测试重放队列容量上限与先进先出
func TestReplayQueueBound(t *testing.T) {
	q := NewReplayQueue(3)
	assert.Equal(t, 3, q.Limit())

	items := make([]*outbound, 5)
	for i := range items {
		items[i] = &outbound{data: []byte{byte(i)}, future: newFuture()}
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(items[i]))
	}
	for i := 3; i < 5; i++ {
		assert.ErrorIs(t, q.Push(items[i]), ErrReplayQueueFull)
		assert.LessOrEqual(t, q.Len(), q.Limit())
	}

	got := q.drain()
	require.Len(t, got, 3)
	for i, item := range got {
		assert.Same(t, items[i], item)
	}
	assert.Zero(t, q.Len())
	require.NoError(t, q.Push(items[3]), "room again after draining")
}

func TestReplayQueueUnbounded(t *testing.T) {
	q := NewReplayQueue(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Push(&outbound{future: newFuture()}))
	}
	assert.Equal(t, 1000, q.Len())
}

func TestReplayQueueFailAll(t *testing.T) {
	q := NewReplayQueue(0)
	f1, f2 := newFuture(), newFuture()
	require.NoError(t, q.Push(&outbound{future: f1}))
	require.NoError(t, q.Push(&outbound{future: f2}))

	q.failAll(ErrClientDisposed)
	assert.ErrorIs(t, f1.Err(), ErrClientDisposed)
	assert.ErrorIs(t, f2.Err(), ErrClientDisposed)
	assert.Zero(t, q.Len())
}
