package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := NewLoop(WithLoopLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Call(ctx, func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopSurvivesPanics(t *testing.T) {
	l := NewLoop(WithLoopLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	require.NoError(t, l.Post(func() { panic("boom") }))
	ran := false
	require.NoError(t, l.Call(ctx, func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopClose(t *testing.T) {
	l := NewLoop(WithLoopLogger(testLogger()))
	l.Start(context.Background())
	l.Close()
	l.Close()

	waitOrTimeout(t, func() { <-l.Done() }, baseTimeout, "loop did not stop")
	assert.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrLoopClosed)
}

func TestLoopTimer(t *testing.T) {
	l := NewLoop(WithLoopLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	var fired atomic.Int32
	l.AfterFunc(10*time.Millisecond, func() { fired.Add(1) })
	require.Eventually(t, func() bool { return fired.Load() == 1 }, baseTimeout, baseTimeout/20)

	var stopped atomic.Int32
	var timer Timer
	require.NoError(t, l.Call(ctx, func() {
		timer = l.AfterFunc(10*time.Millisecond, func() { stopped.Add(1) })
	}))
	require.NoError(t, l.Call(ctx, func() {
		assert.True(t, timer.Stop())
		assert.False(t, timer.Stop())
	}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), stopped.Load())
}

func TestLoopTimerStoppedAfterFiring(t *testing.T) {
	l := NewLoop(WithLoopLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	var ran atomic.Bool
	require.NoError(t, l.Call(ctx, func() {
		timer := l.AfterFunc(time.Millisecond, func() { ran.Store(true) })
		// let the timer fire while this task still holds the loop
		time.Sleep(20 * time.Millisecond)
		timer.Stop()
	}))
	require.NoError(t, l.Call(ctx, func() {}))
	assert.False(t, ran.Load())
}

func TestScopeReleasesInReverseOrder(t *testing.T) {
	var order []int
	var s Scope
	s.Add(func() { order = append(order, 1) })
	s.Add(func() { order = append(order, 2) })

	s.Release()
	s.Release()
	assert.Equal(t, []int{2, 1}, order)

	// acquiring after release releases right away
	s.Add(func() { order = append(order, 3) })
	assert.Equal(t, []int{2, 1, 3}, order)
}

func TestScopeSubscribe(t *testing.T) {
	m := NewConnManager(&fakeDialer{}, WithLogger(testLogger()))
	h := HandlerFunc(func(*Event) {})

	var s Scope
	s.Subscribe(m, ReceiveMessageEvent, h)
	m.mu.Lock()
	require.Len(t, m.handlers[ReceiveMessageEvent], 1)
	m.mu.Unlock()

	s.Release()
	m.mu.Lock()
	assert.Empty(t, m.handlers[ReceiveMessageEvent])
	m.mu.Unlock()
}
