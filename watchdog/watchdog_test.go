package watchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedHeap(n uint64) func() uint64 { return func() uint64 { return n } }

func TestCheckBelowHighWater(t *testing.T) {
	w := New(Options{HighWater: 100, heap: fixedHeap(99)})
	called := false
	w.Register("cache", func() { called = true })

	assert.False(t, w.Check(context.Background()))
	assert.False(t, called)
	assert.Equal(t, 0, w.Runs())
}

func TestCheckRunsCleanupsInOrder(t *testing.T) {
	var logs []string
	w := New(Options{
		HighWater: 100,
		heap:      fixedHeap(150),
		OnLog:     func(format string, args ...any) { logs = append(logs, format) },
	})

	var order []string
	w.Register("first", func() { order = append(order, "first") })
	w.Register("broken", func() { panic("boom") })
	w.Register("last", func() { order = append(order, "last") })

	assert.True(t, w.Check(context.Background()))
	assert.Equal(t, []string{"first", "last"}, order, "a panicking cleanup does not stop the others")
	assert.Equal(t, 1, w.Runs())
	assert.Len(t, logs, 2)
}

func TestRunStopsWithContext(t *testing.T) {
	var calls atomic.Int32
	w := New(Options{Interval: time.Millisecond, HighWater: 1, heap: fixedHeap(2)})
	w.Register("count", func() { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDefaults(t *testing.T) {
	var o Options
	assert.Equal(t, 10*time.Second, o.effectiveInterval())
	assert.Equal(t, uint64(512<<20), o.effectiveHighWater())
	assert.Positive(t, heapInUse())
}
