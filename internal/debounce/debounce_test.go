package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleReplaces(t *testing.T) {
	t.Parallel()

	var first, second int32
	done := make(chan struct{})
	s := New(nil)
	s.Schedule("k", 20*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	s.Schedule("k", 40*time.Millisecond, func() {
		atomic.AddInt32(&second, 1)
		close(done)
	})
	assert.Equal(t, 1, s.Len(), "single pending action per key")

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "replacement action did not run")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first), "replaced action")
	assert.Equal(t, int32(1), atomic.LoadInt32(&second), "replacement action")
	assert.False(t, s.Pending("k"), "nothing pending")
}

func TestCancel(t *testing.T) {
	t.Parallel()

	var n int32
	s := New(nil)
	s.Schedule("k", 10*time.Millisecond, func() { atomic.AddInt32(&n, 1) })
	assert.True(t, s.Pending("k"), "pending")
	assert.True(t, s.Cancel("k"), "cancel")
	assert.False(t, s.Cancel("k"), "cancel twice")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&n), "cancelled action")
}

func TestStaleGenerationSkipped(t *testing.T) {
	t.Parallel()

	// queue the fired actions without running them, as a busy event
	// loop would.
	var mu sync.Mutex
	var queued []func()
	post := func(fn func()) {
		mu.Lock()
		queued = append(queued, fn)
		mu.Unlock()
	}

	var ran []string
	s := New(post)
	s.Schedule("k", time.Millisecond, func() { ran = append(ran, "old") })
	time.Sleep(20 * time.Millisecond)
	s.Schedule("k", time.Hour, func() { ran = append(ran, "new") })

	mu.Lock()
	fns := queued
	mu.Unlock()
	require.Len(t, fns, 1, "old action fired")
	fns[0]()
	assert.Empty(t, ran, "stale action skipped")
	assert.True(t, s.Pending("k"), "new action still pending")

	s.Stop()
	assert.Equal(t, 0, s.Len(), "stopped")
	s.Schedule("k", time.Millisecond, func() { ran = append(ran, "late") })
	assert.Equal(t, 0, s.Len(), "schedule after stop is ignored")
}
