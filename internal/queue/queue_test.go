package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/queue"
)

func mkFrame(t *testing.T, n uint64) *frame.Frame {
	t.Helper()
	f, err := frame.New(n, "test", nil)
	require.NoError(t, err)
	return f
}

// --- Test 1: FIFO order ---

func TestQueue_FIFO(t *testing.T) {
	q := queue.New("fifo", 4)

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, q.Push(mkFrame(t, i)))
	}
	assert.ErrorIs(t, q.TryPush(mkFrame(t, 5)), queue.ErrFull)

	for i := uint64(1); i <= 4; i++ {
		f, err := q.WaitAndPop(time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, f.Count())
	}

	st := q.Stats()
	assert.Equal(t, uint64(4), st.Pushed)
	assert.Equal(t, uint64(4), st.Popped)
	assert.Equal(t, 0, st.Depth)
	assert.Equal(t, 4, st.Capacity)
}

// --- Test 2: bounded wait ---

// TestQueue_Timeout verifies that an empty queue returns ErrTimeout after
// roughly the requested wait, and counts it as an idle iteration.
func TestQueue_Timeout(t *testing.T) {
	q := queue.New("idle", 1)

	start := time.Now()
	f, err := q.WaitAndPop(30 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, f)
	assert.ErrorIs(t, err, queue.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, uint64(1), q.Stats().Timeouts)
}

func TestQueue_WakesOnPush(t *testing.T) {
	q := queue.New("wake", 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Push(mkFrame(t, 9))
	}()

	f, err := q.WaitAndPop(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), f.Count())
}

// --- Test 3: release unblocks everyone ---

// TestQueue_ReleaseUnblocks verifies that Release wakes a blocked consumer and
// a producer blocked on a full queue.
func TestQueue_ReleaseUnblocks(t *testing.T) {
	q := queue.New("release", 1)
	require.NoError(t, q.Push(mkFrame(t, 1)))

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- q.Push(mkFrame(t, 2)) // blocks: full
	}()

	empty := queue.New("empty", 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := empty.WaitAndPop(time.Hour)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Release()
	empty.Release()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Release did not unblock waiters")
	}

	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, queue.ErrClosed)
	}

	_, err := q.WaitAndPop(time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.ErrorIs(t, q.TryPush(mkFrame(t, 3)), queue.ErrClosed)

	left := q.Drain()
	require.Len(t, left, 1)
	assert.Equal(t, uint64(1), left[0].Count())
	assert.Equal(t, 0, q.Len())
}

// --- Test 4: reopen after release ---

func TestQueue_Reopen(t *testing.T) {
	q := queue.New("restart", 2)
	q.Release()
	q.Release()
	assert.True(t, q.Closed())

	q.Reopen()
	assert.False(t, q.Closed())
	require.NoError(t, q.Push(mkFrame(t, 1)))
	f, err := q.WaitAndPop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Count())
}

// --- Test 5: concurrent producers ---

// TestQueue_ConcurrentProducers pushes from several goroutines through a
// small queue; every frame must come out exactly once.
func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 4, 50
	q := queue.New("mpsc", 3)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < perProducer; i++ {
				f, _ := frame.New(base+i, "test", nil)
				if err := q.Push(f); err != nil {
					t.Errorf("push: %v", err)
					return
				}
			}
		}(uint64(p * 1000))
	}

	seen := make(map[uint64]bool)
	for len(seen) < producers*perProducer {
		f, err := q.WaitAndPop(2 * time.Second)
		require.NoError(t, err)
		require.False(t, seen[f.Count()], "frame %d popped twice", f.Count())
		seen[f.Count()] = true
	}
	wg.Wait()
}
