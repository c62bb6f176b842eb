package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool()
	key := Key{Stage: "MCSC", Port: 0}
	require.NoError(t, p.Reserve(key, Spec{Count: 2, Size: geometry.Size{W: 4, H: 2}, Format: FormatRGBA}))

	ctx := context.Background()
	a, err := p.Acquire(ctx, key)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Len(t, a.Data, 32)
	assert.NotSame(t, a, b)
	assert.False(t, a.Fence.Signaled())

	// Pool exhausted: Acquire honours the context.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(short, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, p.Release(a))
	assert.ErrorIs(t, p.Release(a), ErrDoubleRelease)

	c, err := p.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Same(t, a, c)

	st := p.Stats()[key]
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 0, st.Free)
	assert.Equal(t, uint64(3), st.Acquired)
	assert.Equal(t, uint64(1), st.Waits)
}

func TestPool_Errors(t *testing.T) {
	p := NewPool()

	_, err := p.Acquire(context.Background(), Key{Stage: "ISP"})
	assert.ErrorIs(t, err, ErrNotReserved)

	assert.Error(t, p.Reserve(Key{Stage: "ISP"}, Spec{Count: 0}))

	other := NewPool()
	require.NoError(t, other.Reserve(Key{Stage: "ISP"}, Spec{Count: 1}))
	b, err := other.Acquire(context.Background(), Key{Stage: "ISP"})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Release(b), ErrForeign)
	assert.NoError(t, p.Release(nil))
}

func TestFence(t *testing.T) {
	p := NewPool()
	key := Key{Stage: "3AA"}
	require.NoError(t, p.Reserve(key, Spec{Count: 1, Format: FormatMeta}))
	b, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx, b))

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background(), b) }()
	b.Fence.Signal()
	b.Fence.Signal()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("fence wait did not return after Signal")
	}
	assert.True(t, b.Fence.Signaled())
	assert.NoError(t, p.Wait(context.Background(), &Buffer{}))
}

func TestFormatBytes(t *testing.T) {
	s := geometry.Size{W: 10, H: 10}
	assert.Equal(t, 400, FormatRGBA.Bytes(s))
	assert.Equal(t, 200, FormatRaw16.Bytes(s))
	assert.Equal(t, 0, FormatMeta.Bytes(s))
	assert.Equal(t, 0, FormatRGBA.Bytes(geometry.Size{}))
	assert.Greater(t, FormatJPEG.Bytes(s), 0)
}
