package pipe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

func TestPluginTransform(t *testing.T) {
	var inits, runs, deinits int
	plugin := pipe.PluginFuncs{
		InitFunc: func(_ context.Context, cfg pipe.PluginConfig) (pipe.Handle, error) {
			inits++
			assert.Equal(t, "nr", cfg.Name)
			assert.Equal(t, "3", cfg.Params["strength"])
			return &inits, nil
		},
		RunFunc: func(_ context.Context, h pipe.Handle, _ *pipe.Job) error {
			runs++
			assert.Same(t, &inits, h)
			return nil
		},
		DeinitFunc: func(pipe.Handle) error { deinits++; return nil },
	}
	tr := pipe.NewPlugin("nr", plugin, map[string]string{"strength": "3"})
	ctx := context.Background()

	err := tr.Run(ctx, &pipe.Job{})
	assert.ErrorIs(t, err, pipe.ErrNotInitialized)

	require.NoError(t, tr.Init(ctx))
	require.NoError(t, tr.Init(ctx), "second init keeps the handle")
	require.NoError(t, tr.Run(ctx, &pipe.Job{}))
	require.NoError(t, tr.Deinit())
	require.NoError(t, tr.Deinit(), "deinit without a handle is a no-op")

	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, deinits)
	assert.ErrorIs(t, tr.Run(ctx, &pipe.Job{}), pipe.ErrNotInitialized)
}

func TestPluginTransform_InitErrors(t *testing.T) {
	ctx := context.Background()

	failing := pipe.NewPlugin("hdr", pipe.PluginFuncs{
		InitFunc: func(context.Context, pipe.PluginConfig) (pipe.Handle, error) {
			return nil, errors.New("license check failed")
		},
	}, nil)
	assert.ErrorContains(t, failing.Init(ctx), "license check failed")

	noHandle := pipe.NewPlugin("hdr", pipe.PluginFuncs{
		InitFunc: func(context.Context, pipe.PluginConfig) (pipe.Handle, error) { return nil, nil },
	}, nil)
	assert.Error(t, noHandle.Init(ctx))
}

func acquire(t *testing.T, pool *buffer.Pool, key buffer.Key, size geometry.Size, format buffer.Format) *buffer.Buffer {
	t.Helper()
	require.NoError(t, pool.Reserve(key, buffer.Spec{Count: 1, Size: size, Format: format}))
	b, err := pool.Acquire(context.Background(), key)
	require.NoError(t, err)
	return b
}

func TestLoopbackDevice(t *testing.T) {
	ctx := context.Background()
	dev := &pipe.LoopbackDevice{}
	hw := pipe.NewHardware(dev)

	require.NoError(t, hw.Open(ctx, []int{0}))
	require.Error(t, hw.Open(ctx, []int{0}), "double open")
	require.NoError(t, hw.Configure(pipe.PortConfig{}))

	pool := buffer.NewPool()
	srcSize := geometry.Size{W: 16, H: 8}
	src := acquire(t, pool, buffer.Key{Stage: "SENSOR", Port: 0}, srcSize, buffer.FormatRGBA)
	dst := acquire(t, pool, buffer.Key{Stage: "MCSC", Port: 0}, geometry.Size{W: 4, H: 2}, buffer.FormatRGBA)

	err := hw.Run(ctx, &pipe.Job{Src: src, Dst: []*buffer.Buffer{dst}})
	require.Error(t, err, "process before stream on")

	require.NoError(t, hw.Init(ctx))
	assert.True(t, dev.Streaming())
	assert.Error(t, hw.Configure(pipe.PortConfig{}), "format is fixed while streaming")

	// Output-only: test pattern.
	require.NoError(t, hw.Run(ctx, &pipe.Job{Dst: []*buffer.Buffer{src}}))
	assert.NotEqual(t, make([]byte, len(src.Data)), src.Data)

	// Crop the right half and scale it down.
	ng := geometry.NodeGroup{Capture: []geometry.Region{{
		Input:  geometry.Rect{X: 8, Y: 0, W: 8, H: 8},
		Output: geometry.Rect{W: 4, H: 2},
	}}}
	require.NoError(t, hw.Run(ctx, &pipe.Job{NodeGroup: ng, Src: src, Dst: []*buffer.Buffer{dst, nil}}))
	assert.Equal(t, uint64(3), dev.Calls())

	require.NoError(t, hw.Deinit())
	assert.False(t, dev.Streaming())
	require.NoError(t, hw.Close())
}

func TestLoopbackDevice_Faults(t *testing.T) {
	ctx := context.Background()
	dev := &pipe.LoopbackDevice{FailEvery: 2, Latency: time.Millisecond}
	require.NoError(t, dev.Open(ctx, nil))
	require.NoError(t, dev.StreamOn(ctx))

	assert.NoError(t, dev.Process(ctx, geometry.NodeGroup{}, nil, nil))
	assert.ErrorContains(t, dev.Process(ctx, geometry.NodeGroup{}, nil, nil), "injected failure")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := &pipe.LoopbackDevice{Latency: time.Hour}
	require.NoError(t, slow.Open(ctx, nil))
	require.NoError(t, slow.StreamOn(ctx))
	assert.ErrorIs(t, slow.Process(cctx, geometry.NodeGroup{}, nil, nil), context.Canceled)
}

func TestLoopbackDevice_CopiesRawBytes(t *testing.T) {
	ctx := context.Background()
	dev := &pipe.LoopbackDevice{}
	require.NoError(t, dev.Open(ctx, nil))
	require.NoError(t, dev.StreamOn(ctx))

	pool := buffer.NewPool()
	size := geometry.Size{W: 4, H: 4}
	src := acquire(t, pool, buffer.Key{Stage: "BAYER", Port: 0}, size, buffer.FormatRaw16)
	dst := acquire(t, pool, buffer.Key{Stage: "ISP", Port: 0}, size, buffer.FormatRaw16)
	for i := range src.Data {
		src.Data[i] = byte(i)
	}
	src.Len = len(src.Data)

	require.NoError(t, dev.Process(ctx, geometry.NodeGroup{}, src, []*buffer.Buffer{dst}))
	assert.Equal(t, src.Bytes(), dst.Bytes())
}

func TestCalculateIntervalStats(t *testing.T) {
	base := time.Unix(1000, 0)

	t.Run("too few samples", func(t *testing.T) {
		st := pipe.CalculateIntervalStats([]time.Time{base})
		assert.Equal(t, 1, st.Samples)
		assert.Zero(t, st.FPS)
	})

	t.Run("steady 30fps", func(t *testing.T) {
		times := make([]time.Time, 31)
		for i := range times {
			times[i] = base.Add(time.Duration(i) * 33333 * time.Microsecond)
		}
		st := pipe.CalculateIntervalStats(times)
		assert.Equal(t, 31, st.Samples)
		assert.InDelta(t, 30.0, st.FPS, 0.01)
		assert.True(t, st.IsStable)
		assert.Less(t, st.JitterMax, time.Microsecond)
	})

	t.Run("bursty", func(t *testing.T) {
		times := []time.Time{base}
		gaps := []time.Duration{10, 100, 10, 100, 10, 100}
		for _, g := range gaps {
			times = append(times, times[len(times)-1].Add(g*time.Millisecond))
		}
		st := pipe.CalculateIntervalStats(times)
		assert.Equal(t, 10*time.Millisecond, st.Min)
		assert.Equal(t, 100*time.Millisecond, st.Max)
		assert.False(t, st.IsStable)
	})
}
