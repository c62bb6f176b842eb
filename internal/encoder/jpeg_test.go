package encoder

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

func reserve(t *testing.T, pool *buffer.Pool, name string, size geometry.Size, format buffer.Format) *buffer.Buffer {
	t.Helper()
	key := buffer.Key{Stage: name, Port: 0}
	require.NoError(t, pool.Reserve(key, buffer.Spec{Count: 1, Size: size, Format: format}))
	b, err := pool.Acquire(context.Background(), key)
	require.NoError(t, err)
	return b
}

func stillJob(t *testing.T, pool *buffer.Pool, still, thumb geometry.Size) *pipe.Job {
	t.Helper()
	src := reserve(t, pool, "PP", still, buffer.FormatRGBA)
	img, err := imaging.View(src)
	require.NoError(t, err)
	imaging.Fill(img, 1)

	f, err := frame.New(1, "reprocessing", []frame.EntitySpec{
		{Stage: 7, Name: "JPEG", Kind: frame.KindInputOutput, Ports: 2, Requested: true},
	})
	require.NoError(t, err)

	return &pipe.Job{
		Frame: f,
		Stage: 7,
		NodeGroup: geometry.NodeGroup{
			Leader: geometry.Region{Input: still.Rect(), Output: still.Rect()},
			Capture: []geometry.Region{
				{Tap: "still", Input: still.Rect(), Output: still.Rect()},
				{Tap: "thumbnail", Input: still.Rect(), Output: thumb.Rect()},
			},
		},
		Src: src,
		Dst: []*buffer.Buffer{
			reserve(t, pool, "JPEG-main", still, buffer.FormatJPEG),
			reserve(t, pool, "JPEG-thumb", thumb, buffer.FormatJPEG),
		},
	}
}

func TestJPEG_MainAndThumbnail(t *testing.T) {
	pool := buffer.NewPool()
	still, thumb := geometry.Size{W: 64, H: 48}, geometry.Size{W: 16, H: 12}
	job := stillJob(t, pool, still, thumb)

	enc := NewJPEG(Options{})
	require.NoError(t, enc.Run(context.Background(), job))

	for i, want := range []geometry.Size{still, thumb} {
		out := job.Dst[i]
		require.Greater(t, out.Len, 0)
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(out.Bytes()))
		require.NoError(t, err, "port %d", i)
		assert.Equal(t, want, geometry.Size{W: cfg.Width, H: cfg.Height}, "port %d", i)
	}

	v, ok := job.Frame.Meta(MetaKey)
	require.True(t, ok)
	res := v.(Result)
	assert.Equal(t, still, res.Main)
	assert.Equal(t, thumb, res.Thumbnail)
	assert.Equal(t, job.Dst[PortMain].Len, res.MainBytes)
	assert.Equal(t, job.Dst[PortThumbnail].Len, res.ThumbnailBytes)
}

func TestJPEG_MainOnly(t *testing.T) {
	pool := buffer.NewPool()
	job := stillJob(t, pool, geometry.Size{W: 32, H: 32}, geometry.Size{W: 8, H: 8})
	job.Dst = job.Dst[:1]

	require.NoError(t, NewJPEG(Options{Quality: 50}).Run(context.Background(), job))
	assert.Greater(t, job.Dst[PortMain].Len, 0)

	v, _ := job.Frame.Meta(MetaKey)
	assert.Zero(t, v.(Result).ThumbnailBytes)
}

func TestJPEG_PayloadErrors(t *testing.T) {
	pool := buffer.NewPool()
	enc := NewJPEG(Options{})

	assert.ErrorIs(t, enc.Run(context.Background(), &pipe.Job{}), pipe.ErrPayload)

	// A destination too small for the encoded stream.
	job := stillJob(t, pool, geometry.Size{W: 64, H: 48}, geometry.Size{W: 16, H: 12})
	job.Dst[PortThumbnail] = reserve(t, pool, "tiny", geometry.Size{W: 1, H: 1}, buffer.FormatRaw16)
	err := enc.Run(context.Background(), job)
	assert.ErrorIs(t, err, pipe.ErrPayload)
	assert.ErrorContains(t, err, "thumbnail")
}

func TestJPEG_Canceled(t *testing.T) {
	pool := buffer.NewPool()
	job := stillJob(t, pool, geometry.Size{W: 16, H: 16}, geometry.Size{W: 4, H: 4})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewJPEG(Options{}).Run(ctx, job), context.Canceled)
}

func TestJPEG_Configure(t *testing.T) {
	enc := NewJPEG(Options{Quality: 500})
	assert.Equal(t, DefaultQuality, enc.quality)

	ok := pipe.PortConfig{
		Input:   pipe.PortSpec{Format: buffer.FormatRGBA},
		Outputs: []pipe.PortSpec{{Format: buffer.FormatJPEG}, {Format: buffer.FormatJPEG}},
	}
	assert.NoError(t, enc.Configure(ok))
	assert.Error(t, enc.Configure(pipe.PortConfig{}))
	assert.Error(t, enc.Configure(pipe.PortConfig{Outputs: []pipe.PortSpec{{Format: buffer.FormatRGBA}}}))
}

// TestJPEG_OneShotStage runs the encoder behind a single-shot pipe.
func TestJPEG_OneShotStage(t *testing.T) {
	p, err := pipe.New(pipe.Config{ID: 7, Name: "JPEG", Kind: pipe.KindOneShot, Transform: NewJPEG(Options{})})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Input().Cap())

	require.NoError(t, p.Create(context.Background()))
	require.NoError(t, p.Setup(pipe.PortConfig{Outputs: []pipe.PortSpec{{Format: buffer.FormatJPEG}}}))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.StartThread())
	require.NoError(t, p.Destroy())
}
