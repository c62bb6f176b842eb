// Package encoder implements the single-shot still capture stage: one RGBA
// frame in, a JPEG main image and a JPEG thumbnail out.
package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

const (
	// PortMain is the output port of the full-size image.
	PortMain = 0
	// PortThumbnail is the output port of the thumbnail.
	PortThumbnail = 1

	DefaultQuality          = 90
	DefaultThumbnailQuality = 75
)

// MetaKey is the frame metadata key under which the encoder attaches Result.
const MetaKey = "jpeg"

// Result describes one encoded still.
type Result struct {
	Main           geometry.Size `json:"main"`
	MainBytes      int           `json:"main_bytes"`
	Thumbnail      geometry.Size `json:"thumbnail"`
	ThumbnailBytes int           `json:"thumbnail_bytes"`
}

// Options tunes the encoder.
type Options struct {
	Quality          int
	ThumbnailQuality int
}

// JPEG encodes the main image and thumbnail concurrently, one helper
// goroutine each, and joins both before Run returns.
type JPEG struct {
	pipe.BaseTransform

	quality      int
	thumbQuality int
}

var _ pipe.Transform = (*JPEG)(nil)

// NewJPEG returns an encoder. Zero qualities take the defaults.
func NewJPEG(opts Options) *JPEG {
	q, tq := opts.Quality, opts.ThumbnailQuality
	if q <= 0 || q > 100 {
		q = DefaultQuality
	}
	if tq <= 0 || tq > 100 {
		tq = DefaultThumbnailQuality
	}
	return &JPEG{quality: q, thumbQuality: tq}
}

// Configure requires an RGBA input and JPEG outputs.
func (e *JPEG) Configure(ports pipe.PortConfig) error {
	if f := ports.Input.Format; f != buffer.FormatNone && f != buffer.FormatRGBA {
		return fmt.Errorf("encoder: input format %s not supported", f)
	}
	if len(ports.Outputs) == 0 || len(ports.Outputs) > 2 {
		return fmt.Errorf("encoder: want 1 or 2 output ports, got %d", len(ports.Outputs))
	}
	for i, out := range ports.Outputs {
		if out.Format != buffer.FormatNone && out.Format != buffer.FormatJPEG {
			return fmt.Errorf("encoder: output %d format %s not supported", i, out.Format)
		}
	}
	return nil
}

func (e *JPEG) Run(ctx context.Context, job *pipe.Job) error {
	if job.Src == nil {
		return fmt.Errorf("encoder: no source buffer: %w", pipe.ErrPayload)
	}
	src, err := imaging.View(job.Src)
	if err != nil {
		return fmt.Errorf("encoder: %w: %w", err, pipe.ErrPayload)
	}

	var res Result
	g, gctx := errgroup.WithContext(ctx)

	if out := port(job.Dst, PortMain); out != nil {
		region, _ := job.NodeGroup.Port(PortMain)
		g.Go(func() error {
			img := crop(src, job.Src.Size, region)
			n, err := encode(gctx, out, img, e.quality)
			if err != nil {
				return fmt.Errorf("encoder: main: %w", err)
			}
			res.Main, res.MainBytes = geometry.Size{W: img.Bounds().Dx(), H: img.Bounds().Dy()}, n
			return nil
		})
	}

	if out := port(job.Dst, PortThumbnail); out != nil {
		region, _ := job.NodeGroup.Port(PortThumbnail)
		g.Go(func() error {
			img := thumbnail(src, job.Src.Size, region)
			n, err := encode(gctx, out, img, e.thumbQuality)
			if err != nil {
				return fmt.Errorf("encoder: thumbnail: %w", err)
			}
			res.Thumbnail, res.ThumbnailBytes = geometry.Size{W: img.Bounds().Dx(), H: img.Bounds().Dy()}, n
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if job.Frame != nil {
		job.Frame.AttachMeta(MetaKey, res)
	}
	return nil
}

func port(dst []*buffer.Buffer, i int) *buffer.Buffer {
	if i < len(dst) {
		return dst[i]
	}
	return nil
}

// crop returns the region's input rectangle of src, or src itself when the
// region is empty or does not fit.
func crop(src *image.RGBA, size geometry.Size, region geometry.Region) image.Image {
	r := region.Input
	if r.Empty() || !r.Within(size) || r.Size() == size {
		return src
	}
	return src.SubImage(image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H))
}

// thumbnail crops the region input and scales it to the region output size.
func thumbnail(src *image.RGBA, size geometry.Size, region geometry.Region) image.Image {
	in := crop(src, size, region)
	out := region.Output.Size()
	if out.IsZero() {
		return in
	}
	dst := image.NewRGBA(image.Rect(0, 0, out.W, out.H))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), in, in.Bounds(), draw.Src, nil)
	return dst
}

// encode writes img as JPEG into out and returns the encoded length. Output
// that does not fit the buffer is a payload error.
func encode(ctx context.Context, out *buffer.Buffer, img image.Image, quality int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	buf.Grow(len(out.Data))
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return 0, fmt.Errorf("%w: %w", err, pipe.ErrPayload)
	}
	if buf.Len() > len(out.Data) {
		return 0, fmt.Errorf("%d bytes exceed %s capacity %d: %w", buf.Len(), out.Key, len(out.Data), pipe.ErrPayload)
	}
	out.Len = copy(out.Data, buf.Bytes())
	return out.Len, nil
}
