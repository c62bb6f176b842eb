// Package scaler is the software multi-tap crop and scale stage. It stands in
// for the hardware MCSC block when no device is available, and serves any
// stage that has to fan one RGBA input out to several sized outputs.
package scaler

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

// Transform crops every capture region of the NodeGroup out of the source and
// scales it into the matching output port.
type Transform struct {
	pipe.BaseTransform

	interp draw.Interpolator
}

var _ pipe.Transform = (*Transform)(nil)

// New returns a scaler using interp, or bilinear when interp is nil.
func New(interp draw.Interpolator) *Transform {
	if interp == nil {
		interp = draw.BiLinear
	}
	return &Transform{interp: interp}
}

// Configure rejects port layouts the scaler cannot render.
func (t *Transform) Configure(ports pipe.PortConfig) error {
	if f := ports.Input.Format; f != buffer.FormatNone && f != buffer.FormatRGBA {
		return fmt.Errorf("scaler: input format %s not supported", f)
	}
	for i, out := range ports.Outputs {
		if out.Format != buffer.FormatNone && out.Format != buffer.FormatRGBA {
			return fmt.Errorf("scaler: output %d format %s not supported", i, out.Format)
		}
	}
	return nil
}

// Run scales one frame. A missing or malformed source is a payload error so
// the frame still completes; outputs without a buffer are skipped. A region
// with a Source is cut from that tap's rendered output, which must come
// earlier in the capture list.
func (t *Transform) Run(ctx context.Context, job *pipe.Job) error {
	if job.Src == nil {
		return fmt.Errorf("scaler: no source buffer: %w", pipe.ErrPayload)
	}
	root, err := imaging.View(job.Src)
	if err != nil {
		return fmt.Errorf("scaler: %w: %w", err, pipe.ErrPayload)
	}

	rendered := make(map[string]*image.RGBA, len(job.Dst))
	for i, out := range job.Dst {
		if out == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		dst, err := imaging.View(out)
		if err != nil {
			return fmt.Errorf("scaler: port %d: %w: %w", i, err, pipe.ErrPayload)
		}

		region, ok := job.NodeGroup.Port(i)
		src := root
		if ok && region.Source != "" {
			chained, found := rendered[region.Source]
			if !found {
				return fmt.Errorf("scaler: port %d reads %q which was not rendered: %w", i, region.Source, pipe.ErrPayload)
			}
			src = chained
		}

		bounds := geometry.Size{W: src.Rect.Dx(), H: src.Rect.Dy()}
		crop := bounds.Rect()
		if ok && !region.Input.Empty() && region.Input.Within(bounds) {
			crop = region.Input
		}
		imaging.CropScale(dst, src, crop, t.interp)
		out.Len = len(dst.Pix)

		if ok && region.Tap != "" {
			rendered[region.Tap] = dst
		}
	}
	return nil
}
