// Package imaging adapts pipeline buffers to image.Image and does the
// crop/scale work shared by the software stages.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

// ErrFormat is returned for buffers that are not RGBA or too small.
var ErrFormat = errors.New("imaging: unsupported buffer")

// View wraps an RGBA buffer as *image.RGBA without copying.
func View(b *buffer.Buffer) (*image.RGBA, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrFormat)
	}
	if b.Format != buffer.FormatRGBA {
		return nil, fmt.Errorf("%w: %s is %s", ErrFormat, b.Key, b.Format)
	}
	need := buffer.FormatRGBA.Bytes(b.Size)
	if need == 0 || len(b.Data) < need {
		return nil, fmt.Errorf("%w: %s has %d bytes, need %d", ErrFormat, b.Key, len(b.Data), need)
	}
	return &image.RGBA{
		Pix:    b.Data[:need],
		Stride: b.Size.W * 4,
		Rect:   image.Rect(0, 0, b.Size.W, b.Size.H),
	}, nil
}

// CropScale scales the crop rectangle of src onto the whole of dst.
func CropScale(dst draw.Image, src image.Image, crop geometry.Rect, interp draw.Interpolator) {
	sr := image.Rect(crop.X, crop.Y, crop.X+crop.W, crop.Y+crop.H).Add(src.Bounds().Min)
	interp.Scale(dst, dst.Bounds(), src, sr, draw.Src, nil)
}

// Fill paints a deterministic gradient seeded by n, used as simulated
// sensor output.
func Fill(img *image.RGBA, n uint64) {
	b := img.Bounds()
	w, h := max(b.Dx(), 1), max(b.Dy(), 1)
	shift := uint8(n * 7)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x*255/w) + shift,
				G: uint8(y*255/h) + shift,
				B: shift,
				A: 0xff,
			})
		}
	}
}
