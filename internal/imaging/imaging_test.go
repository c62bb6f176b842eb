package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

func rgbaBuffer(w, h int) *buffer.Buffer {
	s := geometry.Size{W: w, H: h}
	return &buffer.Buffer{Size: s, Format: buffer.FormatRGBA, Data: make([]byte, buffer.FormatRGBA.Bytes(s))}
}

func TestView(t *testing.T) {
	b := rgbaBuffer(4, 2)
	img, err := View(b)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())

	img.SetRGBA(1, 1, color.RGBA{R: 9, A: 255})
	assert.Equal(t, byte(9), b.Data[(1*4+1)*4], "view shares the buffer memory")

	_, err = View(nil)
	assert.ErrorIs(t, err, ErrFormat)
	_, err = View(&buffer.Buffer{Format: buffer.FormatMeta})
	assert.ErrorIs(t, err, ErrFormat)
	short := rgbaBuffer(4, 2)
	short.Data = short.Data[:8]
	_, err = View(short)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestCropScale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			c := color.RGBA{A: 255}
			if x >= 4 {
				c.R = 255
			}
			src.SetRGBA(x, y, c)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, 2, 2))
	CropScale(dst, src, geometry.Rect{X: 4, Y: 0, W: 4, H: 4}, draw.NearestNeighbor)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			assert.Equal(t, uint8(255), dst.RGBAAt(x, y).R, "crop must read the right half only")
		}
	}
}

func TestFill(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 16, 16))
	b := image.NewRGBA(image.Rect(0, 0, 16, 16))
	Fill(a, 1)
	Fill(b, 1)
	assert.Equal(t, a.Pix, b.Pix)

	Fill(b, 2)
	assert.NotEqual(t, a.Pix, b.Pix)
	assert.Equal(t, uint8(0xff), a.RGBAAt(3, 3).A)
}
