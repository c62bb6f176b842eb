package geometry

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroSize is returned when a source or target dimension is non-positive.
	ErrZeroSize = errors.New("geometry: zero size")

	// ErrAlignment is returned when the crop collapses under the alignment granularity.
	ErrAlignment = errors.New("geometry: alignment cannot be satisfied")

	// ErrScaleRange is returned when the crop-to-target factor is outside Limits.
	ErrScaleRange = errors.New("geometry: scale factor out of range")
)

// Alignment is the pixel granularity a scaler block requires for crop sizes.
type Alignment struct {
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// Limits bounds the scale factor a scaler block supports on each axis.
// Zero disables the corresponding check.
type Limits struct {
	MaxUpscale   int `yaml:"max_upscale"`
	MaxDownscale int `yaml:"max_downscale"`
}

// CropRectAlign computes the centred crop of src whose aspect ratio best
// matches dst.
//
// Algorithm:
//  1. Ratios are compared after rounding to two decimals. A target wider than
//     the source keeps the full source width, otherwise the full source height.
//  2. A zoom factor above 1 shrinks the crop around the centre.
//  3. A crop that would need more than MaxUpscale is grown to the minimum the
//     scaler accepts. This also applies after a zoom, so a deep zoom is
//     capped by the upscale limit instead of producing a crop the scaler
//     rejects.
//  4. Square targets align both axes to the larger granularity, other targets
//     align each axis independently. Alignment rounds up, then clamps to src.
//  5. Offsets centre the crop and are aligned down to 2.
//
// The result always lies within src. Callers fall back to the identity crop
// (src.Rect()) when an error is returned.
func CropRectAlign(src, dst Size, align Alignment, zoom float64, lim Limits) (Rect, error) {
	if src.IsZero() || dst.IsZero() {
		return Rect{}, fmt.Errorf("%w: src %s dst %s", ErrZeroSize, src, dst)
	}
	if align.W <= 0 || align.H <= 0 {
		return Rect{}, fmt.Errorf("%w: granularity %dx%d", ErrAlignment, align.W, align.H)
	}

	cropW, cropH := src.W, src.H
	if src != dst {
		if roundRatio(dst.W, dst.H) <= roundRatio(src.W, src.H) {
			cropW = src.H * dst.W / dst.H
			cropH = src.H
		} else {
			cropW = src.W
			cropH = src.W * dst.H / dst.W
		}
	}

	if zoom > 1 {
		cropW = int(float64(cropW) / zoom)
		cropH = int(float64(cropH) / zoom)
	}

	if lim.MaxUpscale > 0 {
		if cropW*lim.MaxUpscale < dst.W {
			cropW = ceilDiv(dst.W, lim.MaxUpscale)
		}
		if cropH*lim.MaxUpscale < dst.H {
			cropH = ceilDiv(dst.H, lim.MaxUpscale)
		}
	}

	if dst.W == dst.H {
		a := max(align.W, align.H)
		cropW = alignUp(cropW, a)
		cropH = alignUp(cropH, a)
		if cropW > src.W {
			cropW = alignDown(src.W, a)
		}
		if cropH > src.H {
			cropH = alignDown(src.H, a)
		}
		side := min(cropW, cropH)
		cropW, cropH = side, side
	} else {
		cropW = alignUp(cropW, align.W)
		cropH = alignUp(cropH, align.H)
		if cropW > src.W {
			cropW = alignDown(src.W, align.W)
		}
		if cropH > src.H {
			cropH = alignDown(src.H, align.H)
		}
	}

	if cropW <= 0 || cropH <= 0 {
		return Rect{}, fmt.Errorf("%w: src %s dst %s granularity %dx%d",
			ErrAlignment, src, dst, align.W, align.H)
	}

	x := alignDown((src.W-cropW)>>1, 2)
	y := alignDown((src.H-cropH)>>1, 2)
	if x < 0 || y < 0 {
		return Rect{}, fmt.Errorf("%w: negative offset (%d,%d)", ErrAlignment, x, y)
	}

	if lim.MaxDownscale > 0 && (cropW > dst.W*lim.MaxDownscale || cropH > dst.H*lim.MaxDownscale) {
		return Rect{}, fmt.Errorf("%w: crop %dx%d to %s exceeds 1/%d",
			ErrScaleRange, cropW, cropH, dst, lim.MaxDownscale)
	}

	return Rect{X: x, Y: y, W: cropW, H: cropH}, nil
}

// CheckDownScale clamps dst so it never exceeds src on either axis and
// reports whether a clamp was applied.
func CheckDownScale(src Size, dst *Size) bool {
	clamped := false
	if dst.W > src.W {
		dst.W = src.W
		clamped = true
	}
	if dst.H > src.H {
		dst.H = src.H
		clamped = true
	}
	return clamped
}

// CenterIn centres a rectangle of size inner inside outer, offsets aligned
// down to 2. inner is clamped to outer first.
func CenterIn(outer, inner Size) Rect {
	CheckDownScale(outer, &inner)
	return Rect{
		X: alignDown((outer.W-inner.W)>>1, 2),
		Y: alignDown((outer.H-inner.H)>>1, 2),
		W: inner.W,
		H: inner.H,
	}
}
