package geometry

import (
	"fmt"
	"math"
)

// Size is a width/height pair in pixels.
type Size struct {
	W int `yaml:"w" json:"w"`
	H int `yaml:"h" json:"h"`
}

// IsZero reports whether either dimension is non-positive.
func (s Size) IsZero() bool { return s.W <= 0 || s.H <= 0 }

// Rect returns the size as a rectangle anchored at the origin.
func (s Size) Rect() Rect { return Rect{W: s.W, H: s.H} }

// Fits reports whether s fits inside o on both axes.
func (s Size) Fits(o Size) bool { return s.W <= o.W && s.H <= o.H }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.W, s.H) }

// Rect is a crop rectangle: offset plus size, relative to the rectangle it was cut from.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Size returns the rectangle dimensions.
func (r Rect) Size() Size { return Size{W: r.W, H: r.H} }

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Within reports whether r lies inside a frame of the given size.
func (r Rect) Within(bounds Size) bool {
	return r.X >= 0 && r.Y >= 0 && r.X+r.W <= bounds.W && r.Y+r.H <= bounds.H
}

func (r Rect) String() string { return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.W, r.H) }

// Ratio identifies a requested output aspect ratio.
type Ratio int

const (
	RatioUnknown Ratio = iota
	Ratio16x9
	Ratio4x3
	Ratio1x1
	Ratio3x2
	Ratio5x4
	Ratio5x3
	Ratio11x9
)

var ratioDims = map[Ratio][2]int{
	Ratio16x9: {16, 9},
	Ratio4x3:  {4, 3},
	Ratio1x1:  {1, 1},
	Ratio3x2:  {3, 2},
	Ratio5x4:  {5, 4},
	Ratio5x3:  {5, 3},
	Ratio11x9: {11, 9},
}

func (r Ratio) String() string {
	d, ok := ratioDims[r]
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%d:%d", d[0], d[1])
}

// ParseRatio parses "16:9" style strings.
func ParseRatio(s string) (Ratio, error) {
	for r := range ratioDims {
		if r.String() == s {
			return r, nil
		}
	}
	return RatioUnknown, fmt.Errorf("geometry: unsupported aspect ratio %q", s)
}

// RatioOf classifies a size by its aspect ratio rounded to two decimals.
func RatioOf(s Size) Ratio {
	if s.IsZero() {
		return RatioUnknown
	}
	want := roundRatio(s.W, s.H)
	for r, d := range ratioDims {
		if roundRatio(d[0], d[1]) == want {
			return r
		}
	}
	return RatioUnknown
}

// MarshalYAML and UnmarshalYAML keep size tables human readable ("16:9").
func (r Ratio) MarshalYAML() (any, error) { return r.String(), nil }

func (r *Ratio) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseRatio(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func roundRatio(w, h int) float64 {
	return math.Round(float64(w)/float64(h)*100) / 100
}

func alignUp(v, a int) int   { return (v + a - 1) / a * a }
func alignDown(v, a int) int { return v / a * a }

func ceilDiv(v, d int) int { return (v + d - 1) / d }
