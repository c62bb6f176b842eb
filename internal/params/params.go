// Package params is the configuration provider consumed by the size resolver
// and by pipeline initialisation: sensor size, per-use-case size tables,
// per-tap target sizes and the tap connection topology.
package params

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

//go:embed default.yaml
var defaultTable []byte

// ErrNoEntry is returned when no size table exists for a use case.
var ErrNoEntry = errors.New("params: no size table")

// Provider exposes the read-only view the pipeline needs. Implementations must
// be safe for concurrent use; values may change between frames.
type Provider interface {
	Sensor() geometry.Size
	Entry(useCase string, ratio geometry.Ratio) (SizeEntry, error)
	Taps(useCase string) []geometry.Tap
	Ratio() geometry.Ratio
	Zoom() float64
	Alignment() geometry.Alignment
	Limits() geometry.Limits
}

// SizeEntry is one row of a size table.
type SizeEntry struct {
	Ratio     geometry.Ratio `yaml:"ratio"`
	BNS       geometry.Size  `yaml:"bns"`
	BayerCrop geometry.Size  `yaml:"bayer_crop"`
	BDS       geometry.Size  `yaml:"bds"`

	// Derived is set when the row was computed instead of read from a table.
	Derived bool `yaml:"-"`
}

// SensorConfig describes the image sensor.
type SensorConfig struct {
	Name string        `yaml:"name"`
	Size geometry.Size `yaml:"size"`
}

// Document is the YAML layout of a parameters file.
type Document struct {
	Sensor     SensorConfig              `yaml:"sensor"`
	Alignment  geometry.Alignment        `yaml:"alignment"`
	Limits     geometry.Limits           `yaml:"limits"`
	Ratio      geometry.Ratio            `yaml:"ratio"`
	Zoom       float64                   `yaml:"zoom"`
	SizeTables map[string][]SizeEntry    `yaml:"size_tables"`
	Taps       map[string][]geometry.Tap `yaml:"taps"`
}

// Static is a Provider backed by a parsed Document. Ratio, zoom and tap
// targets can be changed at runtime; the next frame picks them up.
type Static struct {
	mu  sync.RWMutex
	doc Document
}

var _ Provider = (*Static)(nil)

// Default returns the built-in parameters.
func Default() *Static {
	s, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("params: built-in table invalid: %v", err))
	}
	return s
}

// Load reads and validates a parameters file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Static, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}
	if err := Validate(&doc); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	return &Static{doc: doc}, nil
}

// Sensor returns the sensor capture size.
func (s *Static) Sensor() geometry.Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Sensor.Size
}

// Entry returns the size table row for a use case and ratio. When the table
// has no row for the ratio, one is derived: the Bayer crop is the aligned
// ratio-fit of the BNS size and BDS does not downscale.
func (s *Static) Entry(useCase string, ratio geometry.Ratio) (SizeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.doc.SizeTables[useCase]
	if !ok {
		return SizeEntry{}, fmt.Errorf("%w: use case %q", ErrNoEntry, useCase)
	}
	for _, row := range rows {
		if row.Ratio == ratio {
			return row, nil
		}
	}

	bns := s.doc.Sensor.Size
	if len(rows) > 0 && !rows[0].BNS.IsZero() {
		bns = rows[0].BNS
	}
	entry := SizeEntry{Ratio: ratio, BNS: bns, BayerCrop: bns, BDS: bns, Derived: true}
	if dims, ok := ratioSize(ratio); ok {
		crop, err := geometry.CropRectAlign(bns, dims, s.doc.Alignment, 0, geometry.Limits{})
		if err == nil {
			entry.BayerCrop = crop.Size()
			entry.BDS = crop.Size()
		}
	}
	return entry, nil
}

// Taps returns a copy of the tap list for a use case.
func (s *Static) Taps(useCase string) []geometry.Tap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taps := s.doc.Taps[useCase]
	out := make([]geometry.Tap, len(taps))
	copy(out, taps)
	return out
}

// Ratio returns the requested output aspect ratio.
func (s *Static) Ratio() geometry.Ratio {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Ratio
}

// Zoom returns the current zoom factor (1 = no zoom).
func (s *Static) Zoom() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Zoom < 1 {
		return 1
	}
	return s.doc.Zoom
}

// Alignment returns the scaler crop granularity.
func (s *Static) Alignment() geometry.Alignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Alignment
}

// Limits returns the scaler scale-factor limits.
func (s *Static) Limits() geometry.Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Limits
}

// SetRatio changes the requested aspect ratio.
func (s *Static) SetRatio(r geometry.Ratio) {
	s.mu.Lock()
	s.doc.Ratio = r
	s.mu.Unlock()
}

// SetZoom changes the zoom factor. Values below 1 reset zoom.
func (s *Static) SetZoom(z float64) {
	s.mu.Lock()
	s.doc.Zoom = z
	s.mu.Unlock()
}

// SetTapTarget changes the requested output size of one tap.
func (s *Static) SetTapTarget(useCase, tap string, size geometry.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	taps := s.doc.Taps[useCase]
	for i := range taps {
		if taps[i].Name == tap {
			taps[i].Target = size
			return nil
		}
	}
	return fmt.Errorf("params: use case %q has no tap %q", useCase, tap)
}

func ratioSize(r geometry.Ratio) (geometry.Size, bool) {
	switch r {
	case geometry.Ratio16x9:
		return geometry.Size{W: 16, H: 9}, true
	case geometry.Ratio4x3:
		return geometry.Size{W: 4, H: 3}, true
	case geometry.Ratio1x1:
		return geometry.Size{W: 1, H: 1}, true
	case geometry.Ratio3x2:
		return geometry.Size{W: 3, H: 2}, true
	case geometry.Ratio5x4:
		return geometry.Size{W: 5, H: 4}, true
	case geometry.Ratio5x3:
		return geometry.Size{W: 5, H: 3}, true
	case geometry.Ratio11x9:
		return geometry.Size{W: 11, H: 9}, true
	}
	return geometry.Size{}, false
}
