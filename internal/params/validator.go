package params

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

// Validate checks a parameters document for consistency.
func Validate(doc *Document) error {
	if doc.Sensor.Size.IsZero() {
		return fmt.Errorf("sensor.size is required")
	}
	if doc.Alignment.W <= 0 || doc.Alignment.H <= 0 {
		return fmt.Errorf("alignment must be positive, got %dx%d", doc.Alignment.W, doc.Alignment.H)
	}
	if doc.Limits.MaxUpscale < 0 || doc.Limits.MaxDownscale < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if doc.Zoom != 0 && doc.Zoom < 1 {
		return fmt.Errorf("zoom must be >= 1, got %v", doc.Zoom)
	}

	for useCase, rows := range doc.SizeTables {
		for i, row := range rows {
			if err := validateEntry(doc.Sensor.Size, row); err != nil {
				return fmt.Errorf("size_tables.%s[%d] (%s): %w", useCase, i, row.Ratio, err)
			}
		}
	}

	for useCase, taps := range doc.Taps {
		if err := geometry.Validate(taps); err != nil {
			return fmt.Errorf("taps.%s: %w", useCase, err)
		}
	}
	return nil
}

// validateEntry enforces sensor ≥ BNS ≥ Bayer crop ≥ BDS.
func validateEntry(sensor geometry.Size, row SizeEntry) error {
	if row.Ratio == geometry.RatioUnknown {
		return fmt.Errorf("ratio is required")
	}
	chain := []struct {
		name   string
		size   geometry.Size
		parent geometry.Size
	}{
		{"bns", row.BNS, sensor},
		{"bayer_crop", row.BayerCrop, row.BNS},
		{"bds", row.BDS, row.BayerCrop},
	}
	for _, c := range chain {
		if c.size.IsZero() {
			return fmt.Errorf("%s is required", c.name)
		}
		if !c.size.Fits(c.parent) {
			return fmt.Errorf("%s %s exceeds %s", c.name, c.size, c.parent)
		}
	}
	return nil
}
