package geometry

import (
	"errors"
	"fmt"
)

// Built-in region names produced by every resolution.
const (
	RegionSensor    = "sensor"
	RegionBNS       = "bns"
	RegionBayerCrop = "bayer_crop"
	RegionBDS       = "bds"
)

// ErrTopology is returned for tap graphs that cannot be resolved: unknown
// sources, duplicate names, or cycles.
var ErrTopology = errors.New("geometry: invalid tap topology")

// Tap is one consumer output of the scaler chain. An empty Source means the
// tap reads the BDS output directly; otherwise it reads another tap's output.
type Tap struct {
	Name   string `yaml:"name" json:"name"`
	Target Size   `yaml:"target" json:"target"`
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// Input is everything the resolver needs for one frame.
type Input struct {
	Sensor    Size
	BNS       Size
	BayerCrop Size
	BDS       Size
	Zoom      float64
	Taps      []Tap
}

// Result holds every resolved region of one frame.
type Result struct {
	regions map[string]Region

	// Order lists tap names in resolution order (sources before consumers).
	Order []string

	// Fallbacks lists taps that degraded to the identity crop.
	Fallbacks []string

	// Clamps lists chain rectangles that had to be clamped to their parent.
	Clamps []string
}

// Region returns a resolved region by name.
func (r Result) Region(name string) (Region, bool) {
	reg, ok := r.regions[name]
	return reg, ok
}

// Resolve looks up a Ref.
func (r Result) Resolve(ref Ref) (Region, error) {
	reg, ok := r.regions[ref.Name]
	if !ok {
		return Region{}, fmt.Errorf("%w: no region %q", ErrTopology, ref.Name)
	}
	if ref.Pass {
		out := reg.Output.Size().Rect()
		return Region{Tap: ref.Name, Input: out, Output: out}, nil
	}
	return reg, nil
}

// NodeGroup assembles a stage descriptor from resolved regions.
func (r Result) NodeGroup(leader Ref, captures ...Ref) (NodeGroup, error) {
	lead, err := r.Resolve(leader)
	if err != nil {
		return NodeGroup{}, err
	}
	ng := NodeGroup{Leader: lead}
	for _, c := range captures {
		reg, err := r.Resolve(c)
		if err != nil {
			return NodeGroup{}, err
		}
		ng.Capture = append(ng.Capture, reg)
	}
	return ng, nil
}

// Resolver propagates crop/scale geometry down a scaler chain. It holds only
// the hardware constraints and is safe for concurrent use.
type Resolver struct {
	align  Alignment
	limits Limits
}

// NewResolver returns a resolver for the given scaler constraints.
func NewResolver(align Alignment, limits Limits) *Resolver {
	return &Resolver{align: align, limits: limits}
}

// Resolve computes the chain sensor ≥ BNS ≥ Bayer crop ≥ BDS and one region
// per tap. It has no side effects: identical input yields identical output.
//
// Taps whose ratio fit fails degrade to the identity crop of their input and
// are reported in Result.Fallbacks. Topology errors are returned as
// ErrTopology and mean the configuration itself is unusable.
func (rv *Resolver) Resolve(in Input) (Result, error) {
	if in.Sensor.IsZero() {
		return Result{}, fmt.Errorf("%w: sensor %s", ErrZeroSize, in.Sensor)
	}

	res := Result{regions: make(map[string]Region, len(in.Taps)+4)}

	bns := orSize(in.BNS, in.Sensor)
	if CheckDownScale(in.Sensor, &bns) {
		res.Clamps = append(res.Clamps, RegionBNS)
	}
	bcrop := orSize(in.BayerCrop, bns)
	if CheckDownScale(bns, &bcrop) {
		res.Clamps = append(res.Clamps, RegionBayerCrop)
	}
	bds := orSize(in.BDS, bcrop)
	if CheckDownScale(bcrop, &bds) {
		res.Clamps = append(res.Clamps, RegionBDS)
	}

	res.regions[RegionSensor] = Region{Tap: RegionSensor, Input: in.Sensor.Rect(), Output: in.Sensor.Rect()}
	res.regions[RegionBNS] = Region{Tap: RegionBNS, Input: in.Sensor.Rect(), Output: bns.Rect()}
	res.regions[RegionBayerCrop] = Region{Tap: RegionBayerCrop, Input: CenterIn(bns, bcrop), Output: bcrop.Rect()}
	res.regions[RegionBDS] = Region{Tap: RegionBDS, Input: bcrop.Rect(), Output: bds.Rect()}

	order, err := sortTaps(in.Taps)
	if err != nil {
		return Result{}, err
	}

	for _, tap := range order {
		src := bds
		zoom := in.Zoom
		if tap.Source != "" {
			src = res.regions[tap.Source].Output.Size()
			// Chained taps inherit zoom through their source.
			zoom = 1
		}

		crop, err := CropRectAlign(src, tap.Target, rv.align, zoom, rv.limits)
		out := tap.Target.Rect()
		if err != nil {
			crop = src.Rect()
			if tap.Target.IsZero() {
				out = crop
			}
			res.Fallbacks = append(res.Fallbacks, tap.Name)
		}

		res.regions[tap.Name] = Region{Tap: tap.Name, Source: tap.Source, Input: crop, Output: out}
		res.Order = append(res.Order, tap.Name)
	}

	return res, nil
}

// Validate checks a tap set without resolving sizes.
func Validate(taps []Tap) error {
	_, err := sortTaps(taps)
	return err
}

func orSize(s, fallback Size) Size {
	if s.IsZero() {
		return fallback
	}
	return s
}

// sortTaps orders taps so every source precedes its consumers, keeping the
// configured order among independent taps.
func sortTaps(taps []Tap) ([]Tap, error) {
	byName := make(map[string]Tap, len(taps))
	for _, t := range taps {
		if t.Name == "" || isBuiltin(t.Name) {
			return nil, fmt.Errorf("%w: reserved or empty tap name %q", ErrTopology, t.Name)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tap %q", ErrTopology, t.Name)
		}
		byName[t.Name] = t
	}

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(taps))
	out := make([]Tap, 0, len(taps))

	var visit func(t Tap) error
	visit = func(t Tap) error {
		switch mark[t.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: cycle through %q", ErrTopology, t.Name)
		}
		mark[t.Name] = visiting
		if t.Source != "" {
			src, ok := byName[t.Source]
			if !ok {
				return fmt.Errorf("%w: tap %q reads unknown source %q", ErrTopology, t.Name, t.Source)
			}
			if err := visit(src); err != nil {
				return err
			}
		}
		mark[t.Name] = done
		out = append(out, t)
		return nil
	}

	for _, t := range taps {
		if err := visit(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isBuiltin(name string) bool {
	switch name {
	case RegionSensor, RegionBNS, RegionBayerCrop, RegionBDS:
		return true
	}
	return false
}
