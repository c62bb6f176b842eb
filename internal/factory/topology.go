package factory

import (
	"fmt"
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/params"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

// Variant selects the stage graph a factory builds.
type Variant int

const (
	// VariantPreview is the streaming graph: SENSOR → BAYER → ISP → MCSC,
	// with an optional VRA analysis stage on the ds tap.
	VariantPreview Variant = iota

	// VariantReprocessing is the still graph: BAYER → ISP → MCSC, an optional
	// PP plugin stage, then the single-shot JPEG encoder.
	VariantReprocessing

	// VariantVision is the secure/vision-only graph: SENSOR → VRA.
	VariantVision
)

func (v Variant) String() string {
	switch v {
	case VariantPreview:
		return "preview"
	case VariantReprocessing:
		return "reprocessing"
	case VariantVision:
		return "vision"
	default:
		return "unknown"
	}
}

// ParseVariant accepts the names returned by Variant.String.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preview":
		return VariantPreview, nil
	case "reprocessing", "snapshot":
		return VariantReprocessing, nil
	case "vision", "secure":
		return VariantVision, nil
	}
	return 0, fmt.Errorf("factory: unknown variant %q", s)
}

// Stage ids index the factory's stage table.
const (
	StageSensor frame.StageID = iota
	StageBayer
	StageISP
	StageMCSC
	StageVRA
	StagePP
	StageJPEG

	stageCount
)

// Completion is the edge target of the factory completion sink.
const Completion frame.StageID = -1

var stageNames = [stageCount]string{
	StageSensor: "SENSOR",
	StageBayer:  "BAYER",
	StageISP:    "ISP",
	StageMCSC:   "MCSC",
	StageVRA:    "VRA",
	StagePP:     "PP",
	StageJPEG:   "JPEG",
}

// StageName returns the stage's display name, also used as its buffer pool key.
func StageName(id frame.StageID) string {
	if id < 0 || id >= stageCount {
		return fmt.Sprintf("STAGE%d", id)
	}
	return stageNames[id]
}

// ParseStage maps a display name, case-insensitively, to its stage id.
func ParseStage(name string) (frame.StageID, error) {
	for id, n := range stageNames {
		if strings.EqualFold(n, name) {
			return frame.StageID(id), nil
		}
	}
	return 0, fmt.Errorf("factory: unknown stage %q", name)
}

// stageDef is one row of a variant table.
type stageDef struct {
	id       frame.StageID
	kind     pipe.Kind
	entity   frame.Kind
	optional bool

	leader   geometry.Ref
	captures []geometry.Ref
	formats  []buffer.Format
}

type edgeDef struct {
	from frame.StageID
	port int
	to   frame.StageID
}

type topology struct {
	stages []stageDef
	edges  []edgeDef
}

var topologies = map[Variant]topology{
	VariantPreview: {
		stages: []stageDef{
			{
				id: StageSensor, kind: pipe.KindHardware, entity: frame.KindOutputOnly,
				leader:   geometry.At(geometry.RegionSensor),
				captures: []geometry.Ref{geometry.At(geometry.RegionBNS)},
				formats:  []buffer.Format{buffer.FormatRaw16},
			},
			{
				id: StageBayer, kind: pipe.KindHardware, entity: frame.KindInputOutput,
				leader:   geometry.At(geometry.RegionBayerCrop),
				captures: []geometry.Ref{geometry.At(geometry.RegionBDS)},
				formats:  []buffer.Format{buffer.FormatRaw16},
			},
			{
				id: StageISP, kind: pipe.KindHardware, entity: frame.KindInputOutput,
				leader:   geometry.Through(geometry.RegionBDS),
				captures: []geometry.Ref{geometry.Through(geometry.RegionBDS)},
				formats:  []buffer.Format{buffer.FormatRGBA},
			},
			{
				id: StageMCSC, kind: pipe.KindSoftware, entity: frame.KindInputOutput,
				leader: geometry.Through(geometry.RegionBDS),
				captures: []geometry.Ref{
					geometry.At("preview"), geometry.At("video"),
					geometry.At("callback"), geometry.At("ds"),
				},
				formats: []buffer.Format{
					buffer.FormatRGBA, buffer.FormatRGBA,
					buffer.FormatRGBA, buffer.FormatRGBA,
				},
			},
			{
				id: StageVRA, kind: pipe.KindSoftware, entity: frame.KindInputOnly, optional: true,
				leader: geometry.Through("ds"),
			},
		},
		edges: []edgeDef{
			{StageSensor, 0, StageBayer},
			{StageBayer, 0, StageISP},
			{StageISP, 0, StageMCSC},
			{StageMCSC, -1, Completion},
			{StageMCSC, 3, StageVRA},
			{StageVRA, -1, Completion},
		},
	},

	VariantReprocessing: {
		stages: []stageDef{
			{
				id: StageBayer, kind: pipe.KindHardware, entity: frame.KindInputOutput,
				leader:   geometry.At(geometry.RegionBayerCrop),
				captures: []geometry.Ref{geometry.At(geometry.RegionBDS)},
				formats:  []buffer.Format{buffer.FormatRaw16},
			},
			{
				id: StageISP, kind: pipe.KindHardware, entity: frame.KindInputOutput,
				leader:   geometry.Through(geometry.RegionBDS),
				captures: []geometry.Ref{geometry.Through(geometry.RegionBDS)},
				formats:  []buffer.Format{buffer.FormatRGBA},
			},
			{
				id: StageMCSC, kind: pipe.KindSoftware, entity: frame.KindInputOutput,
				leader:   geometry.Through(geometry.RegionBDS),
				captures: []geometry.Ref{geometry.At("still"), geometry.At("thumbnail")},
				formats:  []buffer.Format{buffer.FormatRGBA, buffer.FormatRGBA},
			},
			{
				id: StagePP, kind: pipe.KindPlugin, entity: frame.KindInputOutput, optional: true,
				leader:   geometry.Through("still"),
				captures: []geometry.Ref{geometry.Through("still")},
				formats:  []buffer.Format{buffer.FormatRGBA},
			},
			{
				id: StageJPEG, kind: pipe.KindOneShot, entity: frame.KindInputOutput,
				leader:   geometry.Through("still"),
				captures: []geometry.Ref{geometry.Through("still"), geometry.At("thumbnail")},
				formats:  []buffer.Format{buffer.FormatJPEG, buffer.FormatJPEG},
			},
		},
		edges: []edgeDef{
			{StageBayer, 0, StageISP},
			{StageISP, 0, StageMCSC},
			{StageMCSC, 0, StagePP},
			{StagePP, 0, StageJPEG},
			{StageJPEG, -1, Completion},
		},
	},

	VariantVision: {
		stages: []stageDef{
			{
				id: StageSensor, kind: pipe.KindHardware, entity: frame.KindOutputOnly,
				leader:   geometry.At(geometry.RegionSensor),
				captures: []geometry.Ref{geometry.At(geometry.RegionBNS)},
				formats:  []buffer.Format{buffer.FormatRaw16},
			},
			{
				id: StageVRA, kind: pipe.KindSoftware, entity: frame.KindInputOnly,
				leader: geometry.At("ds"),
			},
		},
		edges: []edgeDef{
			{StageSensor, 0, StageVRA},
			{StageVRA, -1, Completion},
		},
	},
}

// wire drops the optional stages for which present reports false and routes
// their input edges to their outputs, keeping the producer port.
func (t topology) wire(present func(frame.StageID) bool) ([]stageDef, []edgeDef) {
	var stages []stageDef
	skipped := make(map[frame.StageID]bool)
	for _, def := range t.stages {
		if def.optional && !present(def.id) {
			skipped[def.id] = true
			continue
		}
		stages = append(stages, def)
	}

	var edges []edgeDef
	seen := make(map[edgeDef]bool)
	var add func(e edgeDef)
	add = func(e edgeDef) {
		if skipped[e.from] {
			return
		}
		if skipped[e.to] {
			for _, next := range t.edges {
				if next.from == e.to {
					add(edgeDef{from: e.from, port: e.port, to: next.to})
				}
			}
			return
		}
		if e.to == Completion {
			// One completion edge per producer.
			e.port = -1
		}
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	for _, e := range t.edges {
		add(e)
	}
	return stages, edges
}

// StageGeometry is the NodeGroup one stage receives for a frame.
type StageGeometry struct {
	Stage     frame.StageID      `json:"stage"`
	Name      string             `json:"name"`
	NodeGroup geometry.NodeGroup `json:"node_group"`
}

// Resolve computes the geometry of every stage of variant v from the
// parameters. It is what CreateNewFrame attaches to each frame.
func Resolve(v Variant, p params.Provider) (geometry.Result, []StageGeometry, error) {
	t, ok := topologies[v]
	if !ok {
		return geometry.Result{}, nil, fmt.Errorf("factory: unknown variant %d", v)
	}
	return resolveStages(v, p, t.stages)
}

func resolveStages(v Variant, p params.Provider, stages []stageDef) (geometry.Result, []StageGeometry, error) {
	useCase := v.String()
	entry, err := p.Entry(useCase, p.Ratio())
	if err != nil {
		return geometry.Result{}, nil, err
	}

	rv := geometry.NewResolver(p.Alignment(), p.Limits())
	res, err := rv.Resolve(geometry.Input{
		Sensor:    p.Sensor(),
		BNS:       entry.BNS,
		BayerCrop: entry.BayerCrop,
		BDS:       entry.BDS,
		Zoom:      p.Zoom(),
		Taps:      p.Taps(useCase),
	})
	if err != nil {
		return geometry.Result{}, nil, fmt.Errorf("factory: %s geometry: %w", useCase, err)
	}

	out := make([]StageGeometry, 0, len(stages))
	for _, def := range stages {
		ng, err := res.NodeGroup(def.leader, def.captures...)
		if err != nil {
			return geometry.Result{}, nil, fmt.Errorf("factory: %s stage %s: %w", useCase, StageName(def.id), err)
		}
		out = append(out, StageGeometry{Stage: def.id, Name: StageName(def.id), NodeGroup: ng})
	}
	return res, out, nil
}
