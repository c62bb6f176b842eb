package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/factory"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

var geometryFlags struct {
	variant string
	params  string
	ratio   string
	zoom    float64
	output  string
}

var geometryCmd = &cobra.Command{
	Use:   "geometry",
	Short: "Print the resolved crop and scale regions of every stage",
	RunE:  runGeometry,
}

func init() {
	f := geometryCmd.Flags()
	f.StringVar(&geometryFlags.variant, "variant", "preview", "Pipeline variant (preview, reprocessing, vision)")
	f.StringVar(&geometryFlags.params, "params", "", "Parameters YAML file (default: built-in tables)")
	f.StringVar(&geometryFlags.ratio, "ratio", "", "Aspect ratio override, e.g. 4:3")
	f.Float64Var(&geometryFlags.zoom, "zoom", 0, "Zoom override (>= 1)")
	f.StringVarP(&geometryFlags.output, "output", "o", "yaml", "Output format (yaml, json)")
}

// geometryReport is the printed document.
type geometryReport struct {
	Variant   string          `json:"variant" yaml:"variant"`
	Sensor    geometry.Size   `json:"sensor" yaml:"sensor"`
	Order     []string        `json:"order" yaml:"order"`
	Fallbacks []string        `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	Clamps    []string        `json:"clamps,omitempty" yaml:"clamps,omitempty"`
	Stages    []stageGeometry `json:"stages" yaml:"stages"`
}

type stageGeometry struct {
	Stage     string             `json:"stage" yaml:"stage"`
	NodeGroup geometry.NodeGroup `json:"node_group" yaml:"node_group"`
}

func runGeometry(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if geometryFlags.params != "" {
		cfg.Geometry.ParamsFile = geometryFlags.params
	}

	variant, err := capturepipe.ParseVariant(geometryFlags.variant)
	if err != nil {
		return err
	}
	p, err := capturepipe.LoadParams(cfg.Geometry)
	if err != nil {
		return err
	}
	if geometryFlags.ratio != "" {
		r, err := geometry.ParseRatio(geometryFlags.ratio)
		if err != nil {
			return err
		}
		p.SetRatio(r)
	}
	if geometryFlags.zoom > 0 {
		p.SetZoom(geometryFlags.zoom)
	}

	res, stages, err := capturepipe.Resolve(variant, p)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", variant, err)
	}

	report := geometryReport{
		Variant:   variant.String(),
		Sensor:    p.Sensor(),
		Order:     res.Order,
		Fallbacks: res.Fallbacks,
		Clamps:    res.Clamps,
	}
	for _, s := range stages {
		report.Stages = append(report.Stages, stageGeometry{Stage: factory.StageName(s.Stage), NodeGroup: s.NodeGroup})
	}
	return writeReport(cmd.OutOrStdout(), geometryFlags.output, report)
}

func writeReport(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q (must be yaml or json)", format)
	}
}
