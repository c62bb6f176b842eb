package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/encoder"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/scaler"
)

// StageInfo is handed to a Backend when the factory builds a stage.
type StageInfo struct {
	ID      frame.StageID
	Name    string
	Kind    pipe.Kind
	Variant Variant
}

// Backend builds the transform of one stage.
type Backend func(info StageInfo) (pipe.Transform, error)

// Backends maps stage ids to their transform constructors. Optional stages
// without an entry are left out of the graph; required stages without an
// entry make Create fail.
type Backends map[frame.StageID]Backend

// SimOptions tunes the simulated backends.
type SimOptions struct {
	// Latency is added to every hardware node call.
	Latency time.Duration

	// FailEvery injects a failure on every n-th call of each hardware node.
	FailEvery uint64

	// JPEG quality settings.
	JPEG encoder.Options
}

// Simulated returns in-memory backends for every stage: loopback devices for
// SENSOR, BAYER and ISP, the software scaler for MCSC, a luma analyzer for
// VRA, a pass-through plugin for PP and the JPEG encoder.
func Simulated(opts SimOptions) Backends {
	hw := func(StageInfo) (pipe.Transform, error) {
		return pipe.NewHardware(&pipe.LoopbackDevice{Latency: opts.Latency, FailEvery: opts.FailEvery}), nil
	}
	return Backends{
		StageSensor: hw,
		StageBayer:  hw,
		StageISP:    hw,
		StageMCSC: func(StageInfo) (pipe.Transform, error) {
			return scaler.New(nil), nil
		},
		StageVRA: func(StageInfo) (pipe.Transform, error) {
			return pipe.TransformFunc(analyze), nil
		},
		StagePP: func(info StageInfo) (pipe.Transform, error) {
			return pipe.NewPlugin(info.Name, passthrough{}, nil), nil
		},
		StageJPEG: func(StageInfo) (pipe.Transform, error) {
			return encoder.NewJPEG(opts.JPEG), nil
		},
	}
}

// VRAMetaKey is the frame metadata key of Analysis.
const VRAMetaKey = "vra"

// Analysis is the simulated VRA output: mean luma of the analysed buffer.
type Analysis struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	MeanLuma float64 `json:"mean_luma"`
}

func analyze(_ context.Context, job *pipe.Job) error {
	if job.Src == nil {
		return fmt.Errorf("vra: no source buffer: %w", pipe.ErrPayload)
	}

	a := Analysis{Width: job.Src.Size.W, Height: job.Src.Size.H}
	if img, err := imaging.View(job.Src); err == nil {
		var sum float64
		for i := 0; i+3 < len(img.Pix); i += 4 {
			r, g, b := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
			sum += 0.299*r + 0.587*g + 0.114*b
		}
		if n := len(img.Pix) / 4; n > 0 {
			a.MeanLuma = sum / float64(n)
		}
	} else {
		data := job.Src.Bytes()
		var sum float64
		for _, b := range data {
			sum += float64(b)
		}
		if len(data) > 0 {
			a.MeanLuma = sum / float64(len(data))
		}
	}

	if job.Frame != nil {
		job.Frame.AttachMeta(VRAMetaKey, a)
	}
	return nil
}

// passthrough is the simulated vendor plugin: it copies its input into its
// output port.
type passthrough struct{}

func (passthrough) Init(_ context.Context, cfg pipe.PluginConfig) (pipe.Handle, error) {
	return cfg.Name, nil
}

func (passthrough) Run(_ context.Context, _ pipe.Handle, job *pipe.Job) error {
	if job.Src == nil {
		return fmt.Errorf("pp: no source buffer: %w", pipe.ErrPayload)
	}
	for _, out := range job.Dst {
		if out == nil {
			continue
		}
		if out.Format != job.Src.Format || len(out.Data) < len(job.Src.Bytes()) {
			return fmt.Errorf("pp: %s cannot hold %s: %w", out.Key, job.Src.Key, pipe.ErrPayload)
		}
		out.Len = copy(out.Data, job.Src.Bytes())
	}
	return nil
}

func (passthrough) Deinit(pipe.Handle) error { return nil }

var _ pipe.Plugin = passthrough{}
