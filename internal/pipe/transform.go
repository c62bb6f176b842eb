package pipe

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

// Kind selects how a stage processes frames.
type Kind int

const (
	// KindHardware drives a hardware node through a Device.
	KindHardware Kind = iota
	// KindSoftware runs an in-process transform.
	KindSoftware
	// KindPlugin drives a vendor plugin through its Init/Run/Deinit contract.
	KindPlugin
	// KindOneShot accepts a single frame at a time (queue depth 1).
	KindOneShot
)

func (k Kind) String() string {
	switch k {
	case KindHardware:
		return "hardware"
	case KindSoftware:
		return "software"
	case KindPlugin:
		return "plugin"
	case KindOneShot:
		return "oneshot"
	default:
		return "unknown"
	}
}

// PortSpec is the format of one stage port.
type PortSpec struct {
	Size    geometry.Size
	Format  buffer.Format
	Buffers int
}

// PortConfig is the input and output port layout of a stage.
type PortConfig struct {
	Input   PortSpec
	Outputs []PortSpec
}

// Job is everything a transform needs for one frame.
type Job struct {
	Frame     *frame.Frame
	Stage     frame.StageID
	NodeGroup geometry.NodeGroup
	Ports     PortConfig

	// Src is nil for output-only stages.
	Src *buffer.Buffer

	// Dst has one entry per output port; nil where the port carries no buffer.
	Dst []*buffer.Buffer
}

// Transform is the processing strategy composed into a Pipe.
//
// Lifecycle:
//   - Open: once, at pipe creation (resource acquisition, no streaming)
//   - Configure: at pipe setup, with the resolved port layout
//   - Init: lazily on first Start, and again after every Stop
//   - Run: once per frame, from the pipe goroutine only
//   - Deinit: at Stop, undoes Init
//   - Close: once, at pipe destroy
type Transform interface {
	Open(ctx context.Context, ids []int) error
	Configure(ports PortConfig) error
	Init(ctx context.Context) error
	Run(ctx context.Context, job *Job) error
	Deinit() error
	Close() error
}

// BaseTransform implements every Transform method as a no-op. Embed it and
// override what the stage needs.
type BaseTransform struct{}

func (BaseTransform) Open(context.Context, []int) error { return nil }
func (BaseTransform) Configure(PortConfig) error        { return nil }
func (BaseTransform) Init(context.Context) error        { return nil }
func (BaseTransform) Run(context.Context, *Job) error   { return nil }
func (BaseTransform) Deinit() error                     { return nil }
func (BaseTransform) Close() error                      { return nil }

// TransformFunc adapts a plain function to a stateless Transform.
type TransformFunc func(ctx context.Context, job *Job) error

func (TransformFunc) Open(context.Context, []int) error          { return nil }
func (TransformFunc) Configure(PortConfig) error                 { return nil }
func (TransformFunc) Init(context.Context) error                 { return nil }
func (fn TransformFunc) Run(ctx context.Context, job *Job) error { return fn(ctx, job) }
func (TransformFunc) Deinit() error                              { return nil }
func (TransformFunc) Close() error                               { return nil }
