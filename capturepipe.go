package capturepipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/factory"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/params"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/queue"
)

// Re-exported so callers never import internal packages.
type (
	Factory       = factory.Factory
	Options       = factory.Options
	Variant       = factory.Variant
	State         = factory.State
	Backends      = factory.Backends
	SimOptions    = factory.SimOptions
	Stats         = factory.Stats
	StageGeometry = factory.StageGeometry
	Frame         = frame.Frame
	StageID       = frame.StageID
)

const (
	VariantPreview      = factory.VariantPreview
	VariantReprocessing = factory.VariantReprocessing
	VariantVision       = factory.VariantVision
)

var (
	ErrInvalidTransition = factory.ErrInvalidTransition
	ErrState             = factory.ErrState
	ErrNotPrepared       = factory.ErrNotPrepared
	ErrNoBackend         = factory.ErrNoBackend
)

// drainPoll bounds how long Drain waits on an empty completion queue before
// checking ctx again.
const drainPoll = 100 * time.Millisecond

// Simulated returns in-memory backends for every stage.
func Simulated(opts SimOptions) Backends { return factory.Simulated(opts) }

// ParseVariant maps a variant name to a Variant.
func ParseVariant(s string) (Variant, error) { return factory.ParseVariant(s) }

// New builds a factory from the runtime configuration. m may be nil.
func New(cfg *config.Config, backends Backends, logger *zap.Logger, m *metrics.Metrics) (*Factory, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	variant, err := factory.ParseVariant(cfg.Pipeline.Variant)
	if err != nil {
		return nil, err
	}
	p, err := loadParams(cfg.Geometry)
	if err != nil {
		return nil, err
	}

	return factory.New(factory.Options{
		Variant:        variant,
		Backends:       backends,
		Params:         p,
		QueueDepth:     cfg.Pipeline.QueueDepth,
		BufferCount:    cfg.Pipeline.BufferCount,
		CompletedDepth: cfg.Pipeline.CompletedDepth,
		WaitTimeout:    cfg.Pipeline.WaitTimeout,
		StageTimeout:   cfg.Pipeline.StageTimeout,
		Logger:         logger,
		Metrics:        m,
	})
}

// NewWithOptions builds a factory from explicit options.
func NewWithOptions(opts Options) (*Factory, error) { return factory.New(opts) }

// LoadParams returns the parameter tables named by cfg, or the built-in
// tables when no file is configured.
func LoadParams(cfg config.GeometryConfig) (*params.Static, error) {
	return loadParams(cfg)
}

func loadParams(cfg config.GeometryConfig) (*params.Static, error) {
	if cfg.ParamsFile == "" {
		return params.Default(), nil
	}
	p, err := params.Load(cfg.ParamsFile)
	if err != nil {
		return nil, fmt.Errorf("capturepipe: %w", err)
	}
	return p, nil
}

// Resolve computes the geometry of every stage of a variant without
// building a pipeline.
func Resolve(v Variant, p params.Provider) (geometry.Result, []StageGeometry, error) {
	return factory.Resolve(v, p)
}

// BringUp drives a factory from StateNone to StateRun. On failure the
// factory is destroyed and the first error returned.
func BringUp(ctx context.Context, f *Factory) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"create", f.Create},
		{"init", f.InitPipes},
		{"prepare", f.PreparePipes},
		{"start", f.StartPipes},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return multierr.Append(fmt.Errorf("capturepipe: %s: %w", s.name, err), f.Destroy(ctx))
		}
	}
	return nil
}

// Shutdown stops a running factory and destroys it.
func Shutdown(ctx context.Context, f *Factory) error {
	var errs error
	if f.State() == factory.StateRun {
		errs = f.StopPipes(ctx)
	}
	return multierr.Append(errs, f.Destroy(ctx))
}

// Drain pops completed frames until ctx is done or the completion queue is
// released, calls handle for each and recycles its buffers. A handle error
// is returned after the frame is recycled.
func Drain(ctx context.Context, f *Factory, handle func(*Frame) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		fr, err := f.Completed().WaitAndPop(drainPoll)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrClosed):
			return nil
		case err != nil:
			return err
		}

		herr := handle(fr)
		if err := f.Recycle(fr); err != nil {
			return multierr.Append(herr, err)
		}
		if herr != nil {
			return herr
		}
	}
}
