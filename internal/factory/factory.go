// Package factory builds and drives a capture pipeline: the stage table of
// one variant, the lifecycle state machine shared by its stages, and the
// frames that flow through them.
package factory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/logging"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/params"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/queue"
)

const (
	defaultBufferCount    = 6
	defaultCompletedDepth = 16
)

// Options configures a Factory.
type Options struct {
	Variant  Variant
	Backends Backends

	// Params supplies sensor size, size tables and taps. Defaults to the
	// built-in tables.
	Params params.Provider

	// Buffers supplies stage output buffers. Defaults to an in-memory pool.
	Buffers buffer.Provider

	// SensorIDs are passed to every stage Create.
	SensorIDs []int

	// Per-stage settings; zero values take the pipe defaults.
	QueueDepth   int
	BufferCount  int
	WaitTimeout  time.Duration
	StageTimeout time.Duration

	// CompletedDepth bounds the completion queue. Frames completing while it
	// is full are dropped and their buffers recycled.
	CompletedDepth int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// stage is one row of the stage table.
type stage struct {
	def   stageDef
	pipe  *pipe.Pipe
	ports pipe.PortConfig
}

// Factory owns the stages of one variant.
type Factory struct {
	variant  Variant
	topo     topology
	backends Backends
	params   params.Provider
	buffers  buffer.Provider
	opts     Options

	log     *zap.Logger
	metrics *metrics.Metrics

	// mu guards the lifecycle state and the stage table. Stage goroutines
	// never take it.
	mu       sync.RWMutex
	state    State
	stages   [stageCount]*stage
	order    []frame.StageID
	edges    []edgeDef
	request  [stageCount]bool
	prepared bool

	completed *queue.Queue
	sink      *completionSink

	// --- Frame counters ---

	frameCount      atomic.Uint64
	framesCreated   atomic.Uint64
	framesCompleted atomic.Uint64
	framesFailed    atomic.Uint64
	framesDropped   atomic.Uint64
}

// New validates opts and returns a factory in StateNone.
func New(opts Options) (*Factory, error) {
	topo, ok := topologies[opts.Variant]
	if !ok {
		return nil, fmt.Errorf("factory: unknown variant %d", opts.Variant)
	}
	if len(opts.Backends) == 0 {
		return nil, fmt.Errorf("factory: %s: no backends", opts.Variant)
	}

	if opts.Params == nil {
		opts.Params = params.Default()
	}
	if opts.Buffers == nil {
		opts.Buffers = buffer.NewPool()
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = defaultBufferCount
	}
	if opts.CompletedDepth <= 0 {
		opts.CompletedDepth = defaultCompletedDepth
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}

	f := &Factory{
		variant:   opts.Variant,
		topo:      topo,
		backends:  opts.Backends,
		params:    opts.Params,
		buffers:   opts.Buffers,
		opts:      opts,
		metrics:   opts.Metrics,
		completed: queue.New("completed", opts.CompletedDepth),
	}
	f.log = logging.OrNop(opts.Logger).Named("factory").With(zap.Stringer("variant", opts.Variant))
	f.sink = &completionSink{f: f}
	f.metrics.FactoryState.WithLabelValues(f.variant.String()).Set(float64(StateNone))
	return f, nil
}

// Variant returns the variant the factory builds.
func (f *Factory) Variant() Variant { return f.variant }

// State returns the lifecycle state.
func (f *Factory) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// checkTransition must be called with f.mu held.
func (f *Factory) checkTransition(op string, to State) error {
	if canMove(f.state, to) {
		return nil
	}
	err := &TransitionError{Op: op, From: f.state, To: to}
	f.log.Error("invalid lifecycle call", zap.String("op", op), zap.Error(err))
	f.metrics.Transitions.WithLabelValues(f.variant.String(), to.String(), "rejected").Inc()
	return err
}

// setState must be called with f.mu held.
func (f *Factory) setState(to State) {
	from := f.state
	f.state = to
	f.metrics.FactoryState.WithLabelValues(f.variant.String()).Set(float64(to))
	f.metrics.Transitions.WithLabelValues(f.variant.String(), to.String(), "ok").Inc()
	f.log.Info("factory state changed", zap.Stringer("from", from), zap.Stringer("to", to))
}

// Create builds every stage of the variant and opens its resources.
//
// This method:
//  1. Drops optional stages without a backend and rewires around them
//  2. Builds each pipe with its backend transform
//  3. Calls Create on each pipe in graph order
//
// It fails fast: on the first error every pipe already created is destroyed,
// the stage table is cleared and the factory stays in StateNone. The error
// is a *pipe.StageError naming the failing stage.
func (f *Factory) Create(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkTransition("create", StateCreate); err != nil {
		return err
	}

	defs, edges := f.topo.wire(func(id frame.StageID) bool {
		return f.backends[id] != nil
	})

	var built []*stage
	rollback := func() {
		for i := len(built) - 1; i >= 0; i-- {
			if err := built[i].pipe.Destroy(); err != nil {
				f.log.Warn("rollback destroy failed", zap.String("stage", built[i].pipe.Name()), zap.Error(err))
			}
		}
	}

	for _, def := range defs {
		name := StageName(def.id)
		backend := f.backends[def.id]
		if backend == nil {
			rollback()
			return &pipe.StageError{Stage: def.id, Name: name, Op: "create", Err: ErrNoBackend}
		}

		tr, err := backend(StageInfo{ID: def.id, Name: name, Kind: def.kind, Variant: f.variant})
		if err != nil {
			rollback()
			return &pipe.StageError{Stage: def.id, Name: name, Op: "create", Err: err}
		}

		p, err := pipe.New(pipe.Config{
			ID:           def.id,
			Name:         name,
			Kind:         def.kind,
			EntityKind:   def.entity,
			Transform:    tr,
			Provider:     f.buffers,
			QueueDepth:   f.opts.QueueDepth,
			WaitTimeout:  f.opts.WaitTimeout,
			StageTimeout: f.opts.StageTimeout,
			Logger:       f.log.Named("pipe"),
			Metrics:      f.metrics.ForStage(name),
		})
		if err != nil {
			rollback()
			return &pipe.StageError{Stage: def.id, Name: name, Op: "create", Err: err}
		}

		if err := p.Create(ctx, f.opts.SensorIDs...); err != nil {
			rollback()
			f.log.Error("stage create failed", zap.String("stage", name), zap.Error(err))
			return err
		}
		built = append(built, &stage{def: def, pipe: p})
	}

	f.stages = [stageCount]*stage{}
	f.order = f.order[:0]
	for _, st := range built {
		f.stages[st.def.id] = st
		f.order = append(f.order, st.def.id)
		f.request[st.def.id] = true
	}
	f.edges = edges
	f.completed.Reopen()

	f.setState(StateCreate)
	f.log.Info("pipeline created", zap.Int("stages", len(f.order)), zap.Int("edges", len(edges)))
	return nil
}

// InitPipes resolves geometry, configures every pipe's ports and wires the
// edges between them.
//
// Each output port takes the size of its capture region and the variant's
// format for it. A consumer whose leader input does not fit inside the
// producer port it reads is rejected with ErrPortMismatch.
func (f *Factory) InitPipes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkTransition("init", StateInit); err != nil {
		return err
	}

	defs := make([]stageDef, 0, len(f.order))
	for _, id := range f.order {
		defs = append(defs, f.stages[id].def)
	}
	res, geoms, err := resolveStages(f.variant, f.params, defs)
	if err != nil {
		f.log.Error("geometry resolution failed", zap.Error(err))
		return err
	}
	f.recordFallbacks(res)

	groups := make(map[frame.StageID]geometry.NodeGroup, len(geoms))
	for _, g := range geoms {
		groups[g.Stage] = g.NodeGroup
	}

	// Output ports first, so consumers can copy their input spec.
	for _, id := range f.order {
		st := f.stages[id]
		ng := groups[id]
		ports := pipe.PortConfig{Outputs: make([]pipe.PortSpec, len(ng.Capture))}
		for i, region := range ng.Capture {
			spec := pipe.PortSpec{Size: region.Output.Size(), Format: st.def.formats[i]}
			if spec.Format.Bytes(spec.Size) > 0 {
				spec.Buffers = f.opts.BufferCount
			}
			ports.Outputs[i] = spec
		}
		st.ports = ports
	}

	for _, e := range f.edges {
		if e.to == Completion {
			continue
		}
		producer, consumer := f.stages[e.from], f.stages[e.to]
		out := producer.ports.Outputs[e.port]
		leader := groups[e.to].Leader
		if !leader.Input.Within(out.Size) {
			err := fmt.Errorf("%w: %s port %d is %s, %s reads %s",
				ErrPortMismatch, producer.pipe.Name(), e.port, out.Size, consumer.pipe.Name(), leader.Input)
			f.log.Error("pipe info check failed", zap.Error(err))
			return &pipe.StageError{Stage: e.to, Name: consumer.pipe.Name(), Op: "setup", Err: err}
		}
		consumer.ports.Input = out
	}

	for _, id := range f.order {
		st := f.stages[id]
		if err := st.pipe.Setup(st.ports); err != nil {
			return err
		}
		st.pipe.Disconnect()
	}
	for _, e := range f.edges {
		edge := pipe.Edge{To: e.to, Port: e.port, Output: f.sink}
		if e.to != Completion {
			edge.Output = f.stages[e.to].pipe.Input()
		}
		if err := f.stages[e.from].pipe.Connect(edge); err != nil {
			return err
		}
	}

	f.prepared = false
	f.setState(StateInit)
	return nil
}

// PreparePipes reserves the output buffer pools of every stage port on the
// buffer provider. It requires StateInit and does not change the state.
func (f *Factory) PreparePipes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateInit {
		return fmt.Errorf("%w: prepare in %s", ErrState, f.state)
	}

	var reserved int
	for _, id := range f.order {
		st := f.stages[id]
		for i, out := range st.ports.Outputs {
			if out.Buffers <= 0 {
				continue
			}
			key := buffer.Key{Stage: st.pipe.Name(), Port: i}
			spec := buffer.Spec{Count: out.Buffers, Size: out.Size, Format: out.Format}
			if err := f.buffers.Reserve(key, spec); err != nil {
				return &pipe.StageError{Stage: id, Name: st.pipe.Name(), Op: "setup", Err: err}
			}
			reserved++
			f.log.Debug("buffers reserved",
				zap.Stringer("key", key),
				zap.Int("count", out.Buffers),
				zap.Stringer("size", out.Size),
				zap.Stringer("format", out.Format),
			)
		}
	}

	f.prepared = true
	f.log.Info("pipes prepared", zap.Int("pools", reserved))
	return nil
}

// StartPipes starts every stage, consumers before producers, so no frame is
// produced before the queue it goes to is served.
//
// The first failure stops the stages already started, leaves the factory in
// StateInit and returns the failing stage's *pipe.StageError.
func (f *Factory) StartPipes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkTransition("start", StateRun); err != nil {
		return err
	}
	if !f.prepared {
		return fmt.Errorf("factory: start: %w", ErrNotPrepared)
	}

	var started []*pipe.Pipe
	for i := len(f.order) - 1; i >= 0; i-- {
		p := f.stages[f.order[i]].pipe
		err := p.Start(ctx)
		if err == nil {
			err = p.StartThread()
		}
		if err != nil {
			f.log.Error("stage start failed, rolling back",
				zap.String("stage", p.Name()),
				zap.Int("started", len(started)),
				zap.Error(err),
			)
			// Producers first, as in StopPipes.
			for j := len(started) - 1; j >= 0; j-- {
				if serr := started[j].Stop(); serr != nil {
					f.log.Warn("rollback stop failed", zap.String("stage", started[j].Name()), zap.Error(serr))
				}
			}
			_ = p.Stop()
			return err
		}
		started = append(started, p)
	}

	f.setState(StateRun)
	return nil
}

// StopPipes stops every stage, producers first. A failing stage does not
// keep the others from stopping; all errors are returned together. The
// factory returns to StateCreate, ready for InitPipes or a restart.
func (f *Factory) StopPipes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkTransition("stop", StateCreate); err != nil {
		return err
	}
	errs := f.stopAll()
	f.setState(StateCreate)
	if errs != nil {
		f.log.Warn("pipes stopped with errors", zap.Error(errs))
	}
	return errs
}

// stopAll must be called with f.mu held.
func (f *Factory) stopAll() error {
	var errs error
	for _, id := range f.order {
		errs = multierr.Append(errs, f.stages[id].pipe.Stop())
	}
	return errs
}

// Destroy stops the pipeline if it runs, destroys every stage and returns to
// StateNone. Frames left in the completion queue are recycled. Destroy on
// a factory in StateNone is a no-op.
func (f *Factory) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateNone {
		return nil
	}

	var errs error
	if f.state == StateRun {
		errs = multierr.Append(errs, f.stopAll())
	}
	for _, id := range f.order {
		errs = multierr.Append(errs, f.stages[id].pipe.Destroy())
	}

	f.completed.Release()
	for _, fr := range f.completed.Drain() {
		errs = multierr.Append(errs, f.recycle(fr))
	}

	f.stages = [stageCount]*stage{}
	f.request = [stageCount]bool{}
	f.order = nil
	f.edges = nil
	f.prepared = false
	f.setState(StateNone)
	return errs
}

// Pipe returns the pipe of a wired stage.
func (f *Factory) Pipe(id frame.StageID) (*pipe.Pipe, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id < 0 || id >= stageCount || f.stages[id] == nil {
		return nil, false
	}
	return f.stages[id].pipe, true
}

// Stages returns the wired stage ids in graph order.
func (f *Factory) Stages() []frame.StageID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]frame.StageID(nil), f.order...)
}

// SetRequest marks whether new frames request a stage's output. Unrequested
// stages pass frames through untouched.
func (f *Factory) SetRequest(id frame.StageID, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 0 || id >= stageCount || f.stages[id] == nil {
		return fmt.Errorf("%w: %s", ErrNotWired, StageName(id))
	}
	f.request[id] = on
	return nil
}

// Request reports whether new frames request a stage.
func (f *Factory) Request(id frame.StageID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return id >= 0 && id < stageCount && f.stages[id] != nil && f.request[id]
}

func (f *Factory) recordFallbacks(res geometry.Result) {
	for _, tap := range res.Fallbacks {
		f.metrics.GeometryFallbacks.WithLabelValues(tap).Inc()
		f.log.Warn("tap fell back to identity crop", zap.String("tap", tap))
	}
}
