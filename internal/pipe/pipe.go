// Package pipe implements a pipeline stage: one goroutine draining a bounded
// input queue, running a Transform per frame, recording entity and buffer
// state on the frame, and pushing it to every downstream output.
package pipe

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
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/logging"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/queue"
)

const (
	defaultQueueDepth   = 4
	defaultWaitTimeout  = 100 * time.Millisecond
	defaultStageTimeout = 2 * time.Second
)

// Phase is the lifecycle phase of a pipe.
//
//	None ─Create─▶ Created ─Setup─▶ Configured ─Start─▶ Ready ─StartThread─▶ Running
//	                  │                                   ▲                     │
//	                  └──────────────Start────────────────┤                   Stop
//	                                                      └──Start── Stopped ◀──┘
type Phase int

const (
	PhaseNone Phase = iota
	PhaseCreated
	PhaseConfigured
	PhaseReady
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseCreated:
		return "created"
	case PhaseConfigured:
		return "configured"
	case PhaseReady:
		return "ready"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Output receives frames from a pipe. *queue.Queue implements it.
type Output interface {
	Push(f *frame.Frame) error
}

// Edge is one downstream connection. When Port is non-negative, that output
// port's buffer becomes the input buffer of stage To before the push.
type Edge struct {
	To     frame.StageID
	Port   int
	Output Output
}

// Config describes a pipe at construction.
type Config struct {
	ID         frame.StageID
	Name       string
	Kind       Kind
	EntityKind frame.Kind
	Transform  Transform

	// Provider supplies output buffers; nil means ports carry no buffers.
	Provider buffer.Provider

	QueueDepth   int
	WaitTimeout  time.Duration
	StageTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Stage
}

// Pipe is one stage of a pipeline.
type Pipe struct {
	id         frame.StageID
	name       string
	kind       Kind
	entityKind frame.Kind
	transform  Transform
	provider   buffer.Provider

	waitTimeout  time.Duration
	stageTimeout time.Duration

	log     *zap.Logger
	metrics *metrics.Stage

	in *queue.Queue

	// mu guards lifecycle fields and edges. The goroutine reads edges only
	// between Start and Stop, during which they do not change.
	mu          sync.Mutex
	phase       Phase
	initialized bool
	ports       PortConfig
	edges       []Edge
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopping    atomic.Bool

	// --- Operational Stats ---

	processed     atomic.Uint64
	errors        atomic.Uint64
	payloadErrors atomic.Uint64
	skipped       atomic.Uint64
	dropped       atomic.Uint64
	idle          atomic.Uint64
	lastProcessed atomic.Int64
	intervals     *intervalTracker
}

// New validates cfg and returns a pipe in PhaseNone.
func New(cfg Config) (*Pipe, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pipe: name is required")
	}
	if cfg.Transform == nil {
		return nil, fmt.Errorf("pipe %s: transform is required", cfg.Name)
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	if cfg.Kind == KindOneShot {
		depth = 1
	}
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = defaultWaitTimeout
	}
	stageTimeout := cfg.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = defaultStageTimeout
	}

	p := &Pipe{
		id:           cfg.ID,
		name:         cfg.Name,
		kind:         cfg.Kind,
		entityKind:   cfg.EntityKind,
		transform:    cfg.Transform,
		provider:     cfg.Provider,
		waitTimeout:  wait,
		stageTimeout: stageTimeout,
		metrics:      cfg.Metrics,
		in:           queue.New(cfg.Name, depth),
		intervals:    newIntervalTracker(),
	}
	p.log = logging.OrNop(cfg.Logger).Named(cfg.Name).With(
		zap.Int("stage", int(cfg.ID)),
		zap.Stringer("kind", cfg.Kind),
	)
	return p, nil
}

// ID returns the stage id.
func (p *Pipe) ID() frame.StageID { return p.id }

// Name returns the stage name.
func (p *Pipe) Name() string { return p.name }

// Kind returns the stage kind.
func (p *Pipe) Kind() Kind { return p.kind }

// EntityKind says which sides of the stage carry buffers.
func (p *Pipe) EntityKind() frame.Kind { return p.entityKind }

// Input returns the stage input queue. Upstream stages push here.
func (p *Pipe) Input() *queue.Queue { return p.in }

// Phase returns the lifecycle phase.
func (p *Pipe) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Ports returns the configured port layout.
func (p *Pipe) Ports() PortConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports
}

func (p *Pipe) stageErr(op string, err error) error {
	return &StageError{Stage: p.id, Name: p.name, Op: op, Err: err}
}

func (p *Pipe) phaseErr(op string, want ...Phase) error {
	return p.stageErr(op, fmt.Errorf("%w: %s, want one of %v", ErrInvalidPhase, p.phase, want))
}

// Create acquires the stage's device or plugin resources. No goroutine is
// started.
func (p *Pipe) Create(ctx context.Context, ids ...int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != PhaseNone {
		return p.phaseErr("create", PhaseNone)
	}
	if err := p.transform.Open(ctx, ids); err != nil {
		return p.stageErr("create", err)
	}
	p.phase = PhaseCreated
	p.log.Debug("pipe created", zap.Ints("ids", ids))
	return nil
}

// Setup applies the port layout. Allowed until the thread runs.
func (p *Pipe) Setup(ports PortConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.phase {
	case PhaseCreated, PhaseConfigured, PhaseStopped:
	default:
		return p.phaseErr("setup", PhaseCreated, PhaseConfigured, PhaseStopped)
	}
	if err := p.transform.Configure(ports); err != nil {
		return p.stageErr("setup", err)
	}
	p.ports = ports
	if p.phase != PhaseStopped {
		p.phase = PhaseConfigured
	}
	return nil
}

// Connect adds a downstream edge. Edges cannot change while running.
func (p *Pipe) Connect(e Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseRunning {
		return p.phaseErr("connect", PhaseCreated, PhaseConfigured, PhaseReady, PhaseStopped)
	}
	p.edges = append(p.edges, e)
	return nil
}

// Disconnect removes every downstream edge.
func (p *Pipe) Disconnect() {
	p.mu.Lock()
	if p.phase != PhaseRunning {
		p.edges = nil
	}
	p.mu.Unlock()
}

// Edges returns a copy of the downstream edges.
func (p *Pipe) Edges() []Edge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Edge(nil), p.edges...)
}

// Start initialises the transform if it is not already, and opens the input
// queue. Calling Start on a ready pipe is a no-op.
func (p *Pipe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.phase {
	case PhaseReady:
		return nil
	case PhaseCreated, PhaseConfigured, PhaseStopped:
	default:
		return p.phaseErr("start", PhaseCreated, PhaseConfigured, PhaseStopped)
	}

	if !p.initialized {
		if err := p.transform.Init(ctx); err != nil {
			return p.stageErr("start", err)
		}
		p.initialized = true
	}

	p.in.Reopen()
	p.stopping.Store(false)
	p.phase = PhaseReady
	return nil
}

// StartThread spawns the stage goroutine.
func (p *Pipe) StartThread() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase == PhaseRunning {
		return p.stageErr("start", ErrAlreadyRunning)
	}
	if p.phase != PhaseReady {
		return p.phaseErr("start", PhaseReady)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.intervals.reset()
	p.lastProcessed.Store(time.Now().UnixNano())
	p.phase = PhaseRunning

	p.wg.Add(1)
	go p.threadLoop(runState{
		ctx:   p.ctx,
		edges: append([]Edge(nil), p.edges...),
		ports: p.ports,
	})

	p.log.Info("pipe thread started",
		zap.Int("queue_depth", p.in.Cap()),
		zap.Duration("wait_timeout", p.waitTimeout),
		zap.Int("edges", len(p.edges)),
	)
	return nil
}

// Stop halts the stage within a bounded time.
//
// Behavior:
//  1. Mark stopping and release the input queue (wakes the blocked pop)
//  2. Join the goroutine; an in-flight transform finishes and its frame is
//     pushed downstream as usual
//  3. Drain frames still queued: their entity is marked Error and they are
//     forwarded so no consumer waits forever
//  4. Deinit the transform
//
// Stop on a pipe that is not started is a no-op. Errors from forwarding and
// deinit are aggregated.
func (p *Pipe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != PhaseRunning && p.phase != PhaseReady {
		return nil
	}

	p.stopping.Store(true)
	p.in.Release()
	p.wg.Wait()

	var errs error
	drained := p.in.Drain()
	for _, f := range drained {
		p.abort(f)
		errs = multierr.Append(errs, p.forward(f, p.edges))
	}

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	if p.initialized {
		if err := p.transform.Deinit(); err != nil {
			errs = multierr.Append(errs, err)
		}
		p.initialized = false
	}

	p.phase = PhaseStopped
	p.log.Info("pipe stopped",
		zap.Int("drained", len(drained)),
		zap.Uint64("processed", p.processed.Load()),
	)

	if errs != nil {
		p.metrics.Error(ErrCategoryStop.String())
		return p.stageErr("stop", errs)
	}
	return nil
}

// Destroy stops the pipe if needed and releases device or plugin resources.
func (p *Pipe) Destroy() error {
	errs := p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseNone {
		return errs
	}
	if err := p.transform.Close(); err != nil {
		errs = multierr.Append(errs, p.stageErr("destroy", err))
	}
	p.phase = PhaseNone
	p.edges = nil
	return errs
}

// PushFrame queues a frame for this stage, blocking while the queue is full.
func (p *Pipe) PushFrame(f *frame.Frame) error {
	if err := p.in.Push(f); err != nil {
		return p.stageErr("push", err)
	}
	return nil
}

// Stats returns a snapshot.
func (p *Pipe) Stats() Stats {
	phase := p.Phase()
	last := time.Unix(0, p.lastProcessed.Load())
	return Stats{
		Name:            p.name,
		Kind:            p.kind.String(),
		Phase:           phase.String(),
		Processed:       p.processed.Load(),
		Errors:          p.errors.Load(),
		PayloadErrors:   p.payloadErrors.Load(),
		Skipped:         p.skipped.Load(),
		Dropped:         p.dropped.Load(),
		Idle:            p.idle.Load(),
		QueueDepth:      p.in.Len(),
		LastProcessedAt: last,
		IsIdle:          phase == PhaseRunning && time.Since(last) > idleThreshold,
		Interval:        CalculateIntervalStats(p.intervals.snapshot()),
	}
}
