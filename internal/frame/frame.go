// Package frame holds the unit of capture work that flows through a pipeline:
// one entity per wired stage, per-stage geometry, and completion accounting.
package frame

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

var (
	// ErrNoEntity is returned for a stage the frame was not built with.
	ErrNoEntity = errors.New("frame: no entity for stage")

	// ErrNoPort is returned for an output port index out of range.
	ErrNoPort = errors.New("frame: no such port")

	// ErrInvalidTransition is returned for an entity state change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("frame: invalid entity transition")

	// ErrStageCompleted is returned when a stage tries to re-enter an entity
	// that already reached a terminal state.
	ErrStageCompleted = errors.New("frame: stage already completed")
)

// StageID identifies a stage within a pipeline.
type StageID int

// EntitySpec describes one entity at frame construction.
type EntitySpec struct {
	Stage     StageID
	Name      string
	Kind      Kind
	Ports     int
	Requested bool
}

// Port is one buffer slot of an entity.
type Port struct {
	Buffer *buffer.Buffer
	State  BufferState
}

type entity struct {
	spec  EntitySpec
	state EntityState
	src   Port
	dst   []Port
	err   error

	startedAt  time.Time
	finishedAt time.Time
}

// EntityInfo is a snapshot of one entity.
type EntityInfo struct {
	Stage      StageID
	Name       string
	Kind       Kind
	Requested  bool
	State      EntityState
	Src        BufferState
	Dst        []BufferState
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Frame is one unit of capture work. A frame is owned by exactly one queue or
// stage at a time; the internal lock only protects completion bookkeeping
// when a fan-out hands it to several stages.
type Frame struct {
	count     uint64
	traceID   string
	variant   string
	createdAt time.Time

	mu         sync.Mutex
	order      []StageID
	entities   map[StageID]*entity
	nodeGroups map[StageID]geometry.NodeGroup
	meta       map[string]any

	requested int
	completed int
	finished  bool
	done      chan struct{}
}

// New builds a frame with one entity per spec, in graph order. Requested
// entities move to EntityRequested immediately.
func New(count uint64, variant string, specs []EntitySpec) (*Frame, error) {
	f := &Frame{
		count:      count,
		traceID:    uuid.NewString(),
		variant:    variant,
		createdAt:  time.Now(),
		entities:   make(map[StageID]*entity, len(specs)),
		nodeGroups: make(map[StageID]geometry.NodeGroup, len(specs)),
		meta:       make(map[string]any),
		done:       make(chan struct{}),
	}

	for _, spec := range specs {
		if _, dup := f.entities[spec.Stage]; dup {
			return nil, fmt.Errorf("frame: duplicate entity for stage %d (%s)", spec.Stage, spec.Name)
		}
		e := &entity{spec: spec, state: EntityCreated, dst: make([]Port, spec.Ports)}
		if spec.Requested {
			e.state = EntityRequested
			if spec.Kind != KindOutputOnly {
				e.src.State = BufferRequested
			}
			for i := range e.dst {
				e.dst[i].State = BufferRequested
			}
			f.requested++
		}
		f.entities[spec.Stage] = e
		f.order = append(f.order, spec.Stage)
	}

	if f.requested == 0 {
		close(f.done)
	}
	return f, nil
}

// Count returns the immutable frame sequence number.
func (f *Frame) Count() uint64 { return f.count }

// TraceID returns the frame's unique trace identifier.
func (f *Frame) TraceID() string { return f.traceID }

// Variant returns the pipeline variant the frame was built for.
func (f *Frame) Variant() string { return f.variant }

// CreatedAt returns the construction time.
func (f *Frame) CreatedAt() time.Time { return f.createdAt }

// Stages returns stage ids in graph order.
func (f *Frame) Stages() []StageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StageID, len(f.order))
	copy(out, f.order)
	return out
}

// Has reports whether the frame carries an entity for the stage.
func (f *Frame) Has(id StageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entities[id]
	return ok
}

// Entity returns a snapshot of one entity.
func (f *Frame) Entity(id StageID) (EntityInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return EntityInfo{}, false
	}
	return e.info(), true
}

// Entities returns snapshots of every entity in graph order.
func (f *Frame) Entities() []EntityInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EntityInfo, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.entities[id].info())
	}
	return out
}

func (e *entity) info() EntityInfo {
	dst := make([]BufferState, len(e.dst))
	for i, p := range e.dst {
		dst[i] = p.State
	}
	return EntityInfo{
		Stage:      e.spec.Stage,
		Name:       e.spec.Name,
		Kind:       e.spec.Kind,
		Requested:  e.spec.Requested,
		State:      e.state,
		Src:        e.src.State,
		Dst:        dst,
		Err:        e.err,
		StartedAt:  e.startedAt,
		FinishedAt: e.finishedAt,
	}
}

func (f *Frame) lookup(id StageID) (*entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d (frame %d)", ErrNoEntity, id, f.count)
	}
	return e, nil
}

// Begin moves a requested entity to EntityProcessing. It returns
// ErrStageCompleted when the stage already finished this frame.
func (f *Frame) Begin(id StageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return err
	}
	if e.state.Terminal() {
		return fmt.Errorf("%w: %s frame %d", ErrStageCompleted, e.spec.Name, f.count)
	}
	if err := f.transition(e, EntityProcessing); err != nil {
		return err
	}
	e.startedAt = time.Now()
	return nil
}

// Complete moves an entity to a terminal state. cause is recorded when the
// state is EntityError.
func (f *Frame) Complete(id StageID, state EntityState, cause error) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, state)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return err
	}
	if err := f.transition(e, state); err != nil {
		return err
	}
	e.err = cause
	e.finishedAt = time.Now()
	return nil
}

// SetEntityState applies a state machine transition.
func (f *Frame) SetEntityState(id StageID, state EntityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return err
	}
	return f.transition(e, state)
}

// transition must be called with f.mu held.
func (f *Frame) transition(e *entity, next EntityState) error {
	if !e.state.canMoveTo(next) {
		return fmt.Errorf("%w: %s %s -> %s (frame %d)",
			ErrInvalidTransition, e.spec.Name, e.state, next, f.count)
	}
	e.state = next
	if next.Terminal() && e.spec.Requested {
		f.completed++
		if f.completed == f.requested {
			close(f.done)
		}
	}
	return nil
}

// EntityState returns the current state of one entity.
func (f *Frame) EntityState(id StageID) (EntityState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return 0, err
	}
	return e.state, nil
}

// IsRequested reports whether a stage's output is consumer-requested.
func (f *Frame) IsRequested(id StageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	return ok && e.spec.Requested
}

// RequestedCount returns how many stages must finish before the frame completes.
func (f *Frame) RequestedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested
}

// IsComplete reports whether every requested entity is terminal.
func (f *Frame) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed == f.requested
}

// Done is closed once the frame is complete.
func (f *Frame) Done() <-chan struct{} { return f.done }

// Finish returns true exactly once, on the first call after the frame is
// complete. Fan-out sinks use it to deliver a frame a single time.
func (f *Frame) Finish() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished || f.completed != f.requested {
		return false
	}
	f.finished = true
	return true
}

// Failed reports whether any requested entity or buffer ended in error.
func (f *Frame) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entities {
		if !e.spec.Requested {
			continue
		}
		if e.state == EntityError {
			return true
		}
		for _, p := range e.dst {
			if p.State == BufferError {
				return true
			}
		}
	}
	return false
}
