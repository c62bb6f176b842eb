package factory

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/queue"
)

// CreateNewFrame builds a frame with one entity per wired stage and the
// NodeGroup of each stage attached. Geometry is resolved from the current
// parameters, so ratio and zoom changes apply from the next frame on.
//
// Allowed in StateInit and StateRun.
func (f *Factory) CreateNewFrame(count uint64) (*frame.Frame, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.state != StateInit && f.state != StateRun {
		return nil, fmt.Errorf("%w: create frame in %s", ErrState, f.state)
	}

	defs := make([]stageDef, 0, len(f.order))
	specs := make([]frame.EntitySpec, 0, len(f.order))
	for _, id := range f.order {
		st := f.stages[id]
		defs = append(defs, st.def)
		specs = append(specs, frame.EntitySpec{
			Stage:     id,
			Name:      st.pipe.Name(),
			Kind:      st.def.entity,
			Ports:     len(st.def.captures),
			Requested: f.request[id],
		})
	}

	res, geoms, err := resolveStages(f.variant, f.params, defs)
	if err != nil {
		return nil, err
	}
	f.recordFallbacks(res)

	fr, err := frame.New(count, f.variant.String(), specs)
	if err != nil {
		return nil, err
	}
	for _, g := range geoms {
		if err := fr.SetNodeGroup(g.Stage, g.NodeGroup); err != nil {
			return nil, err
		}
	}

	f.framesCreated.Add(1)
	f.metrics.FramesCreated.WithLabelValues(f.variant.String()).Inc()
	return fr, nil
}

// NextFrame is CreateNewFrame with the factory's own monotonic counter.
func (f *Factory) NextFrame() (*frame.Frame, error) {
	return f.CreateNewFrame(f.frameCount.Add(1))
}

// PushFrame submits a frame to the head stage. It blocks while the head
// queue is full and requires StateRun.
func (f *Factory) PushFrame(fr *frame.Frame) error {
	f.mu.RLock()
	if f.state != StateRun {
		state := f.state
		f.mu.RUnlock()
		return fmt.Errorf("%w: push frame in %s", ErrState, state)
	}
	head := f.stages[f.order[0]].pipe
	f.mu.RUnlock()

	if fr.Variant() != f.variant.String() {
		return fmt.Errorf("factory: frame %d is %s, pipeline is %s", fr.Count(), fr.Variant(), f.variant)
	}
	return head.PushFrame(fr)
}

// Completed returns the queue of finished frames. Consumers pop from it and
// hand each frame back with Recycle.
func (f *Factory) Completed() *queue.Queue { return f.completed }

// Recycle returns a frame's buffers to the buffer provider.
func (f *Factory) Recycle(fr *frame.Frame) error {
	return f.recycle(fr)
}

func (f *Factory) recycle(fr *frame.Frame) error {
	var errs error
	for _, b := range fr.Buffers() {
		errs = multierr.Append(errs, f.buffers.Release(b))
	}
	return errs
}

// completionSink is the output of the last stages. A frame reaching it from
// several branches is delivered once, when the last requested stage is done.
type completionSink struct {
	f *Factory
}

var _ pipe.Output = (*completionSink)(nil)

func (s *completionSink) Push(fr *frame.Frame) error {
	if !fr.Finish() {
		return nil
	}

	f := s.f
	result := "ok"
	if fr.Failed() {
		result = "failed"
		f.framesFailed.Add(1)
	}

	err := f.completed.TryPush(fr)
	switch {
	case err == nil:
		f.framesCompleted.Add(1)
		f.metrics.FramesCompleted.WithLabelValues(f.variant.String(), result).Inc()
		return nil
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		f.framesDropped.Add(1)
		f.metrics.FramesCompleted.WithLabelValues(f.variant.String(), "dropped").Inc()
		f.log.Warn("completed frame dropped",
			zap.Uint64("frame", fr.Count()),
			zap.String("trace_id", fr.TraceID()),
			zap.Error(err),
		)
		if rerr := f.recycle(fr); rerr != nil {
			f.log.Warn("recycle failed", zap.Uint64("frame", fr.Count()), zap.Error(rerr))
		}
		return nil
	default:
		return err
	}
}

// Stats is a snapshot of the factory and its stages.
type Stats struct {
	Variant         string
	State           string
	FramesCreated   uint64
	FramesCompleted uint64
	FramesFailed    uint64
	FramesDropped   uint64
	Completed       int
	Stages          []pipe.Stats
	Pools           map[buffer.Key]buffer.PoolStats
}

// Stats returns a snapshot.
func (f *Factory) Stats() Stats {
	f.mu.RLock()
	st := Stats{
		Variant:         f.variant.String(),
		State:           f.state.String(),
		FramesCreated:   f.framesCreated.Load(),
		FramesCompleted: f.framesCompleted.Load(),
		FramesFailed:    f.framesFailed.Load(),
		FramesDropped:   f.framesDropped.Load(),
		Completed:       f.completed.Len(),
	}
	pipes := make([]*pipe.Pipe, 0, len(f.order))
	for _, id := range f.order {
		pipes = append(pipes, f.stages[id].pipe)
	}
	f.mu.RUnlock()

	for _, p := range pipes {
		st.Stages = append(st.Stages, p.Stats())
	}
	if pool, ok := f.buffers.(*buffer.Pool); ok {
		st.Pools = pool.Stats()
	}
	return st
}
