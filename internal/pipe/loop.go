package pipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/queue"
)

// runState is the immutable view the goroutine works with between
// StartThread and Stop, so it never touches p.mu.
type runState struct {
	ctx   context.Context
	edges []Edge
	ports PortConfig
}

// threadLoop is the stage goroutine.
//
// Algorithm:
//  1. Exit if stopping
//  2. Pop with bounded wait; a timeout is an idle iteration
//  3. Process the frame (skipped when not requested or already completed)
//  4. Push the frame to every edge, whatever the processing result
func (p *Pipe) threadLoop(rs runState) {
	defer p.wg.Done()

	for {
		if p.stopping.Load() {
			return
		}

		f, err := p.in.WaitAndPop(p.waitTimeout)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			p.idle.Add(1)
			p.metrics.Idle()
			continue
		case errors.Is(err, queue.ErrClosed):
			return
		case err != nil:
			p.log.Error("input queue failed, thread exiting", zap.Error(err))
			return
		}

		p.metrics.QueueDepth(p.in.Len())
		p.process(rs, f)
		if err := p.forward(f, rs.edges); err != nil {
			p.log.Warn("frame not delivered downstream",
				zap.Uint64("frame", f.Count()),
				zap.Error(err),
			)
		}
	}
}

// process runs the transform for one frame and records the outcome.
func (p *Pipe) process(rs runState, f *frame.Frame) {
	if !f.IsRequested(p.id) {
		p.skipped.Add(1)
		return
	}
	if err := f.Begin(p.id); err != nil {
		p.skipped.Add(1)
		p.log.Warn("frame not processed",
			zap.Uint64("frame", f.Count()),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(rs.ctx, p.stageTimeout)
	defer cancel()

	start := time.Now()
	job, err := p.prepare(ctx, rs.ports, f)
	if err == nil {
		err = p.transform.Run(ctx, job)
	}
	elapsed := time.Since(start)

	result := p.finish(f, job, err)
	p.metrics.Observe(result, elapsed)

	now := time.Now()
	p.lastProcessed.Store(now.UnixNano())
	p.intervals.mark(now)

	if ce := p.log.Check(zap.DebugLevel, "frame processed"); ce != nil {
		ce.Write(
			zap.Uint64("frame", f.Count()),
			zap.String("result", result),
			zap.Duration("elapsed", elapsed),
		)
	}
}

// prepare builds the job: geometry, input buffer (after its fence), and one
// output buffer per port from the provider.
func (p *Pipe) prepare(ctx context.Context, ports PortConfig, f *frame.Frame) (*Job, error) {
	ng, _ := f.NodeGroup(p.id)
	job := &Job{
		Frame:     f,
		Stage:     p.id,
		NodeGroup: ng,
		Ports:     ports,
		Dst:       make([]*buffer.Buffer, len(ports.Outputs)),
	}

	if p.entityKind != frame.KindOutputOnly {
		src, err := f.SrcBuffer(p.id)
		if err != nil {
			return job, err
		}
		if src.State == frame.BufferError {
			return job, ErrSourceUnusable
		}
		if src.Buffer != nil && p.provider != nil {
			if err := p.provider.Wait(ctx, src.Buffer); err != nil {
				return job, fmt.Errorf("source fence: %w", err)
			}
		}
		job.Src = src.Buffer
		p.noteState(f, f.SetSrcBufferState(p.id, frame.BufferProcessing))
	}

	if p.entityKind == frame.KindInputOnly {
		return job, nil
	}
	for i, spec := range ports.Outputs {
		if spec.Buffers <= 0 || p.provider == nil {
			p.noteState(f, f.SetDstBufferState(p.id, i, frame.BufferProcessing))
			continue
		}
		b, err := p.provider.Acquire(ctx, buffer.Key{Stage: p.name, Port: i})
		if err != nil {
			return job, fmt.Errorf("acquire port %d: %w", i, err)
		}
		job.Dst[i] = b
		if err := f.SetDstBuffer(p.id, i, b, frame.BufferProcessing); err != nil {
			return job, err
		}
	}
	return job, nil
}

// finish maps the transform result onto entity and buffer state.
//
//	nil                      entity Done,  outputs Complete
//	ErrPayload/source error  entity Done,  outputs Error
//	anything else            entity Error, outputs Error
//
// Output fences are signalled in every case so consumers never block on them.
func (p *Pipe) finish(f *frame.Frame, job *Job, err error) string {
	for _, b := range job.Dst {
		if b != nil && b.Fence != nil {
			b.Fence.Signal()
		}
	}

	state, bufState, result := frame.EntityDone, frame.BufferComplete, "done"
	switch {
	case err == nil:
	case errors.Is(err, ErrPayload), errors.Is(err, ErrSourceUnusable):
		bufState, result = frame.BufferError, "payload_error"
		p.payloadErrors.Add(1)
	default:
		state, bufState, result = frame.EntityError, frame.BufferError, "error"
		p.errors.Add(1)
	}

	if p.entityKind != frame.KindOutputOnly {
		srcState := frame.BufferComplete
		if errors.Is(err, ErrSourceUnusable) {
			srcState = frame.BufferError
		}
		p.noteState(f, f.SetSrcBufferState(p.id, srcState))
	}
	p.noteState(f, f.SetAllDstBufferState(p.id, bufState))

	if cerr := f.Complete(p.id, state, err); cerr != nil {
		p.log.Error("entity completion rejected", zap.Uint64("frame", f.Count()), zap.Error(cerr))
	}
	p.processed.Add(1)

	if err != nil {
		category := Classify(err)
		p.metrics.Error(category.String())
		p.log.Warn("transform failed",
			zap.Uint64("frame", f.Count()),
			zap.String("trace_id", f.TraceID()),
			zap.Stringer("category", category),
			zap.Error(err),
		)
	}
	return result
}

// abort marks a frame that will never be processed by this stage.
func (p *Pipe) abort(f *frame.Frame) {
	if !f.IsRequested(p.id) {
		return
	}
	st, err := f.EntityState(p.id)
	if err != nil || st.Terminal() {
		return
	}
	p.noteState(f, f.SetAllDstBufferState(p.id, frame.BufferError))
	if err := f.Complete(p.id, frame.EntityError, ErrStopped); err == nil {
		p.errors.Add(1)
	}
}

// noteState logs a rejected buffer state change. The frame keeps going; a
// rejection here means the stage and frame disagree on wiring.
func (p *Pipe) noteState(f *frame.Frame, err error) {
	if err == nil {
		return
	}
	p.log.Debug("buffer state not updated", zap.Uint64("frame", f.Count()), zap.Error(err))
}

// forward pushes the frame to every edge in order, handing the edge's output
// port to the consumer first. A closed consumer drops the frame for that edge
// only.
func (p *Pipe) forward(f *frame.Frame, edges []Edge) error {
	var errs error
	for _, e := range edges {
		if e.Port >= 0 && f.Has(e.To) {
			if err := f.Link(p.id, e.Port, e.To); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if err := e.Output.Push(f); err != nil {
			p.dropped.Add(1)
			errs = multierr.Append(errs, fmt.Errorf("push frame %d: %w", f.Count(), err))
		}
	}
	return errs
}
