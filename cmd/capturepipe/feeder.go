package main

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	xrate "golang.org/x/time/rate"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/factory"
)

// Feeder pushes new frames into the head stage at a fixed rate. A zero rate
// pushes as fast as the head queue accepts them.
type Feeder struct {
	f       *capturepipe.Factory
	fps     float64
	limit   uint64
	limiter *xrate.Limiter
	logger  *zap.Logger

	pushed       atomic.Uint64
	failed       atomic.Uint64
	totalBlockUs atomic.Uint64
}

// NewFeeder creates a feeder. frames 0 feeds until ctx is done.
func NewFeeder(f *capturepipe.Factory, fps float64, frames uint64, logger *zap.Logger) *Feeder {
	limit := xrate.Inf
	if fps > 0 {
		limit = xrate.Limit(fps)
	}
	return &Feeder{
		f:       f,
		fps:     fps,
		limit:   frames,
		limiter: xrate.NewLimiter(limit, 1),
		logger:  logger.Named("feeder"),
	}
}

// Run feeds frames until ctx is done, the limit is reached or the pipeline
// leaves StateRun.
func (fd *Feeder) Run(ctx context.Context) error {
	fd.logger.Info("feeder started", zap.Float64("fps", fd.fps), zap.Uint64("limit", fd.limit))

	for fd.limit == 0 || fd.pushed.Load()+fd.failed.Load() < fd.limit {
		if err := fd.limiter.Wait(ctx); err != nil {
			return nil
		}

		if err := fd.feedOne(); err != nil {
			if errors.Is(err, factory.ErrState) {
				fd.logger.Info("pipeline left run state, feeder stopping")
				return nil
			}
			fd.failed.Add(1)
			fd.logger.Warn("frame not pushed", zap.Error(err))
		}
	}

	fd.logger.Info("frame limit reached", zap.Uint64("pushed", fd.pushed.Load()))
	return nil
}

func (fd *Feeder) feedOne() error {
	fr, err := fd.f.NextFrame()
	if err != nil {
		return err
	}

	start := time.Now()
	if err := fd.f.PushFrame(fr); err != nil {
		_ = fd.f.Recycle(fr)
		return err
	}
	fd.totalBlockUs.Add(uint64(time.Since(start).Microseconds()))
	fd.pushed.Add(1)

	fd.logger.Debug("frame pushed", zap.Uint64("frame", fr.Count()), zap.String("trace_id", fr.TraceID()))
	return nil
}

// FeederStats holds producer-side counters.
type FeederStats struct {
	Pushed uint64
	Failed uint64

	// AvgBlock is the mean time PushFrame waited on a full head queue.
	AvgBlock time.Duration
}

// Stats returns current feeder statistics.
func (fd *Feeder) Stats() FeederStats {
	pushed := fd.pushed.Load()
	var avg time.Duration
	if pushed > 0 {
		avg = time.Duration(fd.totalBlockUs.Load()/pushed) * time.Microsecond
	}
	return FeederStats{Pushed: pushed, Failed: fd.failed.Load(), AvgBlock: avg}
}
