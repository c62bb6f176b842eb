package pipe

import (
	"math"
	"sync"
	"time"
)

const (
	// idleThreshold defines when a running stage is considered idle (no frame
	// processed). Preview runs at 30fps; snapshot stages may sit idle between
	// captures, so callers decide what idle means for them.
	idleThreshold = 5 * time.Second

	// intervalWindow is the number of completion timestamps kept per stage.
	intervalWindow = 64

	// intervalStabilityThreshold is the maximum standard deviation of the
	// processing interval, as a fraction of the mean, for a stable stage.
	intervalStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter, as a fraction of
	// the mean interval, for a stable stage.
	jitterStabilityThreshold = 0.20
)

// Stats is a snapshot of one stage.
type Stats struct {
	Name  string
	Kind  string
	Phase string

	// Processed counts frames whose entity reached a terminal state here.
	Processed uint64

	// Errors counts entities that ended in Error.
	Errors uint64

	// PayloadErrors counts entities that ended Done with an Error buffer.
	PayloadErrors uint64

	// Skipped counts frames passed through untouched (not requested, or
	// already completed).
	Skipped uint64

	// Dropped counts frames a downstream queue refused.
	Dropped uint64

	// Idle counts empty queue waits.
	Idle uint64

	QueueDepth      int
	LastProcessedAt time.Time

	// IsIdle is set when the stage runs but has not processed a frame
	// within idleThreshold.
	IsIdle bool

	Interval IntervalStats
}

// IntervalStats describes the time between consecutive processed frames,
// the stage-level equivalent of a thread interval monitor.
type IntervalStats struct {
	Samples    int
	Mean       time.Duration
	StdDev     time.Duration
	Min        time.Duration
	Max        time.Duration
	FPS        float64
	JitterMean time.Duration
	JitterMax  time.Duration
	IsStable   bool
}

// intervalTracker keeps a ring of completion timestamps.
type intervalTracker struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

func newIntervalTracker() *intervalTracker {
	return &intervalTracker{times: make([]time.Time, intervalWindow)}
}

func (t *intervalTracker) mark(at time.Time) {
	t.mu.Lock()
	t.times[t.next] = at
	t.next = (t.next + 1) % len(t.times)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

func (t *intervalTracker) reset() {
	t.mu.Lock()
	t.next = 0
	t.full = false
	t.mu.Unlock()
}

// snapshot returns the timestamps in chronological order.
func (t *intervalTracker) snapshot() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]time.Time(nil), t.times[:t.next]...)
	}
	out := make([]time.Time, 0, len(t.times))
	out = append(out, t.times[t.next:]...)
	return append(out, t.times[:t.next]...)
}

// CalculateIntervalStats computes interval statistics from completion
// timestamps in chronological order.
//
// This function:
//  1. Computes every inter-frame interval
//  2. Finds mean, min, max and standard deviation of the intervals
//  3. Computes jitter as the deviation of each interval from the mean
//  4. Marks the stage stable when stddev < 15% and mean jitter < 20% of the mean
func CalculateIntervalStats(times []time.Time) IntervalStats {
	if len(times) < 2 {
		return IntervalStats{Samples: len(times)}
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d >= 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return IntervalStats{Samples: len(times)}
	}

	var sum float64
	minI, maxI := intervals[0], intervals[0]
	for _, d := range intervals {
		sum += d
		minI = math.Min(minI, d)
		maxI = math.Max(maxI, d)
	}
	mean := sum / float64(len(intervals))

	var sq, jitterSum, jitterMax float64
	for _, d := range intervals {
		diff := d - mean
		sq += diff * diff
		j := math.Abs(diff)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	stddev := math.Sqrt(sq / float64(len(intervals)))
	jitterMean := jitterSum / float64(len(intervals))

	st := IntervalStats{
		Samples:    len(times),
		Mean:       seconds(mean),
		StdDev:     seconds(stddev),
		Min:        seconds(minI),
		Max:        seconds(maxI),
		JitterMean: seconds(jitterMean),
		JitterMax:  seconds(jitterMax),
	}
	if mean > 0 {
		st.FPS = 1 / mean
		st.IsStable = stddev < mean*intervalStabilityThreshold &&
			jitterMean < mean*jitterStabilityThreshold
	}
	return st
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
