package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

// components are the pieces of a run that report statistics. Saver and
// emitter are optional.
type components struct {
	factory *capturepipe.Factory
	feeder  *Feeder
	saver   *FrameSaver
	emitter *emitter.MQTTEmitter
}

// reportStats periodically prints statistics from all pipeline components.
func reportStats(ctx context.Context, w io.Writer, interval time.Duration, c components) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(w, time.Since(startTime), c)
		}
	}
}

// printLiveStats prints current statistics from all components.
func printLiveStats(w io.Writer, uptime time.Duration, c components) {
	st := c.factory.Stats()
	fs := c.feeder.Stats()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╭─────────────────────────────────────────────────────────────────╮")
	fmt.Fprintf(w, "│ Pipeline Statistics: %s [%s] (Uptime: %v)\n", st.Variant, st.State, uptime.Round(time.Second))
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")

	fmt.Fprintln(w, "│ Frames:")
	fmt.Fprintf(w, "│   Created:            %6d frames\n", st.FramesCreated)
	fmt.Fprintf(w, "│   Pushed:             %6d frames (avg block %v)\n", fs.Pushed, fs.AvgBlock)
	fmt.Fprintf(w, "│   Completed:          %6d frames\n", st.FramesCompleted)
	fmt.Fprintf(w, "│   Failed:             %6d frames (%.1f%%)\n", st.FramesFailed, rate(st.FramesCompleted, st.FramesFailed))
	fmt.Fprintf(w, "│   Dropped:            %6d frames (completion queue full)\n", st.FramesDropped)
	fmt.Fprintf(w, "│   Waiting:            %6d frames\n", st.Completed)

	if c.saver != nil {
		saved, dropped, skipped := c.saver.Stats()
		fmt.Fprintln(w, "│")
		fmt.Fprintln(w, "│ Frame Saving:")
		fmt.Fprintf(w, "│   Frames Saved:       %6d frames\n", saved)
		fmt.Fprintf(w, "│   Save Errors:        %6d frames\n", dropped)
		fmt.Fprintf(w, "│   Ports Skipped:      %6d\n", skipped)
	}

	if c.emitter != nil {
		es := c.emitter.Stats()
		fmt.Fprintln(w, "│")
		fmt.Fprintln(w, "│ MQTT:")
		fmt.Fprintf(w, "│   Connected:          %6v\n", es.Connected)
		fmt.Fprintf(w, "│   Errors:             %6d\n", es.Errors)
		topics := make([]string, 0, len(es.Published))
		for t := range es.Published {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		for _, t := range topics {
			fmt.Fprintf(w, "│   %-30s %6d published\n", t, es.Published[t])
		}
	}

	if idle := detectIdleStages(st.Stages); len(idle) > 0 {
		fmt.Fprintln(w, "│")
		fmt.Fprintf(w, "│ Idle Stages:          ")
		for i, s := range idle {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, "%s (%.1fs)", s.Name, time.Since(s.LastProcessedAt).Seconds())
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "│")
	fmt.Fprintln(w, "│ Stages:")
	for _, s := range st.Stages {
		fmt.Fprintf(w, "│   %-6s %-9s: %5d processed, %3d errors, %3d skipped, q=%d, %5.1f fps, jitter=%v\n",
			s.Name,
			s.Kind,
			s.Processed,
			s.Errors+s.PayloadErrors,
			s.Skipped,
			s.QueueDepth,
			s.Interval.FPS,
			s.Interval.JitterMean.Round(time.Microsecond))
	}

	fmt.Fprintln(w, "╰─────────────────────────────────────────────────────────────────╯")
	fmt.Fprintln(w)
}

// printFinalStats prints final statistics at shutdown.
func printFinalStats(w io.Writer, c components) {
	st := c.factory.Stats()
	fs := c.feeder.Stats()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                     Final Statistics                         ")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")

	fmt.Fprintf(w, "  Frames Pushed:         %d frames\n", fs.Pushed)
	if fs.Failed > 0 {
		fmt.Fprintf(w, "  Push Failures:         %d\n", fs.Failed)
	}
	fmt.Fprintf(w, "  Frames Completed:      %d frames\n", st.FramesCompleted)
	fmt.Fprintf(w, "  Frames Failed:         %d (%.1f%%)\n", st.FramesFailed, rate(st.FramesCompleted, st.FramesFailed))
	fmt.Fprintf(w, "  Frames Dropped:        %d\n", st.FramesDropped)

	if c.saver != nil {
		saved, dropped, _ := c.saver.Stats()
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  Frames Saved:          %d\n", saved)
		if dropped > 0 {
			fmt.Fprintf(w, "  Save Errors:           %d\n", dropped)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Stage Summary:")
	for _, s := range st.Stages {
		fmt.Fprintf(w, "    %-6s: %d processed, %d errors (%.1f%%), %d idle waits\n",
			s.Name,
			s.Processed,
			s.Errors+s.PayloadErrors,
			rate(s.Processed, s.Errors+s.PayloadErrors),
			s.Idle)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)
}

// detectIdleStages returns the stages marked idle.
func detectIdleStages(stages []pipe.Stats) []pipe.Stats {
	var idle []pipe.Stats
	for _, s := range stages {
		if s.IsIdle {
			idle = append(idle, s)
		}
	}
	return idle
}

// rate returns part as a percentage of total.
func rate(total, part uint64) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}
