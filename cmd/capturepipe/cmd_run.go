package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/encoder"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/factory"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/server"
)

var runFlags struct {
	variant string
	params  string
	fps     float64
	frames  uint64
	skip    []string

	latency   time.Duration
	failEvery uint64

	output      string
	format      string
	jpegQuality int
	saveStage   string

	statsInterval time.Duration
	metricsAddr   string
	mqttBroker    string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulated pipeline until interrupted or the frame limit is reached",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.variant, "variant", "", "Pipeline variant (preview, reprocessing, vision); overrides CAPTUREPIPE_PIPELINE_VARIANT")
	f.StringVar(&runFlags.params, "params", "", "Parameters YAML file (default: built-in tables)")
	f.Float64Var(&runFlags.fps, "fps", 30, "Frames pushed per second (0 = as fast as possible)")
	f.Uint64Var(&runFlags.frames, "frames", 0, "Stop after this many frames (0 = until interrupted)")
	f.StringSliceVar(&runFlags.skip, "skip", nil, "Optional stages to leave out, e.g. --skip vra,pp")

	f.DurationVar(&runFlags.latency, "latency", 0, "Simulated hardware latency per node call")
	f.Uint64Var(&runFlags.failEvery, "fail-every", 0, "Inject a hardware failure every n-th call (0 = never)")

	f.StringVar(&runFlags.output, "output", "", "Directory to save stage outputs (optional)")
	f.StringVar(&runFlags.format, "format", "png", "Output format for RGBA ports: png or jpeg")
	f.IntVar(&runFlags.jpegQuality, "jpeg-quality", encoder.DefaultQuality, "JPEG quality (1-100)")
	f.StringVar(&runFlags.saveStage, "save-stage", "", "Stage whose outputs are saved (default: last pixel stage of the variant)")

	f.DurationVar(&runFlags.statsInterval, "stats-interval", 5*time.Second, "Statistics reporting interval")
	f.StringVar(&runFlags.metricsAddr, "http-addr", "", "Status server listen address (/healthz, /stats, /geometry, /metrics); overrides CAPTUREPIPE_METRICS_ADDR")
	f.StringVar(&runFlags.mqttBroker, "mqtt-broker", "", "MQTT broker host:port for results; overrides CAPTUREPIPE_MQTT_BROKER")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printBanner(cmd.OutOrStdout(), cfg)

	err = runPipeline(ctx, cmd.OutOrStdout(), cfg, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline failed", zap.Error(err))
		return err
	}
	logger.Info("pipeline stopped gracefully")
	return nil
}

func applyRunFlags(cfg *config.Config) {
	if runFlags.variant != "" {
		cfg.Pipeline.Variant = runFlags.variant
	}
	if runFlags.params != "" {
		cfg.Geometry.ParamsFile = runFlags.params
	}
	if runFlags.metricsAddr != "" {
		cfg.Metrics.Addr = runFlags.metricsAddr
	}
	if runFlags.mqttBroker != "" {
		cfg.MQTT.Broker = runFlags.mqttBroker
	}
}

// buildBackends returns the simulated backends minus the skipped stages.
func buildBackends() (capturepipe.Backends, error) {
	backends := capturepipe.Simulated(capturepipe.SimOptions{
		Latency:   runFlags.latency,
		FailEvery: runFlags.failEvery,
		JPEG:      encoder.Options{Quality: runFlags.jpegQuality},
	})
	for _, name := range runFlags.skip {
		id, err := factory.ParseStage(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		delete(backends, id)
	}
	return backends, nil
}

// defaultSaveStage is the last stage of a variant with pixel outputs.
func defaultSaveStage(v capturepipe.Variant) frame.StageID {
	switch v {
	case capturepipe.VariantReprocessing:
		return factory.StageJPEG
	case capturepipe.VariantVision:
		return factory.StageSensor
	default:
		return factory.StageMCSC
	}
}

func runPipeline(ctx context.Context, out io.Writer, cfg *config.Config, logger *zap.Logger) error {
	// 1. Metrics registry, served only when an address is configured
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Factory
	backends, err := buildBackends()
	if err != nil {
		return err
	}
	f, err := capturepipe.New(cfg, backends, logger, m)
	if err != nil {
		return fmt.Errorf("failed to create factory: %w", err)
	}

	// 3. Frame saver (optional)
	c := components{factory: f}
	if runFlags.output != "" {
		stage := defaultSaveStage(f.Variant())
		if runFlags.saveStage != "" {
			if stage, err = factory.ParseStage(runFlags.saveStage); err != nil {
				return err
			}
		}
		c.saver, err = NewFrameSaver(runFlags.output, runFlags.format, runFlags.jpegQuality, stage)
		if err != nil {
			return fmt.Errorf("failed to create frame saver: %w", err)
		}
		logger.Info("frame saving enabled",
			zap.String("output_dir", runFlags.output),
			zap.String("format", runFlags.format),
			zap.String("stage", factory.StageName(stage)),
		)
	}

	// 4. Result emitter (optional)
	if cfg.MQTT.Broker != "" {
		c.emitter = emitter.NewMQTTEmitter(cfg.MQTT, logger)
		if err := c.emitter.Connect(ctx); err != nil {
			return err
		}
		defer c.emitter.Close()
	}

	// 5. Status server (optional), built before anything runs
	srv, err := newStatusServer(cfg, f, reg, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create status server: %w", err)
	}

	// 6. Bring the pipeline up
	if err := capturepipe.BringUp(ctx, f); err != nil {
		return err
	}
	defer func() {
		if err := capturepipe.Shutdown(context.Background(), f); err != nil {
			logger.Warn("shutdown finished with errors", zap.Error(err))
		}
	}()
	logger.Info("pipeline running", zap.Stringer("variant", f.Variant()), zap.Int("stages", len(f.Stages())))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// 7. Producer
	c.feeder = NewFeeder(f, runFlags.fps, runFlags.frames, logger)
	g.Go(func() error {
		if err := c.feeder.Run(gctx); err != nil {
			return err
		}
		if runFlags.frames > 0 {
			waitSettled(gctx, f, c.feeder)
			cancel()
		}
		return nil
	})

	// 8. Consumer
	g.Go(func() error {
		return capturepipe.Drain(gctx, f, func(fr *capturepipe.Frame) error {
			handleCompleted(fr, c, logger)
			return nil
		})
	})

	// 9. Statistics reporter
	if runFlags.statsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, out, runFlags.statsInterval, c)
			return nil
		})
	}

	// 10. Status server
	if srv != nil {
		g.Go(func() error {
			return srv.Run(gctx, cfg.Metrics.Addr)
		})
	}

	err = g.Wait()
	printFinalStats(out, c)
	return err
}

// newStatusServer returns nil when no address is configured.
func newStatusServer(cfg *config.Config, f *capturepipe.Factory, reg *prometheus.Registry, m *metrics.Metrics, logger *zap.Logger) (*server.Server, error) {
	if cfg.Metrics.Addr == "" {
		return nil, nil
	}
	p, err := capturepipe.LoadParams(cfg.Geometry)
	if err != nil {
		return nil, err
	}
	return server.New(server.Options{Pipeline: f, Params: p, Gatherer: reg, Metrics: m, Logger: logger})
}

func handleCompleted(fr *capturepipe.Frame, c components, logger *zap.Logger) {
	if fr.Failed() {
		logger.Debug("frame failed", zap.Uint64("frame", fr.Count()), zap.String("trace_id", fr.TraceID()))
	}
	if c.saver != nil {
		if err := c.saver.SaveFrame(fr); err != nil {
			logger.Warn("failed to save frame", zap.Uint64("frame", fr.Count()), zap.Error(err))
		}
	}
	if c.emitter != nil {
		if err := c.emitter.Publish(fr); err != nil {
			logger.Debug("result not published", zap.Uint64("frame", fr.Count()), zap.Error(err))
		}
	}
}

// waitSettled blocks until every pushed frame was delivered or dropped.
func waitSettled(ctx context.Context, f *capturepipe.Factory, fd *Feeder) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := f.Stats()
		if st.FramesCompleted+st.FramesDropped >= fd.Stats().Pushed && st.Completed == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║              capturepipe - simulated capture run              ║")
	fmt.Fprintf(w, "║                    Version %-34s ║\n", version)
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Variant:         %s\n", cfg.Pipeline.Variant)
	params := cfg.Geometry.ParamsFile
	if params == "" {
		params = "built-in"
	}
	fmt.Fprintf(w, "  Params:          %s\n", params)
	fmt.Fprintf(w, "  Target FPS:      %.2f fps\n", runFlags.fps)
	if runFlags.frames > 0 {
		fmt.Fprintf(w, "  Frame Limit:     %d\n", runFlags.frames)
	}
	fmt.Fprintf(w, "  Queue Depth:     %d (buffers %d)\n", cfg.Pipeline.QueueDepth, cfg.Pipeline.BufferCount)
	if len(runFlags.skip) > 0 {
		fmt.Fprintf(w, "  Skipped Stages:  %s\n", strings.Join(runFlags.skip, ", "))
	}
	if cfg.MQTT.Broker != "" {
		fmt.Fprintf(w, "  MQTT:            %s (%s)\n", cfg.MQTT.Broker, cfg.MQTT.Topic)
	}
	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(w, "  Status Server:   http://%s\n", cfg.Metrics.Addr)
	}
	fmt.Fprintf(w, "  Stats Interval:  %v\n", runFlags.statsInterval)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop gracefully")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)
}
