package factory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/params"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

// smallParams is a 320x240 sensor so end-to-end runs stay cheap.
const smallParams = `
sensor: {name: test, size: {w: 320, h: 240}}
alignment: {w: 16, h: 2}
limits: {max_upscale: 8, max_downscale: 16}
ratio: "4:3"
zoom: 1.0
size_tables:
  preview:
    - {ratio: "4:3", bns: {w: 320, h: 240}, bayer_crop: {w: 320, h: 240}, bds: {w: 320, h: 240}}
  reprocessing:
    - {ratio: "4:3", bns: {w: 320, h: 240}, bayer_crop: {w: 320, h: 240}, bds: {w: 320, h: 240}}
  vision:
    - {ratio: "4:3", bns: {w: 320, h: 240}, bayer_crop: {w: 320, h: 240}, bds: {w: 320, h: 240}}
taps:
  preview:
    - {name: preview, target: {w: 160, h: 120}}
    - {name: video, target: {w: 320, h: 240}}
    - {name: callback, target: {w: 64, h: 48}}
    - {name: ds, target: {w: 32, h: 24}, source: preview}
  reprocessing:
    - {name: still, target: {w: 320, h: 240}}
    - {name: thumbnail, target: {w: 80, h: 60}, source: still}
  vision:
    - {name: ds, target: {w: 64, h: 48}}
`

func testParams(t *testing.T) *params.Static {
	t.Helper()
	p, err := params.Parse([]byte(smallParams))
	require.NoError(t, err)
	return p
}

func newFactory(t *testing.T, v Variant, backends Backends) *Factory {
	t.Helper()
	f, err := New(Options{
		Variant:     v,
		Backends:    backends,
		Params:      testParams(t),
		BufferCount: 4,
		WaitTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Destroy(context.Background()) })
	return f
}

func bringUp(t *testing.T, f *Factory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.Create(ctx))
	require.NoError(t, f.InitPipes(ctx))
	require.NoError(t, f.PreparePipes(ctx))
	require.NoError(t, f.StartPipes(ctx))
	require.Equal(t, StateRun, f.State())
}

// runFrames pushes n frames and returns them as they complete, recycling
// their buffers once the check function has seen them.
func runFrames(t *testing.T, f *Factory, n int, check func(*frame.Frame)) {
	t.Helper()
	go func() {
		for i := 0; i < n; i++ {
			fr, err := f.NextFrame()
			if err != nil {
				t.Errorf("next frame: %v", err)
				return
			}
			if err := f.PushFrame(fr); err != nil {
				t.Errorf("push frame: %v", err)
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		fr, err := f.Completed().WaitAndPop(5 * time.Second)
		require.NoError(t, err, "frame %d never completed", i+1)
		require.True(t, fr.IsComplete())
		if check != nil {
			check(fr)
		}
		require.NoError(t, f.Recycle(fr))
	}
}

// fakeTransform counts lifecycle calls and can fail any of them.
type fakeTransform struct {
	openErr, initErr, deinitErr, runErr error

	opens, inits, deinits, closes atomic.Int32
}

func (t *fakeTransform) Open(context.Context, []int) error {
	t.opens.Add(1)
	return t.openErr
}
func (t *fakeTransform) Configure(pipe.PortConfig) error { return nil }
func (t *fakeTransform) Init(context.Context) error {
	t.inits.Add(1)
	return t.initErr
}
func (t *fakeTransform) Run(context.Context, *pipe.Job) error { return t.runErr }
func (t *fakeTransform) Deinit() error {
	t.deinits.Add(1)
	return t.deinitErr
}
func (t *fakeTransform) Close() error { t.closes.Add(1); return nil }

func fakeBackends(v Variant, fakes map[frame.StageID]*fakeTransform) Backends {
	b := Backends{}
	for _, def := range topologies[v].stages {
		ft := &fakeTransform{}
		fakes[def.id] = ft
		b[def.id] = func(StageInfo) (pipe.Transform, error) { return ft, nil }
	}
	return b
}

// --- Test 1: lifecycle ordering ---

func TestFactory_LifecycleOrder(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, VariantPreview, Simulated(SimOptions{}))

	var te *TransitionError
	err := f.InitPipes(ctx)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateNone, te.From)
	assert.Equal(t, StateInit, te.To)
	assert.ErrorIs(t, f.StartPipes(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, f.StopPipes(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, f.PreparePipes(ctx), ErrState)
	_, err = f.NextFrame()
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, f.Create(ctx))
	assert.ErrorIs(t, f.Create(ctx), ErrInvalidTransition, "same-state request")
	assert.ErrorIs(t, f.StartPipes(ctx), ErrInvalidTransition, "cannot skip init")

	require.NoError(t, f.InitPipes(ctx))
	assert.ErrorIs(t, f.InitPipes(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, f.StartPipes(ctx), ErrNotPrepared)
	require.NoError(t, f.PreparePipes(ctx))

	fr, err := f.NextFrame()
	require.NoError(t, err, "frames can be built once initialised")
	assert.ErrorIs(t, f.PushFrame(fr), ErrState, "but only pushed while running")

	require.NoError(t, f.StartPipes(ctx))
	assert.Equal(t, StateRun, f.State())
	assert.ErrorIs(t, f.StartPipes(ctx), ErrInvalidTransition)

	require.NoError(t, f.StopPipes(ctx))
	assert.Equal(t, StateCreate, f.State())
	for _, id := range f.Stages() {
		p, ok := f.Pipe(id)
		require.True(t, ok)
		assert.Equal(t, pipe.PhaseStopped, p.Phase(), p.Name())
	}

	// Restart without a new Create.
	require.NoError(t, f.InitPipes(ctx))
	require.NoError(t, f.PreparePipes(ctx))
	require.NoError(t, f.StartPipes(ctx))
	runFrames(t, f, 3, nil)

	require.NoError(t, f.Destroy(ctx))
	assert.Equal(t, StateNone, f.State())
	assert.Empty(t, f.Stages())
	require.NoError(t, f.Destroy(ctx), "destroy is idempotent")
}

// --- Test 2: bring-up failures ---

func TestFactory_CreateFailsFast(t *testing.T) {
	ctx := context.Background()
	fakes := map[frame.StageID]*fakeTransform{}
	backends := fakeBackends(VariantPreview, fakes)
	fakes[StageISP].openErr = errors.New("isp node busy")

	f := newFactory(t, VariantPreview, backends)
	err := f.Create(ctx)
	require.Error(t, err)

	var se *pipe.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ISP", se.Name)
	assert.Equal(t, pipe.ErrCategoryBringUp, pipe.Classify(err))

	assert.Equal(t, StateNone, f.State())
	assert.Empty(t, f.Stages(), "no partially built graph is left")
	assert.Equal(t, int32(1), fakes[StageSensor].closes.Load(), "created stages are torn down")
	assert.Equal(t, int32(1), fakes[StageBayer].closes.Load())
	assert.Zero(t, fakes[StageMCSC].opens.Load(), "stages after the failure are never opened")

	// A second attempt after fixing the fault succeeds.
	fakes[StageISP].openErr = nil
	require.NoError(t, f.Create(ctx))
}

func TestFactory_CreateBackendErrors(t *testing.T) {
	ctx := context.Background()

	missing := Simulated(SimOptions{})
	delete(missing, StageISP)
	f := newFactory(t, VariantPreview, missing)
	err := f.Create(ctx)
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.Equal(t, StateNone, f.State())

	failing := Simulated(SimOptions{})
	failing[StageMCSC] = func(StageInfo) (pipe.Transform, error) { return nil, errors.New("no scaler") }
	f = newFactory(t, VariantPreview, failing)
	err = f.Create(ctx)
	var se *pipe.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "MCSC", se.Name)

	_, err = New(Options{Variant: VariantPreview})
	assert.Error(t, err)
	_, err = New(Options{Variant: Variant(42), Backends: Simulated(SimOptions{})})
	assert.Error(t, err)
}

func TestFactory_StartRollsBack(t *testing.T) {
	ctx := context.Background()
	fakes := map[frame.StageID]*fakeTransform{}
	f := newFactory(t, VariantPreview, fakeBackends(VariantPreview, fakes))
	fakes[StageISP].initErr = errors.New("isp firmware load failed")

	require.NoError(t, f.Create(ctx))
	require.NoError(t, f.InitPipes(ctx))
	require.NoError(t, f.PreparePipes(ctx))

	err := f.StartPipes(ctx)
	var se *pipe.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ISP", se.Name)
	assert.Equal(t, StateInit, f.State(), "failed start leaves the factory initialised")

	// Consumers start first: VRA and MCSC were running and are stopped again.
	for _, id := range []frame.StageID{StageVRA, StageMCSC} {
		p, _ := f.Pipe(id)
		assert.Equal(t, pipe.PhaseStopped, p.Phase(), p.Name())
		assert.Equal(t, int32(1), fakes[id].deinits.Load(), p.Name())
	}
	// Producers never started.
	for _, id := range []frame.StageID{StageSensor, StageBayer} {
		assert.Zero(t, fakes[id].inits.Load(), StageName(id))
	}

	fakes[StageISP].initErr = nil
	require.NoError(t, f.StartPipes(ctx))
}

// --- Test 3: stop ---

func TestFactory_StopAggregatesErrors(t *testing.T) {
	ctx := context.Background()
	fakes := map[frame.StageID]*fakeTransform{}
	f := newFactory(t, VariantPreview, fakeBackends(VariantPreview, fakes))
	fakes[StageBayer].deinitErr = errors.New("bayer stream off failed")
	fakes[StageMCSC].deinitErr = errors.New("mcsc stream off failed")
	bringUp(t, f)

	err := f.StopPipes(ctx)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorContains(t, err, "bayer stream off failed")
	assert.ErrorContains(t, err, "mcsc stream off failed")

	assert.Equal(t, StateCreate, f.State())
	for id, ft := range fakes {
		assert.Equal(t, int32(1), ft.deinits.Load(), "%s stopped", StageName(id))
	}
}

// TestFactory_StopWhileBusy stops a pipeline with frames in flight in every
// stage. StopPipes must return promptly and every frame that reaches the
// completion queue must be complete.
func TestFactory_StopWhileBusy(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, VariantPreview, Simulated(SimOptions{Latency: 20 * time.Millisecond}))
	bringUp(t, f)

	// No more frames than buffers per port: nothing recycles until after stop.
	for i := 0; i < 4; i++ {
		fr, err := f.NextFrame()
		require.NoError(t, err)
		require.NoError(t, f.PushFrame(fr))
	}

	done := make(chan error, 1)
	go func() { done <- f.StopPipes(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("StopPipes did not return")
	}

	for _, fr := range f.Completed().Drain() {
		assert.True(t, fr.IsComplete(), "frame %d", fr.Count())
		require.NoError(t, f.Recycle(fr))
	}
	st := f.Stats()
	assert.Equal(t, "create", st.State)
	assert.Equal(t, uint64(4), st.FramesCreated)
	for _, ps := range st.Stages {
		assert.Equal(t, "stopped", ps.Phase, ps.Name)
	}
}

// --- Test 4: end to end ---

func TestFactory_PreviewEndToEnd(t *testing.T) {
	f := newFactory(t, VariantPreview, Simulated(SimOptions{}))
	bringUp(t, f)
	assert.Equal(t, []frame.StageID{StageSensor, StageBayer, StageISP, StageMCSC, StageVRA}, f.Stages())

	var last uint64
	runFrames(t, f, 8, func(fr *frame.Frame) {
		assert.False(t, fr.Failed(), "frame %d", fr.Count())
		assert.Greater(t, fr.Count(), last, "completion order follows submission")
		last = fr.Count()

		mcsc, _ := fr.Entity(StageMCSC)
		assert.Equal(t, frame.EntityDone, mcsc.State)
		assert.Equal(t, []frame.BufferState{
			frame.BufferComplete, frame.BufferComplete, frame.BufferComplete, frame.BufferComplete,
		}, mcsc.Dst)

		v, ok := fr.Meta(VRAMetaKey)
		require.True(t, ok)
		a := v.(Analysis)
		assert.Equal(t, 32, a.Width)
		assert.Equal(t, 24, a.Height)

		ng, ok := fr.NodeGroup(StageMCSC)
		require.True(t, ok)
		require.Len(t, ng.Capture, 4)
		assert.Equal(t, "preview", ng.Capture[3].Source)
	})

	st := f.Stats()
	assert.Equal(t, uint64(8), st.FramesCompleted)
	assert.Zero(t, st.FramesFailed)
	assert.Len(t, st.Stages, 5)
	for key, ps := range st.Pools {
		assert.Equal(t, ps.Count, ps.Free, "pool %s fully recycled", key)
	}
}

func TestFactory_OptionalStages(t *testing.T) {
	t.Run("preview without VRA", func(t *testing.T) {
		backends := Simulated(SimOptions{})
		delete(backends, StageVRA)
		f := newFactory(t, VariantPreview, backends)
		bringUp(t, f)

		assert.Equal(t, []frame.StageID{StageSensor, StageBayer, StageISP, StageMCSC}, f.Stages())
		_, ok := f.Pipe(StageVRA)
		assert.False(t, ok)
		assert.ErrorIs(t, f.SetRequest(StageVRA, true), ErrNotWired)

		runFrames(t, f, 3, func(fr *frame.Frame) {
			assert.False(t, fr.Has(StageVRA))
			assert.False(t, fr.Failed())
		})
	})

	t.Run("unrequested VRA", func(t *testing.T) {
		f := newFactory(t, VariantPreview, Simulated(SimOptions{}))
		bringUp(t, f)
		require.NoError(t, f.SetRequest(StageVRA, false))
		assert.False(t, f.Request(StageVRA))

		runFrames(t, f, 3, func(fr *frame.Frame) {
			vra, ok := fr.Entity(StageVRA)
			require.True(t, ok)
			assert.Equal(t, frame.EntityCreated, vra.State)
			_, ok = fr.Meta(VRAMetaKey)
			assert.False(t, ok)
		})
	})
}

func TestFactory_Reprocessing(t *testing.T) {
	for _, withPP := range []bool{true, false} {
		name := "with PP"
		if !withPP {
			name = "without PP"
		}
		t.Run(name, func(t *testing.T) {
			backends := Simulated(SimOptions{})
			if !withPP {
				delete(backends, StagePP)
			}
			f := newFactory(t, VariantReprocessing, backends)
			bringUp(t, f)

			p, ok := f.Pipe(StageJPEG)
			require.True(t, ok)
			assert.Equal(t, 1, p.Input().Cap(), "encoder is single-shot")

			runFrames(t, f, 2, func(fr *frame.Frame) {
				assert.False(t, fr.Failed())
				jpeg, _ := fr.Entity(StageJPEG)
				assert.Equal(t, frame.EntityDone, jpeg.State)

				main, err := fr.DstBuffer(StageJPEG, 0)
				require.NoError(t, err)
				require.NotNil(t, main.Buffer)
				assert.Equal(t, buffer.FormatJPEG, main.Buffer.Format)
				assert.Equal(t, []byte{0xff, 0xd8}, main.Buffer.Bytes()[:2], "JPEG SOI marker")
			})
		})
	}
}

func TestFactory_Vision(t *testing.T) {
	f := newFactory(t, VariantVision, Simulated(SimOptions{}))
	bringUp(t, f)
	assert.Equal(t, []frame.StageID{StageSensor, StageVRA}, f.Stages())

	runFrames(t, f, 2, func(fr *frame.Frame) {
		assert.False(t, fr.Failed())
		v, ok := fr.Meta(VRAMetaKey)
		require.True(t, ok)
		assert.Equal(t, 320, v.(Analysis).Width, "vision analyses the sensor output directly")
	})
}

// TestFactory_TransformErrorsAreData: a failing stage marks the frame and
// the pipeline keeps running; downstream stages see the errored input.
func TestFactory_TransformErrorsAreData(t *testing.T) {
	backends := Simulated(SimOptions{})
	backends[StageISP] = func(StageInfo) (pipe.Transform, error) {
		return pipe.TransformFunc(func(context.Context, *pipe.Job) error {
			return errors.New("isp watchdog")
		}), nil
	}
	f := newFactory(t, VariantPreview, backends)
	bringUp(t, f)

	runFrames(t, f, 4, func(fr *frame.Frame) {
		assert.True(t, fr.Failed())

		isp, _ := fr.Entity(StageISP)
		assert.Equal(t, frame.EntityError, isp.State)
		assert.ErrorContains(t, isp.Err, "isp watchdog")

		mcsc, _ := fr.Entity(StageMCSC)
		assert.Equal(t, frame.EntityDone, mcsc.State, "accounting succeeds")
		assert.Equal(t, frame.BufferError, mcsc.Src)
		assert.Equal(t, frame.BufferError, mcsc.Dst[0], "payload is unusable")
	})

	st := f.Stats()
	assert.Equal(t, uint64(4), st.FramesFailed)
	assert.Equal(t, "run", st.State)
}

func TestFactory_CompletedQueueFullDrops(t *testing.T) {
	f, err := New(Options{
		Variant:        VariantVision,
		Backends:       Simulated(SimOptions{}),
		Params:         testParams(t),
		BufferCount:    4,
		CompletedDepth: 1,
		WaitTimeout:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer f.Destroy(context.Background())
	bringUp(t, f)

	for i := 0; i < 3; i++ {
		fr, err := f.NextFrame()
		require.NoError(t, err)
		require.NoError(t, f.PushFrame(fr))
	}
	require.Eventually(t, func() bool {
		st := f.Stats()
		return st.FramesCompleted+st.FramesDropped == 3
	}, 5*time.Second, 10*time.Millisecond)

	st := f.Stats()
	assert.Equal(t, uint64(1), st.FramesCompleted)
	assert.Equal(t, uint64(2), st.FramesDropped)
}

func TestFactory_PushFrameVariantMismatch(t *testing.T) {
	f := newFactory(t, VariantVision, Simulated(SimOptions{}))
	bringUp(t, f)

	fr, err := frame.New(1, "preview", nil)
	require.NoError(t, err)
	assert.Error(t, f.PushFrame(fr))
}
