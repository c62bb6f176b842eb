package pipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/imaging"
)

// Device is the hardware node a KindHardware stage drives. Register-level
// details live behind it.
type Device interface {
	Open(ctx context.Context, ids []int) error
	SetFormat(ports PortConfig) error
	StreamOn(ctx context.Context) error
	Process(ctx context.Context, ng geometry.NodeGroup, src *buffer.Buffer, dst []*buffer.Buffer) error
	StreamOff() error
	Close() error
}

// HardwareTransform adapts a Device to the Transform contract.
type HardwareTransform struct {
	dev Device
}

// NewHardware wraps dev.
func NewHardware(dev Device) *HardwareTransform { return &HardwareTransform{dev: dev} }

func (h *HardwareTransform) Open(ctx context.Context, ids []int) error { return h.dev.Open(ctx, ids) }
func (h *HardwareTransform) Configure(ports PortConfig) error          { return h.dev.SetFormat(ports) }
func (h *HardwareTransform) Init(ctx context.Context) error            { return h.dev.StreamOn(ctx) }
func (h *HardwareTransform) Deinit() error                             { return h.dev.StreamOff() }
func (h *HardwareTransform) Close() error                              { return h.dev.Close() }

func (h *HardwareTransform) Run(ctx context.Context, job *Job) error {
	return h.dev.Process(ctx, job.NodeGroup, job.Src, job.Dst)
}

// LoopbackDevice is an in-memory hardware node. RGBA outputs fed by an RGBA
// input are cropped and scaled according to the NodeGroup; RGBA outputs with
// no RGBA input get a test pattern; other formats copy the input bytes.
type LoopbackDevice struct {
	// Latency is added to every Process call.
	Latency time.Duration

	// FailEvery makes every n-th Process call fail (0 disables).
	FailEvery uint64

	mu        sync.Mutex
	ids       []int
	ports     PortConfig
	opened    bool
	streaming bool

	calls atomic.Uint64
}

var _ Device = (*LoopbackDevice)(nil)

func (d *LoopbackDevice) Open(_ context.Context, ids []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return fmt.Errorf("loopback: already open")
	}
	d.ids = append([]int(nil), ids...)
	d.opened = true
	return nil
}

func (d *LoopbackDevice) SetFormat(ports PortConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return fmt.Errorf("loopback: set format on closed device")
	}
	if d.streaming {
		return fmt.Errorf("loopback: set format while streaming")
	}
	d.ports = ports
	return nil
}

func (d *LoopbackDevice) StreamOn(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return fmt.Errorf("loopback: stream on closed device")
	}
	d.streaming = true
	return nil
}

func (d *LoopbackDevice) StreamOff() error {
	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
	return nil
}

func (d *LoopbackDevice) Close() error {
	d.mu.Lock()
	d.opened = false
	d.streaming = false
	d.mu.Unlock()
	return nil
}

// Streaming reports whether StreamOn was called without a matching StreamOff.
func (d *LoopbackDevice) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Calls returns the number of Process calls.
func (d *LoopbackDevice) Calls() uint64 { return d.calls.Load() }

func (d *LoopbackDevice) Process(ctx context.Context, ng geometry.NodeGroup, src *buffer.Buffer, dst []*buffer.Buffer) error {
	n := d.calls.Add(1)

	if !d.Streaming() {
		return fmt.Errorf("loopback: process while not streaming")
	}
	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.FailEvery > 0 && n%d.FailEvery == 0 {
		return fmt.Errorf("loopback: injected failure on call %d", n)
	}

	for i, out := range dst {
		if out == nil {
			continue
		}
		region, ok := ng.Port(i)
		if !ok {
			region = ng.Leader
		}
		if err := d.render(n, region, src, out); err != nil {
			return fmt.Errorf("loopback: port %d: %w", i, err)
		}
	}
	return nil
}

func (d *LoopbackDevice) render(n uint64, region geometry.Region, src, out *buffer.Buffer) error {
	if out.Format != buffer.FormatRGBA {
		if src != nil {
			out.Len = copy(out.Data, src.Bytes())
		}
		return nil
	}

	dstImg, err := imaging.View(out)
	if err != nil {
		return err
	}
	if src == nil || src.Format != buffer.FormatRGBA {
		imaging.Fill(dstImg, n)
		return nil
	}
	srcImg, err := imaging.View(src)
	if err != nil {
		return err
	}

	crop := region.Input
	if crop.Empty() || !crop.Within(src.Size) {
		crop = src.Size.Rect()
	}
	imaging.CropScale(dstImg, srcImg, crop, draw.NearestNeighbor)
	return nil
}
