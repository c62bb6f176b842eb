// Package buffer defines the buffer/fence contract stages use around every
// transform, and an in-memory bounded pool implementing it.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

var (
	// ErrNotReserved is returned by Acquire for a key that has no pool.
	ErrNotReserved = errors.New("buffer: pool not reserved")

	// ErrDoubleRelease is returned when a buffer is released twice.
	ErrDoubleRelease = errors.New("buffer: released twice")

	// ErrForeign is returned when releasing a buffer the provider did not hand out.
	ErrForeign = errors.New("buffer: not owned by this provider")
)

// Format is the pixel layout of a buffer.
type Format int

const (
	FormatNone Format = iota
	FormatRaw16
	FormatRGBA
	FormatJPEG
	FormatMeta
)

func (f Format) String() string {
	switch f {
	case FormatRaw16:
		return "raw16"
	case FormatRGBA:
		return "rgba"
	case FormatJPEG:
		return "jpeg"
	case FormatMeta:
		return "meta"
	default:
		return "none"
	}
}

// Bytes returns the allocation needed for a frame of the given size.
func (f Format) Bytes(s geometry.Size) int {
	if s.IsZero() {
		return 0
	}
	switch f {
	case FormatRaw16:
		return s.W * s.H * 2
	case FormatRGBA:
		return s.W * s.H * 4
	case FormatJPEG:
		// Worst-case compressed size; encoders report the used length.
		return s.W*s.H*3/2 + 1024
	default:
		return 0
	}
}

// Key identifies one stage output port pool.
type Key struct {
	Stage string
	Port  int
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Stage, k.Port) }

// Spec describes the buffers of one pool.
type Spec struct {
	Count  int
	Size   geometry.Size
	Format Format
}

// Buffer is one image buffer handed from producer to consumer. Data is owned
// by whichever stage currently holds the frame.
type Buffer struct {
	Index  int
	Key    Key
	Size   geometry.Size
	Format Format
	Data   []byte

	// Len is the number of valid bytes in Data (compressed formats).
	Len int

	Fence *Fence

	owner *Pool
	inUse bool
	bufMu sync.Mutex
}

// Bytes returns the valid portion of Data.
func (b *Buffer) Bytes() []byte {
	if b.Len > 0 && b.Len <= len(b.Data) {
		return b.Data[:b.Len]
	}
	return b.Data
}

// Provider hands out buffers and synchronisation fences to stages.
type Provider interface {
	// Reserve creates or resizes the pool for key.
	Reserve(key Key, spec Spec) error

	// Acquire blocks until a buffer of the pool is free or ctx is done.
	Acquire(ctx context.Context, key Key) (*Buffer, error)

	// Release returns a buffer to its pool.
	Release(b *Buffer) error

	// Wait blocks until the buffer's fence is signalled or ctx is done.
	Wait(ctx context.Context, b *Buffer) error
}

// Fence signals that a producer finished writing a buffer.
type Fence struct {
	once sync.Once
	ch   chan struct{}
}

// NewFence returns an unsignalled fence.
func NewFence() *Fence { return &Fence{ch: make(chan struct{})} }

// Signal marks the fence done. Safe to call more than once.
func (f *Fence) Signal() { f.once.Do(func() { close(f.ch) }) }

// Signaled reports whether Signal was called.
func (f *Fence) Signaled() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the fence is signalled or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("buffer: fence wait: %w", ctx.Err())
	}
}
