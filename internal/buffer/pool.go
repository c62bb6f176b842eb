package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool is an in-memory Provider with one bounded pool per key.
type Pool struct {
	mu    sync.RWMutex
	pools map[Key]*slots
}

type slots struct {
	spec     Spec
	free     chan *Buffer
	all      []*Buffer
	acquired atomic.Uint64
	waits    atomic.Uint64
}

var _ Provider = (*Pool)(nil)

// PoolStats is a snapshot of one pool.
type PoolStats struct {
	Count    int
	Free     int
	Acquired uint64
	Waits    uint64
}

// NewPool returns an empty pool set.
func NewPool() *Pool {
	return &Pool{pools: make(map[Key]*slots)}
}

// Reserve allocates spec.Count buffers for key. Reserving an existing key
// replaces its pool; buffers still held from the old pool are dropped on release.
func (p *Pool) Reserve(key Key, spec Spec) error {
	if spec.Count <= 0 {
		return fmt.Errorf("buffer: reserve %s: count must be positive, got %d", key, spec.Count)
	}

	s := &slots{spec: spec, free: make(chan *Buffer, spec.Count)}
	for i := 0; i < spec.Count; i++ {
		b := &Buffer{
			Index:  i,
			Key:    key,
			Size:   spec.Size,
			Format: spec.Format,
			Data:   make([]byte, spec.Format.Bytes(spec.Size)),
			owner:  p,
		}
		s.all = append(s.all, b)
		s.free <- b
	}

	p.mu.Lock()
	p.pools[key] = s
	p.mu.Unlock()
	return nil
}

// Acquire implements Provider. The returned buffer carries a fresh
// unsignalled fence.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Buffer, error) {
	p.mu.RLock()
	s, ok := p.pools[key]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotReserved, key)
	}

	var b *Buffer
	select {
	case b = <-s.free:
	default:
		s.waits.Add(1)
		select {
		case b = <-s.free:
		case <-ctx.Done():
			return nil, fmt.Errorf("buffer: acquire %s: %w", key, ctx.Err())
		}
	}

	b.bufMu.Lock()
	b.inUse = true
	b.Len = 0
	b.Fence = NewFence()
	b.bufMu.Unlock()

	s.acquired.Add(1)
	return b, nil
}

// Release implements Provider.
func (p *Pool) Release(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.owner != p {
		return ErrForeign
	}

	b.bufMu.Lock()
	if !b.inUse {
		b.bufMu.Unlock()
		return fmt.Errorf("%w: %s#%d", ErrDoubleRelease, b.Key, b.Index)
	}
	b.inUse = false
	b.bufMu.Unlock()

	p.mu.RLock()
	s, ok := p.pools[b.Key]
	p.mu.RUnlock()
	if !ok || b.Index >= len(s.all) || s.all[b.Index] != b {
		// Pool was re-reserved while the buffer was out.
		return nil
	}

	s.free <- b
	return nil
}

// Wait implements Provider. Buffers without a fence are ready.
func (p *Pool) Wait(ctx context.Context, b *Buffer) error {
	if b == nil || b.Fence == nil {
		return nil
	}
	return b.Fence.Wait(ctx)
}

// Stats returns a snapshot per key.
func (p *Pool) Stats() map[Key]PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[Key]PoolStats, len(p.pools))
	for k, s := range p.pools {
		out[k] = PoolStats{
			Count:    s.spec.Count,
			Free:     len(s.free),
			Acquired: s.acquired.Load(),
			Waits:    s.waits.Load(),
		}
	}
	return out
}
