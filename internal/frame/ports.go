package frame

import (
	"fmt"
	"sort"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
)

// SrcBuffer returns the input buffer of a stage.
func (f *Frame) SrcBuffer(id StageID) (Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return Port{}, err
	}
	return e.src, nil
}

// SetSrcBuffer attaches an input buffer to a stage.
func (f *Frame) SetSrcBuffer(id StageID, b *buffer.Buffer, state BufferState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return err
	}
	e.src = Port{Buffer: b, State: state}
	return nil
}

// SetSrcBufferState changes the input buffer state only.
func (f *Frame) SetSrcBufferState(id StageID, state BufferState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return err
	}
	e.src.State = state
	return nil
}

// DstBuffer returns one output port of a stage.
func (f *Frame) DstBuffer(id StageID, port int) (Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.dst(id, port)
	if err != nil {
		return Port{}, err
	}
	return *p, nil
}

// SetDstBuffer attaches an output buffer to a port.
func (f *Frame) SetDstBuffer(id StageID, port int, b *buffer.Buffer, state BufferState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.dst(id, port)
	if err != nil {
		return err
	}
	*p = Port{Buffer: b, State: state}
	return nil
}

// SetDstBufferState changes one output port state only.
func (f *Frame) SetDstBufferState(id StageID, port int, state BufferState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.dst(id, port)
	if err != nil {
		return err
	}
	p.State = state
	return nil
}

// SetAllDstBufferState changes the state of every output port of a stage.
func (f *Frame) SetAllDstBufferState(id StageID, state BufferState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(id)
	if err != nil {
		return err
	}
	for i := range e.dst {
		e.dst[i].State = state
	}
	return nil
}

func (f *Frame) dst(id StageID, port int) (*Port, error) {
	e, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if port < 0 || port >= len(e.dst) {
		return nil, fmt.Errorf("%w: %s port %d of %d", ErrNoPort, e.spec.Name, port, len(e.dst))
	}
	return &e.dst[port], nil
}

// Link hands output port `port` of stage `from` to the input of stage `to`.
// A completed producer buffer arrives as Ready; an errored one stays Error so
// the consumer can skip the payload.
func (f *Frame) Link(from StageID, port int, to StageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.dst(from, port)
	if err != nil {
		return err
	}
	consumer, err := f.lookup(to)
	if err != nil {
		return err
	}

	state := p.State
	switch state {
	case BufferComplete:
		state = BufferReady
	case BufferNoReq, BufferRequested, BufferProcessing:
		state = BufferError
	}
	consumer.src = Port{Buffer: p.Buffer, State: state}
	return nil
}

// Buffers returns every distinct buffer attached to the frame, so the owner
// can release them once the frame is done.
func (f *Frame) Buffers() []*buffer.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[*buffer.Buffer]struct{})
	var out []*buffer.Buffer
	add := func(b *buffer.Buffer) {
		if b == nil {
			return
		}
		if _, ok := seen[b]; ok {
			return
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	for _, id := range f.order {
		e := f.entities[id]
		add(e.src.Buffer)
		for _, p := range e.dst {
			add(p.Buffer)
		}
	}
	return out
}

// SetNodeGroup attaches the geometry for one stage.
func (f *Frame) SetNodeGroup(id StageID, ng geometry.NodeGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(id); err != nil {
		return err
	}
	f.nodeGroups[id] = ng
	return nil
}

// NodeGroup returns the geometry for one stage.
func (f *Frame) NodeGroup(id StageID) (geometry.NodeGroup, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ng, ok := f.nodeGroups[id]
	return ng, ok
}

// AttachMeta stores an opaque metadata blob under key.
func (f *Frame) AttachMeta(key string, v any) {
	f.mu.Lock()
	f.meta[key] = v
	f.mu.Unlock()
}

// Meta returns a metadata blob.
func (f *Frame) Meta(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.meta[key]
	return v, ok
}

// MetaKeys returns the keys of every attached blob, sorted.
func (f *Frame) MetaKeys() []string {
	f.mu.Lock()
	keys := make([]string, 0, len(f.meta))
	for k := range f.meta {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	sort.Strings(keys)
	return keys
}
