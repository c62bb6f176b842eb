package frame

// EntityState is the per-stage processing state of a frame.
//
//	Created ─▶ Requested ─▶ Processing ─▶ Done
//	               │             │
//	               └─────────────┴──────▶ Error
//
// Done and Error are terminal.
type EntityState int

const (
	EntityCreated EntityState = iota
	EntityRequested
	EntityProcessing
	EntityDone
	EntityError
)

func (s EntityState) String() string {
	switch s {
	case EntityCreated:
		return "CREATED"
	case EntityRequested:
		return "REQUESTED"
	case EntityProcessing:
		return "PROCESSING"
	case EntityDone:
		return "DONE"
	case EntityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is allowed.
func (s EntityState) Terminal() bool { return s == EntityDone || s == EntityError }

var entityTransitions = map[EntityState][]EntityState{
	EntityCreated:    {EntityRequested},
	EntityRequested:  {EntityProcessing, EntityError},
	EntityProcessing: {EntityDone, EntityError},
}

func (s EntityState) canMoveTo(next EntityState) bool {
	for _, allowed := range entityTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BufferState is the per-port payload state. It is tracked independently of
// EntityState: an entity can be Done while one of its buffers is Error.
type BufferState int

const (
	BufferNoReq BufferState = iota
	BufferRequested
	BufferReady
	BufferProcessing
	BufferComplete
	BufferError
)

func (s BufferState) String() string {
	switch s {
	case BufferNoReq:
		return "NOREQ"
	case BufferRequested:
		return "REQUESTED"
	case BufferReady:
		return "READY"
	case BufferProcessing:
		return "PROCESSING"
	case BufferComplete:
		return "COMPLETE"
	case BufferError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Kind says which sides of a stage carry buffers.
type Kind int

const (
	KindInputOutput Kind = iota
	KindInputOnly
	KindOutputOnly
)

func (k Kind) String() string {
	switch k {
	case KindInputOnly:
		return "input-only"
	case KindOutputOnly:
		return "output-only"
	default:
		return "input-output"
	}
}
