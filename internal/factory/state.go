package factory

import (
	"errors"
	"fmt"
)

// State is the factory-wide lifecycle state.
//
//	None ─Create─▶ Create ─InitPipes─▶ Init ─StartPipes─▶ Run
//	                  ▲                                    │
//	                  └──────────────StopPipes─────────────┘
//
// Destroy returns to None from any state.
type State int

const (
	StateNone State = iota
	StateCreate
	StateInit
	StateRun
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateCreate:
		return "create"
	case StateInit:
		return "init"
	case StateRun:
		return "run"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidTransition is wrapped by every TransitionError.
	ErrInvalidTransition = errors.New("factory: invalid state transition")

	// ErrState is returned by frame operations called in a state that does
	// not allow them.
	ErrState = errors.New("factory: operation not allowed in current state")

	// ErrNoBackend is returned by Create when a required stage has no backend.
	ErrNoBackend = errors.New("factory: no backend for stage")

	// ErrNotWired is returned for stage lookups on stages the variant does not use.
	ErrNotWired = errors.New("factory: stage not wired")

	// ErrNotPrepared is returned by StartPipes before PreparePipes.
	ErrNotPrepared = errors.New("factory: buffers not prepared")

	// ErrPortMismatch is returned when a consumer reads outside its producer's output.
	ErrPortMismatch = errors.New("factory: producer output does not cover consumer input")
)

// allowed lists the states each state may move to. Same-state moves are
// never allowed.
var allowed = map[State][]State{
	StateNone:   {StateCreate},
	StateCreate: {StateInit},
	StateInit:   {StateRun},
	StateRun:    {StateCreate},
}

func canMove(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports a lifecycle call made out of order.
type TransitionError struct {
	Op   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("factory: %s: cannot move from %s to %s", e.Op, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
