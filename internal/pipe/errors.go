package pipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/queue"
)

var (
	// ErrInvalidPhase is returned for lifecycle calls out of order.
	ErrInvalidPhase = errors.New("pipe: invalid lifecycle phase")

	// ErrAlreadyRunning is returned by StartThread on a running pipe.
	ErrAlreadyRunning = errors.New("pipe: thread already running")

	// ErrPayload marks a transform that ran but produced unusable output.
	// The entity still reports Done; its output buffers are marked Error.
	ErrPayload = errors.New("pipe: unusable payload")

	// ErrSourceUnusable is recorded when the input buffer arrived in error
	// and the transform was skipped.
	ErrSourceUnusable = errors.New("pipe: source buffer unusable")

	// ErrStopped is recorded on frames drained from a queue during Stop.
	ErrStopped = errors.New("pipe: stopped before processing")

	// ErrNotInitialized is returned by transforms run before Init.
	ErrNotInitialized = errors.New("pipe: transform not initialized")
)

// StageError identifies the stage and lifecycle operation that failed.
type StageError struct {
	Stage frame.StageID
	Name  string
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipe %s (%d): %s: %v", e.Name, e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorCategory classifies errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryConfig indicates geometry or port configuration problems.
	ErrCategoryConfig ErrorCategory = iota
	// ErrCategoryBringUp indicates device/plugin open or init failures.
	ErrCategoryBringUp
	// ErrCategoryTransform indicates a per-frame processing failure.
	ErrCategoryTransform
	// ErrCategoryTimeout indicates a fence, buffer or transform deadline.
	ErrCategoryTimeout
	// ErrCategoryStop indicates teardown failures.
	ErrCategoryStop
	// ErrCategoryUnknown indicates unclassified errors.
	ErrCategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryConfig:
		return "config"
	case ErrCategoryBringUp:
		return "bringup"
	case ErrCategoryTransform:
		return "transform"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Classify maps an error to its category. Sentinels win over the lifecycle
// operation recorded in a StageError.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCategoryTimeout
	case errors.Is(err, geometry.ErrTopology),
		errors.Is(err, geometry.ErrZeroSize),
		errors.Is(err, buffer.ErrNotReserved):
		return ErrCategoryConfig
	case errors.Is(err, ErrPayload),
		errors.Is(err, ErrSourceUnusable):
		return ErrCategoryTransform
	case errors.Is(err, ErrStopped),
		errors.Is(err, queue.ErrClosed):
		return ErrCategoryStop
	}

	var se *StageError
	if errors.As(err, &se) {
		switch se.Op {
		case "create", "start":
			return ErrCategoryBringUp
		case "setup":
			return ErrCategoryConfig
		case "process":
			return ErrCategoryTransform
		case "stop", "destroy":
			return ErrCategoryStop
		}
	}
	return ErrCategoryUnknown
}
