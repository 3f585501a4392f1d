package controller

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"runqlat_exporter/internal/probe"
)

var (
	// ErrLoad means the BPF object could not be read or was rejected by the kernel.
	ErrLoad = errors.New("load failed")
	// ErrMapNotFound means the object lacks a required map or program.
	ErrMapNotFound = probe.ErrMapNotFound
	// ErrMapMismatch means a map's layout differs from the one expected.
	ErrMapMismatch = probe.ErrMapMismatch
	// ErrAttach means a tracepoint could not be attached.
	ErrAttach = errors.New("attach failed")

	ErrNotAttached = errors.New("controller not attached")
	ErrClosed      = errors.New("controller closed")
)

// SetupError reports a failed setup step. It is fatal and never retried.
type SetupError struct {
	Op     string // "load", "attach" or "open"
	Object string // object file, program or map the step worked on
	Err    error
}

func (e *SetupError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Object, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// setupError classifies err under the sentinel matching op unless it already
// carries a more specific one.
func setupError(op, object string, err error) *SetupError {
	switch {
	case errors.Is(err, ErrMapNotFound), errors.Is(err, ErrMapMismatch),
		errors.Is(err, ErrLoad), errors.Is(err, ErrAttach):
	case op == "attach":
		err = fmt.Errorf("%w: %w", ErrAttach, err)
	default:
		err = fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return &SetupError{Op: op, Object: object, Err: err}
}

// PartialError reports the keys a bulk operation could not apply.
// Keys not listed were applied.
type PartialError struct {
	Op     string
	Failed map[uint32]error
}

func (e *PartialError) Error() string {
	keys := make([]uint32, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d failed", e.Op, len(keys))
	for i, k := range keys {
		if i == 3 {
			fmt.Fprintf(&b, "; ...")
			break
		}
		fmt.Fprintf(&b, "; %d: %v", k, e.Failed[k])
	}
	return b.String()
}

func (e *PartialError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
