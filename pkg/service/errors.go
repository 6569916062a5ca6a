package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/penflow/penflow/pkg/generative"
)

// ErrDeadlock signals that no stage is ready while the run is not terminal.
// With a correct task graph this cannot happen; an occurrence is a defect,
// not a recoverable condition, and fails the run.
var ErrDeadlock = errors.New("deadlock detected: no ready stage and run not terminal")

// TransientError wraps a failure worth retrying: timeouts, retryable
// service responses and malformed-but-recoverable output.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError wraps a failure that no retry can fix. It fails the stage,
// and with it the run.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// classifyError maps an attempt failure onto the transient/terminal
// taxonomy. The generative service's own error vocabulary is collapsed
// into the Retryable flag; everything unknown is treated as transient so
// the retry budget, not the taxonomy, decides the outcome.
func classifyError(err error) error {
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return err
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	var svcErr *generative.ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Retryable {
			return &TransientError{Err: err}
		}
		return &TerminalError{Err: err}
	}
	return &TransientError{Err: err}
}

// isTransient reports whether the classified error may be retried.
func isTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
