// Package fault defines the error taxonomy shared by the pipeline stages.
//
// Every stage-local failure is reported as one of three kinds:
//
//   - [TransientIOError]: a collaborator call (STT, LLM, TTS, memory)
//     failed or timed out. The session degrades but keeps running.
//   - [ProtocolViolation]: a collaborator produced out-of-order or duplicate
//     input. The offending item is dropped.
//   - [SessionFatalError]: the session cannot continue (transport gone,
//     resources exhausted). The supervisor tears the session down.
//
// All three work with [errors.As]; [IsTransient] and [IsFatal] are the usual
// entry points.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is matched by every [TransientIOError] whose Timeout flag is set.
var ErrTimeout = errors.New("fault: deadline exceeded")

// TransientIOError reports a failed or timed-out collaborator call.
type TransientIOError struct {
	// Op names the call, e.g. "stream_completion".
	Op string

	// Collaborator is one of "stt", "llm", "tts", "memory", "transport".
	Collaborator string

	// Err is the underlying error. May be nil for pure timeouts.
	Err error

	// Timeout is true when the call exceeded its deadline.
	Timeout bool
}

func (e *TransientIOError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Collaborator, e.Op)
	if e.Timeout {
		msg = fmt.Sprintf("%s %s timed out", e.Collaborator, e.Op)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Is reports timeouts as [ErrTimeout].
func (e *TransientIOError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// Transient wraps err as a [TransientIOError]. A context deadline in err's
// chain marks the result as a timeout. Returns nil when err is nil.
func Transient(collaborator, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientIOError
	if errors.As(err, &te) {
		return err
	}
	return &TransientIOError{
		Op:           op,
		Collaborator: collaborator,
		Err:          err,
		Timeout:      errors.Is(err, context.DeadlineExceeded),
	}
}

// Timeout returns a timeout [TransientIOError] for op.
func Timeout(collaborator, op string) error {
	return &TransientIOError{Op: op, Collaborator: collaborator, Err: context.DeadlineExceeded, Timeout: true}
}

// ProtocolViolation reports input that breaks an ordering or uniqueness
// guarantee.
type ProtocolViolation struct {
	// Stage is the stage that detected the violation.
	Stage string

	// Detail describes what was wrong.
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("%s: protocol violation: %s", e.Stage, e.Detail)
}

// Violation builds a [ProtocolViolation] with a formatted detail.
func Violation(stage, format string, args ...any) error {
	return &ProtocolViolation{Stage: stage, Detail: fmt.Sprintf(format, args...)}
}

// SessionFatalError stops the session it occurs in.
type SessionFatalError struct {
	// Reason is a short label, e.g. "transport_closed".
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *SessionFatalError) Error() string {
	if e.Err == nil {
		return "session fatal: " + e.Reason
	}
	return fmt.Sprintf("session fatal: %s: %v", e.Reason, e.Err)
}

func (e *SessionFatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a [SessionFatalError].
func Fatal(reason string, err error) error {
	return &SessionFatalError{Reason: reason, Err: err}
}

// IsTransient reports whether err contains a [TransientIOError].
func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}

// IsProtocolViolation reports whether err contains a [ProtocolViolation].
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

// IsFatal reports whether err contains a [SessionFatalError].
func IsFatal(err error) bool {
	var fe *SessionFatalError
	return errors.As(err, &fe)
}
