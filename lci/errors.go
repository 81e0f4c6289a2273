package lci

import (
	"errors"
	"fmt"
)

var (
	// ErrRetry indicates a resource was temporarily exhausted. No state was
	// changed and the caller may retry the operation after driving progress.
	ErrRetry = errors.New("lci: resource temporarily unavailable")
	// ErrProtocolViolation indicates a caller bug such as a duplicate deposit,
	// a double release or destroying a completion object that is still in use.
	ErrProtocolViolation = errors.New("lci: protocol violation")
	// ErrClosed indicates the runtime, pool or completion object has been closed.
	ErrClosed = errors.New("lci: closed")
	// ErrTruncated indicates a message was larger than the posted receive buffer.
	ErrTruncated = errors.New("lci: message truncated")
	// ErrCanceled indicates the operation was withdrawn before it matched.
	ErrCanceled = errors.New("lci: operation canceled")
	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("lci: invalid argument")
	// ErrRemoteRegistration indicates the receiver could not register its
	// buffer for a rendezvous transfer.
	ErrRemoteRegistration = errors.New("lci: remote memory registration failed")
	// ErrNoRemoteCompletion indicates a message put reached an endpoint with
	// no Default completion.
	ErrNoRemoteCompletion = errors.New("lci: target endpoint has no default completion")
)

// Retryable conditions.
var (
	ErrPoolExhausted = fmt.Errorf("%w: packet pool exhausted", ErrRetry)
	ErrTableFull     = fmt.Errorf("%w: match table bucket chain full", ErrRetry)
	ErrArchiveFull   = fmt.Errorf("%w: context archive full", ErrRetry)
	ErrBacklogged    = fmt.Errorf("%w: backlog queue not empty", ErrRetry)
	ErrDeviceBusy    = fmt.Errorf("%w: device queue full", ErrRetry)
)

// Protocol violations.
var (
	ErrDuplicateDeposit  = fmt.Errorf("%w: duplicate deposit for key", ErrProtocolViolation)
	ErrDoubleRelease     = fmt.Errorf("%w: packet released twice", ErrProtocolViolation)
	ErrForeignPacket     = fmt.Errorf("%w: packet does not belong to this pool", ErrProtocolViolation)
	ErrCompletionBusy    = fmt.Errorf("%w: completion has outstanding operations", ErrProtocolViolation)
	ErrQueueFull         = fmt.Errorf("%w: completion queue full", ErrProtocolViolation)
	ErrSyncOverflow      = fmt.Errorf("%w: synchronizer signaled past its threshold", ErrProtocolViolation)
	ErrAlreadyMatched    = fmt.Errorf("%w: operation already matched", ErrProtocolViolation)
	ErrIllegalTransition = fmt.Errorf("%w: illegal operation state transition", ErrProtocolViolation)
	ErrUnknownContext    = fmt.Errorf("%w: completion context not found", ErrProtocolViolation)
)

// IsRetry reports whether err is a retryable backpressure condition.
func IsRetry(err error) bool {
	return errors.Is(err, ErrRetry)
}

// IsProtocolViolation reports whether err signals a caller bug.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

// ProtocolError annotates a protocol violation with the operation and match key
// that triggered it.
type ProtocolError struct {
	Op  string
	Key Key
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("lci %s (key %s): %v", e.Op, e.Key, e.Err)
}

// Unwrap allows errors.Is / errors.As to match against the underlying sentinel.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
