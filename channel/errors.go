package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/takenet/lime-go/envelope"
)

var (
	ErrInvalidState           = errors.New("channel: invalid state for the operation")
	ErrInvalidStateTransition = errors.New("channel: invalid state transition")
	ErrInvalidArgument        = errors.New("channel: invalid argument")
	ErrDuplicateId            = errors.New("channel: a command with the same id is already pending")
	ErrTimeout                = errors.New("channel: timed out")
	ErrCancelled              = errors.New("channel: cancelled")
	ErrChannelClosed          = errors.New("channel: transport closed")
	ErrSessionFailed          = errors.New("channel: session failed")
)

// StateError is returned when an operation is attempted in a session state
// that does not allow it
type StateError struct {
	Op    string
	State envelope.SessionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in the %s state", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// SessionFailedError carries the reason the remote party gave for failing
// the session
type SessionFailedError struct {
	Reason *envelope.Reason
}

func (e *SessionFailedError) Error() string {
	if e.Reason == nil {
		return ErrSessionFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrSessionFailed, e.Reason)
}

func (e *SessionFailedError) Unwrap() error {
	return ErrSessionFailed
}

// UnexpectedSessionError is returned when the remote party answers a session
// step with a state the step cannot continue from
type UnexpectedSessionError struct {
	Op    string
	State envelope.SessionState
}

func (e *UnexpectedSessionError) Error() string {
	return fmt.Sprintf("%s: unexpected %s session", e.Op, e.State)
}

func (e *UnexpectedSessionError) Unwrap() error {
	return ErrInvalidState
}

// ContextError maps a finished context to our timeout or cancellation error,
// keeping the context error in the chain
func ContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
