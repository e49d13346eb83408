package protocol

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrStatusTransition is returned when a status change is not allowed.
	ErrStatusTransition = errors.New("invalid status transition")
	// ErrUnknownStorageType is returned when no resolver handles a reference's storage.
	ErrUnknownStorageType = errors.New("unknown storage type")
)

// DiscardError marks a message that must be dropped without requeue.
type DiscardError struct {
	Reason string
	Err    error
}

func (e *DiscardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discard: %s: %v", e.Reason, e.Err)
	}
	return "discard: " + e.Reason
}

func (e *DiscardError) Unwrap() error { return e.Err }

// Discard builds a DiscardError.
func Discard(reason string) error {
	return &DiscardError{Reason: reason}
}

// DiscardWrap builds a DiscardError around a cause.
func DiscardWrap(reason string, err error) error {
	return &DiscardError{Reason: reason, Err: err}
}

// IsDiscard reports whether err asks for the message to be dropped.
func IsDiscard(err error) bool {
	var d *DiscardError
	return errors.As(err, &d)
}

// ProcessingError is a command-level failure. The request ends in ERROR.
type ProcessingError struct {
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// CommandNotFoundError is returned when a request names a command the plugin
// does not implement.
type CommandNotFoundError struct {
	Command string
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("Could not find an implementation of command '%s'", e.Command)
}

// Unwrap lets errors.As match a CommandNotFoundError as a ProcessingError.
func (e *CommandNotFoundError) Unwrap() error {
	return &ProcessingError{Message: e.Error()}
}

// FatalError means an invariant was broken and the consumer must stop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError. Nil stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// PanicError is a recovered panic from command code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("command panicked: %v", e.Value)
}

// LogLeveler lets an error choose the level it is logged at.
type LogLeveler interface {
	LogLevel() slog.Level
}

// StackSuppressor lets an error opt out of stack logging.
type StackSuppressor interface {
	SuppressStackTrace() bool
}

// Argumented exposes the arguments an error was constructed with.
type Argumented interface {
	Arguments() []any
}
