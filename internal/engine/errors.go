package engine

import (
	"errors"
	"fmt"
)

// ResetToken is the literal confirmation HardReset requires.
const ResetToken = "RESET"

// RuntimeError is an engine-level failure with a stable code for callers
// that branch on it (the CLI maps codes to exit statuses).
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Entity names the entity or procedure involved, if any.
	Entity string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeResetNotConfirmed means HardReset was called without ResetToken.
	ErrCodeResetNotConfirmed RuntimeErrorCode = "RESET_NOT_CONFIRMED"

	// ErrCodeNoLocalCopy means a read fell back to local data and there was
	// none.
	ErrCodeNoLocalCopy RuntimeErrorCode = "NO_LOCAL_COPY"

	// ErrCodeUnknownEntity means a read named an entity the registry lacks.
	ErrCodeUnknownEntity RuntimeErrorCode = "UNKNOWN_ENTITY"

	// ErrCodeStartup means the local store could not be prepared.
	ErrCodeStartup RuntimeErrorCode = "STARTUP_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entity != "" {
		msg = fmt.Sprintf("%s (entity=%s)", msg, e.Entity)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsResetNotConfirmed reports whether err is a refused HardReset.
func IsResetNotConfirmed(err error) bool {
	return hasCode(err, ErrCodeResetNotConfirmed)
}

// IsNoLocalCopy reports whether err is a local read that found nothing.
func IsNoLocalCopy(err error) bool {
	return hasCode(err, ErrCodeNoLocalCopy)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func noLocalCopy(name string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeNoLocalCopy,
		Message: "no cached copy available offline",
		Entity:  name,
	}
}

func unknownEntity(name string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownEntity,
		Message: "entity is not in the registry",
		Entity:  name,
	}
}
