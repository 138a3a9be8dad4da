package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can react without string matching.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindSystem     ErrorKind = "SYSTEM"
	KindBusiness   ErrorKind = "BUSINESS"
	KindConflict   ErrorKind = "CONFLICT"
	KindTimeout    ErrorKind = "TIMEOUT"
	KindNotFound   ErrorKind = "NOT_FOUND"
)

// Error is the structured error used across the rollout core.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by kind and message so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message && t.Op == ""
}

// Sentinel errors.
var (
	ErrTenantBusy     = &Error{Kind: KindConflict, Message: "tenant busy"}
	ErrRetryExhausted = &Error{Kind: KindBusiness, Message: "retry budget exhausted"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
	ErrStageMismatch  = &Error{Kind: KindValidation, Message: "stage list does not match task"}
	ErrStaleTask      = &Error{Kind: KindConflict, Message: "task changed since it was loaded"}
)

func NewValidationError(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func NewBusinessError(op, message string) error {
	return &Error{Kind: KindBusiness, Op: op, Message: message}
}

func NewSystemError(op string, err error) error {
	return &Error{Kind: KindSystem, Op: op, Err: err}
}

func NewTimeoutError(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// KindOf returns the kind of the first *Error in err's chain, or KindSystem.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindSystem
}

// FailureInfo is the structured failure payload carried by events and stage results.
type FailureInfo struct {
	ErrorType ErrorKind `json:"error_type"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
}

// NewFailureInfo classifies err. Unknown errors are reported as system errors.
func NewFailureInfo(err error) *FailureInfo {
	if err == nil {
		return nil
	}
	info := &FailureInfo{ErrorType: KindOf(err), Message: err.Error()}
	if cause := errors.Unwrap(err); cause != nil {
		info.Cause = cause.Error()
	}
	return info
}
