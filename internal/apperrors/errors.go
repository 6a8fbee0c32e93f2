// Package apperrors defines the error taxonomy shared by intake, queue workers and the flow engine.
//
// Every error that crosses a component boundary is either a plain wrapped error (treated as a
// transient infrastructure failure) or an *Error carrying a Code that tells the caller how to
// react: answer the user, reject at the HTTP boundary, retry, or cancel a flow.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies an application error.
type Code string

const (
	// CodeValidation marks malformed inbound payloads and unparseable answers.
	CodeValidation Code = "VALIDATION"
	// CodeAuthentication marks bad webhook signatures, verify tokens and bearer secrets.
	CodeAuthentication Code = "AUTHENTICATION"
	// CodeTransient marks store, queue and provider outages.
	CodeTransient Code = "TRANSIENT_INFRASTRUCTURE"
	// CodeDefinition marks a flow that references a wizard with no definition.
	CodeDefinition Code = "DEFINITION"
	// CodeCompletionDependency marks a failed downstream KPI, report or artifact call.
	CodeCompletionDependency Code = "COMPLETION_DEPENDENCY"
)

// Error is a structured application error.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	Err       error
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(code Code, retryable bool, message string, err error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// Validation creates a non-retryable validation error. Message is safe to show to end users.
func Validation(message string, err error) *Error {
	return newError(CodeValidation, false, message, err)
}

// Authentication creates a non-retryable authentication error.
func Authentication(message string) *Error {
	return newError(CodeAuthentication, false, message, nil)
}

// Transient creates a retryable infrastructure error.
func Transient(message string, err error) *Error {
	return newError(CodeTransient, true, message, err)
}

// Definition creates a non-retryable flow definition error. Reason is stored on the canceled flow.
func Definition(reason string) *Error {
	return newError(CodeDefinition, false, reason, nil)
}

// CompletionDependency creates an error for a failed downstream completion call.
func CompletionDependency(message string, err error) *Error {
	return newError(CodeCompletionDependency, true, message, err)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether a failed operation may be attempted again.
// Errors outside the taxonomy are assumed to be transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

// UserMessage returns the message of a validation error, or fallback for anything else.
func UserMessage(err error, fallback string) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code == CodeValidation {
		return appErr.Message
	}
	return fallback
}
