package errors

import (
	"errors"
	"fmt"
)

// AppError represents an application error with additional context
type AppError struct {
	Code     string      `json:"code"`
	Message  string      `json:"message"`
	ExitCode int         `json:"-"`
	Internal error       `json:"-"`
	Details  interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}
	return e.Message
}

// Unwrap returns the internal error for errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Common error codes
const (
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeConfig          = "CONFIG_ERROR"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeDatabase        = "DATABASE_ERROR"
	ErrCodeUnreachable     = "SERVER_UNREACHABLE"
	ErrCodeDocumentLocked  = "DOCUMENT_LOCKED"
	ErrCodeAnnotationParse = "ANNOTATION_PARSE_ERROR"
	ErrCodeUnresolvable    = "UNRESOLVABLE_IDENTITY"
	ErrCodeNoBaseline      = "NO_BASELINE"
	ErrCodePartialCommit   = "PARTIAL_COMMIT"
	ErrCodeInterrupted     = "INTERRUPTED"
)

// Process exit codes
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// New creates a new AppError
func New(code, message string, exitCode int) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		ExitCode: exitCode,
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, code, message string, exitCode int) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		ExitCode: exitCode,
		Internal: err,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// ExitCodeOf extracts the process exit code for an error
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode
	}
	return ExitFailure
}

// CodeOf extracts the error code for an error
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given error code
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Common error constructors

// Internal creates an internal error
func Internal(message string, err error) *AppError {
	return Wrap(err, ErrCodeInternal, message, ExitFailure)
}

// Config creates a configuration error
func Config(message string, err error) *AppError {
	return Wrap(err, ErrCodeConfig, message, ExitFailure)
}

// ValidationError creates a validation error
func ValidationError(message string, details interface{}) *AppError {
	return New(ErrCodeValidation, message, ExitFailure).WithDetails(details)
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), ExitFailure)
}

// DatabaseError creates a database error
func DatabaseError(message string, err error) *AppError {
	return Wrap(err, ErrCodeDatabase, message, ExitFailure)
}

// Unreachable creates a server unreachable error
func Unreachable(target string, err error) *AppError {
	return Wrap(err, ErrCodeUnreachable,
		fmt.Sprintf("target %s is unreachable", target),
		ExitFailure)
}

// DocumentLocked creates a locked workbook error
func DocumentLocked(path string) *AppError {
	return New(ErrCodeDocumentLocked,
		fmt.Sprintf("workbook %s is open in another program", path),
		ExitFailure)
}

// AnnotationParse creates a workbook parse error
func AnnotationParse(message string, err error) *AppError {
	return Wrap(err, ErrCodeAnnotationParse, message, ExitFailure)
}

// Unresolvable creates an identity resolution error
func Unresolvable(message string) *AppError {
	return New(ErrCodeUnresolvable, message, ExitFailure)
}

// NoBaseline creates an error for cycles started before any bootstrap run
func NoBaseline() *AppError {
	return New(ErrCodeNoBaseline,
		"no completed baseline run exists, run with --bootstrap first",
		ExitFailure)
}

// PartialCommit creates an error describing a partially committed run
func PartialCommit(runID int64, failed []string) *AppError {
	return New(ErrCodePartialCommit,
		fmt.Sprintf("run %d committed partially, failed categories: %v", runID, failed),
		ExitFailure).WithDetails(failed)
}

// Interrupted creates an error for runs cut short by a signal
func Interrupted(runID int64) *AppError {
	return New(ErrCodeInterrupted,
		fmt.Sprintf("run %d interrupted, resume it with the resume command", runID),
		ExitInterrupted)
}
