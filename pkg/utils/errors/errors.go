package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType classifies an AppError
type ErrorType uint

const (
	// ErrorTypeUnknown represents an unclassified error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeInvalidArgument represents bad input from a caller
	ErrorTypeInvalidArgument
	// ErrorTypeNotFound represents a missing entity
	ErrorTypeNotFound
	// ErrorTypeAlreadyExists represents a duplicate registration
	ErrorTypeAlreadyExists
	// ErrorTypeConfig represents a setup mistake detected at construction time
	ErrorTypeConfig
	// ErrorTypeDataUnavailable represents a failed market-data fetch
	ErrorTypeDataUnavailable
	// ErrorTypeAdvisoryFailure represents a timeout or error from the advisory service
	ErrorTypeAdvisoryFailure
	// ErrorTypeExecutionRejected represents a roll/close that failed its own feasibility check
	ErrorTypeExecutionRejected
	// ErrorTypeInvariantViolation represents a recovered breach of an engine invariant
	ErrorTypeInvariantViolation
	// ErrorTypeInternal represents an internal error
	ErrorTypeInternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeInvalidArgument:
		return "invalid_argument"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeAlreadyExists:
		return "already_exists"
	case ErrorTypeConfig:
		return "config"
	case ErrorTypeDataUnavailable:
		return "data_unavailable"
	case ErrorTypeAdvisoryFailure:
		return "advisory_failure"
	case ErrorTypeExecutionRejected:
		return "execution_rejected"
	case ErrorTypeInvariantViolation:
		return "invariant_violation"
	case ErrorTypeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error returns the error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an untyped error with the given message
func New(message string) error {
	return &AppError{Type: ErrorTypeUnknown, Message: message}
}

// Newf creates an untyped error from a format string
func Newf(format string, args ...interface{}) error {
	return &AppError{Type: ErrorTypeUnknown, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a message, keeping the type of the innermost AppError
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Type: TypeOf(err), Message: message, Err: err}
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WithType wraps err so that TypeOf reports errType
func WithType(err error, errType ErrorType) error {
	if err == nil {
		return nil
	}
	return &AppError{Type: errType, Message: err.Error(), Err: err}
}

// TypeOf returns the type of the first AppError in err's chain
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err carries the given type
func IsType(err error, errType ErrorType) bool {
	return err != nil && TypeOf(err) == errType
}

// Is reports whether err or any of the errors in its chain is target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

func typed(t ErrorType) func(string) error {
	return func(message string) error {
		return &AppError{Type: t, Message: message}
	}
}

var (
	// InvalidArgument creates a new InvalidArgument error
	InvalidArgument = typed(ErrorTypeInvalidArgument)
	// NotFound creates a new NotFound error
	NotFound = typed(ErrorTypeNotFound)
	// AlreadyExists creates a new AlreadyExists error
	AlreadyExists = typed(ErrorTypeAlreadyExists)
	// Config creates a new Config error
	Config = typed(ErrorTypeConfig)
	// ExecutionRejected creates a new ExecutionRejected error
	ExecutionRejected = typed(ErrorTypeExecutionRejected)
	// Internal creates a new Internal error
	Internal = typed(ErrorTypeInternal)
)

// DataUnavailable wraps a market-data failure for symbol
func DataUnavailable(symbol string, err error) error {
	return &AppError{
		Type:    ErrorTypeDataUnavailable,
		Message: "market data unavailable for " + symbol,
		Err:     err,
	}
}

// AdvisoryFailure wraps an advisory-service failure
func AdvisoryFailure(err error) error {
	return &AppError{
		Type:    ErrorTypeAdvisoryFailure,
		Message: "advisory call failed",
		Err:     err,
	}
}

// Sentinel errors shared across packages
var (
	ErrNotFound    = stderrors.New("not found")
	ErrUnavailable = stderrors.New("service unavailable")
	ErrTimeout     = stderrors.New("timeout")
)
