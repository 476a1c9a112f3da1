package mesh

import "fmt"

// Error codes for coordination operations.
const (
	// Arithmetic
	ErrCodeDivideByZero = "DIVIDE_BY_ZERO"

	// Validation
	ErrCodeInvalidArg = "INVALID_ARG"

	// Lookup
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"

	// Field sampling
	ErrCodeFieldExpired = "FIELD_EXPIRED"

	// Topology
	ErrCodeNeighborLost = "NEIGHBOR_LOST"

	// Consensus
	ErrCodeNoQuorum  = "NO_QUORUM"
	ErrCodeInhibited = "INHIBITED"

	// Resource
	ErrCodeBusy    = "BUSY"
	ErrCodeTimeout = "TIMEOUT"
)

// Error is the recoverable error type of the coordination core. No
// condition in this package is fatal to the process: callers always get
// a well-defined value or an Error they can inspect by code.
type Error struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates an Error with a code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsCode reports whether err is a mesh Error with the given code.
func IsCode(err error, code string) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// Common constructors.

func errDivideByZero() *Error {
	return NewError(ErrCodeDivideByZero, "fixed-point division by zero")
}

func errInvalidArg(message string) *Error {
	return NewError(ErrCodeInvalidArg, message)
}

func errNotFound(what string, id ModuleID) *Error {
	return NewError(ErrCodeNotFound, what+" not found").WithContext("id", id)
}

func errFieldExpired(source ModuleID, elapsed TimeMicros) *Error {
	return NewError(ErrCodeFieldExpired, "field older than 5 tau").
		WithContext("source", source).
		WithContext("elapsed_us", elapsed)
}
