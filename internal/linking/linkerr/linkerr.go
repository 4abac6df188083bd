// Package linkerr defines the closed error taxonomy of the linking protocol.
//
// The remote callable surface names failures by canonical gRPC status code;
// this package translates those into the small vocabulary the coordinators
// act on, and back again for the serving side.
package linkerr

import (
	"errors"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable linking protocol error code.
type Code string

const (
	// CodeUnauthenticated indicates the caller has no valid identity.
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	// CodeInvalid indicates bad or missing input, including contracts the
	// caller does not own.
	CodeInvalid Code = "INVALID"
	// CodeNotFound indicates the session no longer exists or has expired.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict indicates the session is already claimed by a different identity.
	CodeConflict Code = "CONFLICT"
	// CodeInvalidState indicates the operation is not valid for the session's
	// current state.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeUnknown carries an unmapped backend error with its raw message.
	CodeUnknown Code = "UNKNOWN"
)

// Error is the protocol error type surfaced by the Session Protocol Client.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a protocol error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a protocol error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown when err does
// not carry one.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeUnknown
}

// FromGRPCCode maps a canonical gRPC status code into the taxonomy. Expiry is
// indistinguishable from not-found: the backend reports an expired session as
// DeadlineExceeded, the clients need no separate handling. PermissionDenied
// folds into Invalid because the only permission failure in this protocol is
// operating on a contract or session the caller does not own.
func FromGRPCCode(code codes.Code, message string) *Error {
	switch code {
	case codes.Unauthenticated:
		return New(CodeUnauthenticated, message)
	case codes.InvalidArgument, codes.PermissionDenied:
		return New(CodeInvalid, message)
	case codes.NotFound, codes.DeadlineExceeded:
		return New(CodeNotFound, message)
	case codes.AlreadyExists, codes.Aborted:
		return New(CodeConflict, message)
	case codes.FailedPrecondition:
		return New(CodeInvalidState, message)
	default:
		return New(CodeUnknown, message)
	}
}

// GRPCCode maps a taxonomy code back to its canonical gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthenticated:
		return codes.Unauthenticated
	case CodeInvalid:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeConflict:
		return codes.AlreadyExists
	case CodeInvalidState:
		return codes.FailedPrecondition
	default:
		return codes.Unknown
	}
}

// StatusName returns the canonical wire spelling of a gRPC status code, the
// form the callable protocol places in the error envelope.
func StatusName(code codes.Code) string {
	switch code {
	case codes.OK:
		return "OK"
	case codes.Canceled:
		return "CANCELLED"
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.Aborted:
		return "ABORTED"
	case codes.OutOfRange:
		return "OUT_OF_RANGE"
	case codes.Unimplemented:
		return "UNIMPLEMENTED"
	case codes.Internal:
		return "INTERNAL"
	case codes.Unavailable:
		return "UNAVAILABLE"
	case codes.DataLoss:
		return "DATA_LOSS"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}
