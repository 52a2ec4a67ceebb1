package base

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusError is the internal error taxonomy (see recognized error codes):
// INVALID_ARGUMENT, NOT_FOUND, ALREADY_EXISTS, RESOURCE_EXHAUSTED,
// FAILED_PRECONDITION, DEADLINE_EXCEEDED, UNAVAILABLE, INTERNAL, UNIMPLEMENTED.
// Every internal component returns one of these instead of a bare error, so
// the CSI dispatcher can map it to a gRPC status without guessing.
type StatusError struct {
	Code    codes.Code
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// GRPCStatus lets status.FromError recognize a *StatusError directly.
func (e *StatusError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

func newStatusError(code codes.Code, format string, args ...interface{}) *StatusError {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.InvalidArgument, format, args...)
}

func NotFound(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.NotFound, format, args...)
}

func AlreadyExists(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.AlreadyExists, format, args...)
}

func ResourceExhausted(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.ResourceExhausted, format, args...)
}

func FailedPrecondition(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.FailedPrecondition, format, args...)
}

func DeadlineExceeded(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.DeadlineExceeded, format, args...)
}

func Unavailable(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.Unavailable, format, args...)
}

func Internal(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.Internal, format, args...)
}

func Unimplemented(format string, args ...interface{}) *StatusError {
	return newStatusError(codes.Unimplemented, format, args...)
}

// CodeOf extracts the StatusError code from err, defaulting to Internal for
// errors that did not originate from this taxonomy.
func CodeOf(err error) codes.Code {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return codes.Internal
}

// ToGRPCError converts any error into a gRPC status error, preserving the
// code when err is (or wraps) a *StatusError.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return status.Error(se.Code, se.Message)
	}
	return status.Error(codes.Internal, err.Error())
}
