// Package status implements errors returned by grpclib. Every error
// produced by this module, on either side of an RPC, is convertible to a
// *Status via status.FromError; the terminal outcome of every stream is
// exactly one Status (spec invariant: one terminal status observed exactly
// once by each side).
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/c-ryan747/grpclib/codes"
)

// Status represents an RPC status, made of a code, a message and optional
// binary details. It is the wire-level terminal outcome of a stream: a
// trailers-only or trailing-metadata Status is sent on every gRPC stream
// exactly once.
type Status struct {
	code    codes.Code
	message string
	details []byte
}

// New returns a Status representing c and msg.
func New(c codes.Code, msg string) *Status {
	return &Status{code: c, message: msg}
}

// Newf returns New(c, fmt.Sprintf(format, a...)).
func Newf(c codes.Code, format string, a ...interface{}) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

// WithDetails returns a shallow copy of s carrying the given binary status
// details (spec §3: "optional binary status-details bytes", wired on the
// wire as grpc-status-details-bin).
func (s *Status) WithDetails(details []byte) *Status {
	if s == nil {
		return nil
	}
	return &Status{code: s.code, message: s.message, details: details}
}

// Code returns the status code.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns the status message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Details returns the raw status-details-bin payload, if any.
func (s *Status) Details() []byte {
	if s == nil {
		return nil
	}
	return s.details
}

// Err returns an immutable error representing s; if s.Code() is OK, Err
// returns nil.
func (s *Status) Err() error {
	if s.Code() == codes.OK {
		return nil
	}
	return &statusError{s}
}

// Equal reports whether s and o represent the same Status.
func (s *Status) Equal(o *Status) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.code == o.code && s.message == o.message
}

type statusError struct {
	s *Status
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.s.Code(), e.s.Message())
}

func (e *statusError) GRPCStatus() *Status {
	return e.s
}

// Error returns an error representing c and msg. If c is OK, returns nil.
func Error(c codes.Code, msg string) error {
	return New(c, msg).Err()
}

// Errorf returns Error(c, fmt.Sprintf(format, a...)).
func Errorf(c codes.Code, format string, a ...interface{}) error {
	return Error(c, fmt.Sprintf(format, a...))
}

// FromError returns a Status representation of err.
//
//   - If err was produced by this package (or wraps such an error), the
//     wrapped Status is returned, ok is true.
//   - If err is nil, an OK Status is returned, ok is true.
//   - Otherwise a Status with code Unknown and err.Error() as its message is
//     returned, ok is false. Per spec §7, it is up to the caller (normally
//     the server engine) to decide whether to keep or discard the message
//     text before putting it on the wire.
func FromError(err error) (s *Status, ok bool) {
	if err == nil {
		return nil, true
	}
	var se interface{ GRPCStatus() *Status }
	if errors.As(err, &se) {
		return se.GRPCStatus(), true
	}
	return New(codes.Unknown, err.Error()), false
}

// Convert is a convenience function which removes the need to handle the
// boolean return value from FromError.
func Convert(err error) *Status {
	s, _ := FromError(err)
	return s
}

// Code returns the Code of the error if it is a Status error or has a
// GRPCStatus() method, or codes.OK if err is nil, or codes.Unknown
// otherwise.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return Convert(err).Code()
}

// FromContextError converts a context error into a Status, mapping
// context.DeadlineExceeded and context.Canceled to their matching gRPC
// codes (spec §4.2: deadlines and cancellation composition).
func FromContextError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return Error(codes.Canceled, err.Error())
	default:
		return Error(codes.Unknown, err.Error())
	}
}
