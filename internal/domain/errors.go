package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the result code carried by acks on the wire.
type ErrorCode int32

const (
	CodeSuccess ErrorCode = iota
	CodeAuthFailed
	CodeRoomNotFound
	CodePermissionDenied
	CodeInvalidRequest
	CodeTimeout
	CodeNegotiationFailed
	CodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeAuthFailed:
		return "AUTH_FAILED"
	case CodeRoomNotFound:
		return "ROOM_NOT_FOUND"
	case CodePermissionDenied:
		return "PERMISSION_DENIED"
	case CodeInvalidRequest:
		return "INVALID_REQUEST"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeNegotiationFailed:
		return "NEGOTIATION_FAILED"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("CODE_%d", int32(c))
	}
}

// PermissionLevel reports codes that no retry can fix.
func (c ErrorCode) PermissionLevel() bool {
	return c == CodeAuthFailed || c == CodePermissionDenied
}

var (
	ErrKeepaliveTimeout = errors.New("keepalive timeout")
	ErrClosed           = errors.New("session closed")
	ErrBackpressure     = errors.New("backpressure")
	ErrNoTransport      = errors.New("no active transport")
)

// SignalingConnectError is a failed dial or a dropped signaling stream.
// It is always retried with backoff.
type SignalingConnectError struct {
	URL string
	Err error
}

func (e *SignalingConnectError) Error() string {
	return fmt.Sprintf("signaling connect %s: %v", e.URL, e.Err)
}

func (e *SignalingConnectError) Unwrap() error { return e.Err }

// JoinRejectedError is fatal: bad credentials or room.
type JoinRejectedError struct {
	Code ErrorCode
}

func (e *JoinRejectedError) Error() string {
	return "join rejected: " + e.Code.String()
}

// NegotiationFailedError is returned once every candidate has failed.
type NegotiationFailedError struct {
	Retryable bool
	Attempts  int
	Last      error
}

func (e *NegotiationFailedError) Error() string {
	return fmt.Sprintf("transport negotiation failed after %d attempts (retryable=%t): %v",
		e.Attempts, e.Retryable, e.Last)
}

func (e *NegotiationFailedError) Unwrap() error { return e.Last }

// PermissionError marks a candidate failure caused by authentication or
// authorization, as opposed to reachability.
type PermissionError struct {
	Code ErrorCode
}

func (e *PermissionError) Error() string { return "permission: " + e.Code.String() }

// IsPermission reports whether err carries a permission-level failure.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// EnvelopeDecodeError drops a single envelope and is never fatal.
type EnvelopeDecodeError struct {
	Tag TypeTag
	Err error
}

func (e *EnvelopeDecodeError) Error() string {
	return fmt.Sprintf("decode envelope %s: %v", e.Tag, e.Err)
}

func (e *EnvelopeDecodeError) Unwrap() error { return e.Err }

// ConstructionError is returned by constructors that yield no instance.
type ConstructionError struct {
	Reason string
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct %s: %v", e.Reason, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }
