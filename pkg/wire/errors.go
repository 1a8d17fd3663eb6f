package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
)

// Error is a protocol-level error carried in an ERROR frame
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("%s: %s (retry after %ds)", ErrorCodeName(e.Code), e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", ErrorCodeName(e.Code), e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorMalformed:
		return "MALFORMED"
	case constants.ErrorUnknownKind:
		return "UNKNOWN_KIND"
	case constants.ErrorTooLarge:
		return "TOO_LARGE"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrRateLimit creates a rate limit error with retry-after
func ErrRateLimit(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorRateLimit, "rate limit exceeded", retryAfter)
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrorFrame creates a frame containing an error response to seq
func ErrorFrame(from [32]byte, seq uint64, err *Error) (*Frame, error) {
	return NewFrame(constants.KindError, from, seq, err)
}

// IsErrorFrame checks if a frame contains an error
func IsErrorFrame(frame *Frame) bool {
	return frame.Kind == constants.KindError
}

// ExtractError extracts an Error from an error frame
func ExtractError(frame *Frame) (*Error, error) {
	if !IsErrorFrame(frame) {
		return nil, fmt.Errorf("frame is not an error frame")
	}

	var e Error
	if err := frame.DecodeBody(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
