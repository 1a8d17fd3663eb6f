package content

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks. Every *Error matches the sentinel of its Code.
var (
	ErrNotFound       = errors.New("content not found")
	ErrVerification   = errors.New("content verification failed")
	ErrCapacity       = errors.New("content store capacity exceeded")
	ErrTimeout        = errors.New("peer timed out")
	ErrProtocol       = errors.New("protocol error")
	ErrTransferFailed = errors.New("transfer failed")
)

// Error codes for content operations
const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeVerification   = "VERIFICATION_FAILED"
	ErrCodeCapacity       = "CAPACITY"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeProtocol       = "PROTOCOL"
	ErrCodeTransferFailed = "TRANSFER_FAILED"
)

// Error carries the context of a failed content operation
type Error struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	ID        *ID       `json:"id,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("content error %s: %s", e.Code, e.Message)
	if e.ID != nil {
		msg += fmt.Sprintf(" (id: %s)", e.ID.String()[:16])
	}
	if e.Peer != "" {
		msg += fmt.Sprintf(" (peer: %s)", e.Peer)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel error for the error's code
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Code) == target
}

// IsRetryable returns whether this error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

func sentinelFor(code string) error {
	switch code {
	case ErrCodeNotFound:
		return ErrNotFound
	case ErrCodeVerification:
		return ErrVerification
	case ErrCodeCapacity:
		return ErrCapacity
	case ErrCodeTimeout:
		return ErrTimeout
	case ErrCodeProtocol:
		return ErrProtocol
	case ErrCodeTransferFailed:
		return ErrTransferFailed
	default:
		return nil
	}
}

// NewNotFoundError reports a lookup that exhausted its candidates
func NewNotFoundError(message string, id *ID) *Error {
	return &Error{
		Code:      ErrCodeNotFound,
		Message:   message,
		ID:        id,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// NewVerificationError reports content that failed its proof
func NewVerificationError(message string, id *ID, cause error) *Error {
	return &Error{
		Code:      ErrCodeVerification,
		Message:   message,
		ID:        id,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewCapacityError reports an item the local store could not admit
func NewCapacityError(message string, id *ID) *Error {
	return &Error{
		Code:      ErrCodeCapacity,
		Message:   message,
		ID:        id,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError reports an unresponsive peer
func NewTimeoutError(message string, peer string) *Error {
	return &Error{
		Code:      ErrCodeTimeout,
		Message:   message,
		Peer:      peer,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// NewProtocolError reports a malformed message or payload
func NewProtocolError(message string, peer string, cause error) *Error {
	return &Error{
		Code:      ErrCodeProtocol,
		Message:   message,
		Peer:      peer,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewTransferError reports a failed OFFER or stream transfer
func NewTransferError(message string, peer string, cause error) *Error {
	return &Error{
		Code:      ErrCodeTransferFailed,
		Message:   message,
		Peer:      peer,
		Timestamp: time.Now(),
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryableError checks if an error suggests retrying
func IsRetryableError(err error) bool {
	var contentErr *Error
	if errors.As(err, &contentErr) {
		return contentErr.Retryable
	}
	return false
}
