package content

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinel(t *testing.T) {
	id := ID{0xab, 0xcd}
	cases := []struct {
		err      *Error
		sentinel error
	}{
		{NewNotFoundError("no peer had it", &id), ErrNotFound},
		{NewVerificationError("bad proof", &id, errors.New("root mismatch")), ErrVerification},
		{NewCapacityError("outside radius", &id), ErrCapacity},
		{NewTimeoutError("no answer", "10.0.0.1:9009"), ErrTimeout},
		{NewProtocolError("bad frame", "10.0.0.1:9009", nil), ErrProtocol},
		{NewTransferError("stream closed", "10.0.0.1:9009", nil), ErrTransferFailed},
	}
	for _, c := range cases {
		t.Run(c.err.Code, func(t *testing.T) {
			wrapped := fmt.Errorf("get: %w", c.err)
			assert.ErrorIs(t, wrapped, c.sentinel)
			for _, other := range []error{ErrNotFound, ErrVerification, ErrCapacity, ErrTimeout, ErrProtocol, ErrTransferFailed} {
				if other != c.sentinel {
					assert.NotErrorIs(t, wrapped, other)
				}
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	id := ID{0xab, 0xcd}
	err := NewVerificationError("bad proof", &id, errors.New("root mismatch"))
	assert.Equal(t, "content error VERIFICATION_FAILED: bad proof (id: abcd000000000000): root mismatch", err.Error())

	err = NewTimeoutError("no answer", "peer-1")
	assert.Equal(t, "content error TIMEOUT: no answer (peer: peer-1)", err.Error())
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("too many keys")
	err := NewTransferError("offer rejected", "peer-1", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransferFailed)
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryableError(NewNotFoundError("gone", nil)))
	assert.True(t, IsRetryableError(fmt.Errorf("wrapped: %w", NewTimeoutError("slow", "p"))))
	assert.False(t, IsRetryableError(NewVerificationError("bad", nil, nil)))
	assert.False(t, IsRetryableError(NewProtocolError("bad", "p", nil)))
	assert.False(t, IsRetryableError(errors.New("plain")))
}
