package flow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	full := &Error{Code: ErrCodeSessionAborted, Message: "peer gave up", FlowID: "f1", Session: "s1"}
	assert.Equal(t, "SESSION_ABORTED: peer gave up (flow=f1, session=s1)", full.Error())

	noSession := &Error{Code: ErrCodeCanceled, Message: "canceled by operator", FlowID: "f1"}
	assert.Equal(t, "CANCELED: canceled by operator (flow=f1)", noSession.Error())

	bare := &Error{Code: ErrCodeRetryExhausted, Message: "gave up after 5 attempts"}
	assert.Equal(t, "RETRY_EXHAUSTED: gave up after 5 attempts", bare.Error())
}

func TestIsSessionError(t *testing.T) {
	for _, code := range []ErrorCode{ErrCodeSessionRejected, ErrCodeSessionAborted, ErrCodeSessionClosed} {
		assert.True(t, IsSessionError(&Error{Code: code}), string(code))
	}
	assert.False(t, IsSessionError(&Error{Code: ErrCodeCanceled}))
	assert.False(t, IsSessionError(errors.New("plain")))
	assert.False(t, IsSessionError(nil))

	// Wrapping survives.
	wrapped := fmt.Errorf("run flow: %w", &Error{Code: ErrCodeSessionRejected})
	assert.True(t, IsSessionError(wrapped))
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, IsCanceled(&Error{Code: ErrCodeCanceled}))
	assert.True(t, IsCanceled(fmt.Errorf("await: %w", &Error{Code: ErrCodeCanceled})))
	assert.False(t, IsCanceled(&Error{Code: ErrCodeSessionAborted}))
	assert.False(t, IsCanceled(nil))
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusRunnable.Terminal())
	assert.False(t, StatusSuspended.Terminal())
}
