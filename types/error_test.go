package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	e := NewError(ErrNodeUnreachable, "node agent did not respond")
	assert.Equal(t, "[NODE_UNREACHABLE] node agent did not respond", e.Error())

	cause := errors.New("dial tcp: i/o timeout")
	e = e.WithCause(cause)
	assert.Contains(t, e.Error(), "i/o timeout")
	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestError_Builders(t *testing.T) {
	e := NewError(ErrNodeAuthFailed, "credential rejected").
		WithHTTPStatus(http.StatusForbidden).
		WithRetryable(false).
		WithNode("node-2")

	assert.Equal(t, http.StatusForbidden, e.HTTPStatus)
	assert.False(t, e.Retryable)
	assert.Equal(t, "node-2", e.NodeID)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrNodeUnreachable, "x").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrValidation, "x")))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrConflict, GetErrorCode(NewError(ErrConflict, "busy")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(fmt.Errorf("wrapped: %w", errors.New("x"))))
}

func TestNodeFailureClassifiers(t *testing.T) {
	conn := NewError(ErrNodeUnreachable, "timeout").WithRetryable(true)
	auth := NewError(ErrNodeAuthFailed, "rejected")

	assert.True(t, IsNodeUnreachable(conn))
	assert.False(t, IsNodeUnreachable(auth))
	assert.True(t, IsNodeAuthFailure(auth))
	assert.False(t, IsNodeAuthFailure(conn))
}
