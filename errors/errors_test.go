package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrapf(ErrOracleFailure, "comparing %s", "abc")

	assert.Contains(t, wrapped.Error(), "comparing abc")
	assert.True(t, IsOracleFailure(wrapped))
	assert.False(t, IsExecutionStart(wrapped))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(ErrExecutionStart, "engine returned 503")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "engine returned 503", details[0])
	assert.True(t, IsExecutionStart(err))
}

func TestNewMalformedQueryError(t *testing.T) {
	cause := New("missing WINDOW clause")
	err := NewMalformedQueryError(cause, "SELECT ?s")

	assert.True(t, IsMalformedQuery(err))
	assert.Contains(t, err.Error(), "missing WINDOW clause")
	assert.Contains(t, FlattenDetails(err), "SELECT ?s")
}

func TestIsHelpersNil(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidRequestError(nil))
	assert.False(t, IsMalformedQuery(nil))
	assert.False(t, IsOracleFailure(nil))
	assert.False(t, IsExecutionStart(nil))
	assert.False(t, IsConnectionClosed(nil))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("audit entry %s", "q1")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "audit entry q1")
}

func TestStdlibWrappingInterop(t *testing.T) {
	// fmt.Errorf %w chains must still match our sentinels
	err := fmt.Errorf("send: %w", ErrConnectionClosed)
	assert.True(t, IsConnectionClosed(err))
}

func TestGetStack(t *testing.T) {
	err := New("with stack")
	assert.NotNil(t, GetStack(err))
}
