package strand

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestErrorFormatting(t *testing.T) {
	e := NewFdError("ADD_EVENT", 7, ErrCodeAlreadyRegistered, "direction read already registered")
	msg := e.Error()
	assert.Contains(t, msg, "strand:")
	assert.Contains(t, msg, "op=ADD_EVENT")
	assert.Contains(t, msg, "fd=7")
	assert.Contains(t, msg, "already registered")
}

func TestErrorCodeFallbackMessage(t *testing.T) {
	e := NewError("STOP", ErrCodeWrongThread, "")
	assert.Contains(t, e.Error(), string(ErrCodeWrongThread))
}

func TestErrorsIsAgainstCode(t *testing.T) {
	e := NewError("SCHEDULE", ErrCodeStopped, "schedule after stop")
	assert.True(t, errors.Is(e, ErrCodeStopped))
	assert.False(t, errors.Is(e, ErrCodeTimeout))
}

func TestIsCode(t *testing.T) {
	e := NewError("RESUME", ErrCodeInvalidState, "x")
	assert.True(t, IsCode(e, ErrCodeInvalidState))
	assert.False(t, IsCode(e, ErrCodeCycle))

	wrapped := fmt.Errorf("outer: %w", e)
	assert.True(t, IsCode(wrapped, ErrCodeInvalidState))

	assert.False(t, IsCode(errors.New("plain"), ErrCodeInvalidState))
}

func TestErrnoMapping(t *testing.T) {
	e := NewErrnoError("RECV", 3, unix.ETIMEDOUT)
	assert.Equal(t, ErrCodeTimeout, e.Code)
	assert.True(t, IsErrno(e, unix.ETIMEDOUT))

	e = NewErrnoError("RECV", 3, unix.EBADF)
	assert.Equal(t, ErrCodeClosed, e.Code)

	e = NewErrnoError("RECV", 3, unix.ECONNRESET)
	assert.Equal(t, ErrCodeIO, e.Code)
}

func TestWrapError(t *testing.T) {
	require.Nil(t, WrapError("OP", nil))

	inner := NewFdError("EPOLL_CTL", 9, ErrCodeEpoll, "mod failed")
	outer := WrapError("ADD_EVENT", inner)
	assert.Equal(t, "ADD_EVENT", outer.Op)
	assert.Equal(t, ErrCodeEpoll, outer.Code)
	assert.Equal(t, 9, outer.Fd)

	fromErrno := WrapError("READ", unix.ETIMEDOUT)
	assert.Equal(t, ErrCodeTimeout, fromErrno.Code)
	assert.True(t, errors.Is(fromErrno, unix.ETIMEDOUT))

	plain := WrapError("READ", errors.New("boom"))
	assert.Equal(t, ErrCodeIO, plain.Code)
	assert.Contains(t, plain.Error(), "boom")
}
