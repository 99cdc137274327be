package net

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsExpectedCloseError(t *testing.T) {
	assert.False(t, IsExpectedCloseError(nil))
	assert.True(t, IsExpectedCloseError(fmt.Errorf("reading: %w", io.EOF)))
	assert.True(t, IsExpectedCloseError(net.ErrClosed))
	assert.True(t, IsExpectedCloseError(&net.OpError{Op: "write", Err: syscall.EPIPE}))
	assert.True(t, IsExpectedCloseError(syscall.ECONNRESET))
	assert.False(t, IsExpectedCloseError(errors.New("permission denied")))
}
