package portutil

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePortIsUsable(t *testing.T) {
	port, err := AllocatePort()
	require.NoError(t, err)
	require.Greater(t, port, 0)

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	listener.Close()
}

func TestIsOpen(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	assert.True(t, IsOpen(port))

	listener.Close()
	assert.False(t, IsOpen(port))
}

func TestWaitForOpenTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := WaitForOpen(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForOpenSucceedsImmediately(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, WaitForOpen(ctx, port))
}
