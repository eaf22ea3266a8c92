// Package portutil provides TCP port allocation and readiness helpers.
package portutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// IsOpen reports whether a TCP connection to 127.0.0.1:port succeeds.
func IsOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitForOpen polls until 127.0.0.1:port accepts TCP connections or the
// context is done. The poll interval is fixed at 500ms.
func WaitForOpen(ctx context.Context, port int) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if IsOpen(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d did not open: %w", port, ctx.Err())
		case <-ticker.C:
		}
	}
}
