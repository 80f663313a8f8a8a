//go:build unix

package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"rdp/internal/config"
)

func TestSocketOptions(t *testing.T) {
	r := require.New(t)
	conn, err := Listen(context.Background(), "udp4", "127.0.0.1:0", config.Socket{
		ReuseAddr:   true,
		ReadBuffer:  1 << 16,
		WriteBuffer: 1 << 16,
	})
	r.NoError(err)
	defer conn.Close()

	raw, err := conn.SyscallConn()
	r.NoError(err)

	var reuse, rcvbuf, sndbuf int
	var gerr error
	r.NoError(raw.Control(func(fd uintptr) {
		if reuse, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR); gerr != nil {
			return
		}
		if rcvbuf, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF); gerr != nil {
			return
		}
		sndbuf, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	}))
	r.NoError(gerr)

	r.NotZero(reuse)
	r.GreaterOrEqual(rcvbuf, 1<<16)
	r.GreaterOrEqual(sndbuf, 1<<16)
}
