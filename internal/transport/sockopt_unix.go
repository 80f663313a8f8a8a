//go:build unix

package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"rdp/internal/config"
)

// bind opens the socket with opts applied in Control, before bind(2), so
// SO_REUSEADDR takes effect.
func bind(ctx context.Context, network, address string, opts config.Socket) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = setSockopts(int(fd), opts)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func setSockopts(fd int, opts config.Socket) error {
	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if opts.ReadBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReadBuffer); err != nil {
			return err
		}
	}
	if opts.WriteBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.WriteBuffer); err != nil {
			return err
		}
	}
	return nil
}
