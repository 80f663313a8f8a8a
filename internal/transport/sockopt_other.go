//go:build !unix

package transport

import (
	"context"
	"net"

	"rdp/internal/config"
)

// bind opens the socket and sizes its buffers. ReuseAddr is not supported.
func bind(ctx context.Context, network, address string, opts config.Socket) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if opts.WriteBuffer > 0 {
		if err := conn.SetWriteBuffer(opts.WriteBuffer); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
