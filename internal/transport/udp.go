// Package transport provides the datagram substrate: UDP sockets with tuned
// options and net.PacketConn decorators for loss simulation and tracing.
package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"rdp/internal/config"
)

var ErrUnsupportedNetwork = errors.New("transport: unsupported network")

// CheckNetwork accepts the UDP network names understood by net.ListenPacket.
func CheckNetwork(network string) error {
	switch network {
	case "udp", "udp4", "udp6":
		return nil
	}
	return errors.Wrapf(ErrUnsupportedNetwork, "%q", network)
}

// Resolve resolves address on a UDP network.
func Resolve(network, address string) (*net.UDPAddr, error) {
	if err := CheckNetwork(network); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	return addr, nil
}

// Listen binds a UDP socket and applies opts to it.
func Listen(ctx context.Context, network, address string, opts config.Socket) (*net.UDPConn, error) {
	if err := CheckNetwork(network); err != nil {
		return nil, err
	}
	conn, err := bind(ctx, network, address, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", network, address)
	}
	return conn, nil
}

// ListenFor binds an ephemeral socket in the address family of remote.
func ListenFor(ctx context.Context, remote *net.UDPAddr, opts config.Socket) (*net.UDPConn, error) {
	network := "udp6"
	if remote.IP == nil || remote.IP.To4() != nil {
		network = "udp4"
	}
	return Listen(ctx, network, ":0", opts)
}
