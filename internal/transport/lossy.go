package transport

import (
	"math/rand/v2"
	"net"
	"sync"

	"go.uber.org/atomic"
)

// DropFunc decides whether an outgoing datagram is discarded.
type DropFunc func(b []byte, addr net.Addr) bool

type LossyConfig struct {
	// Loss is the probability in [0, 1] that an outgoing datagram is dropped.
	Loss float64
	// Duplicate is the probability in [0, 1] that a delivered datagram is sent twice.
	Duplicate float64
	// Drop, when set, is consulted before Loss.
	Drop DropFunc
	Seed uint64
}

// LossyConn simulates an unreliable network on the send side of a
// net.PacketConn. Reads pass through untouched.
type LossyConn struct {
	net.PacketConn

	cfg LossyConfig

	mu  sync.Mutex
	rnd *rand.Rand

	sent       atomic.Uint64
	dropped    atomic.Uint64
	duplicated atomic.Uint64
}

func NewLossyConn(pc net.PacketConn, cfg LossyConfig) *LossyConn {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &LossyConn{
		PacketConn: pc,
		cfg:        cfg,
		rnd:        rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

// WrapLossy returns a decorator suitable for rdp.WithPacketConn.
func WrapLossy(cfg LossyConfig) func(net.PacketConn) net.PacketConn {
	return func(pc net.PacketConn) net.PacketConn {
		return NewLossyConn(pc, cfg)
	}
}

func (l *LossyConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if l.cfg.Drop != nil && l.cfg.Drop(b, addr) {
		l.dropped.Inc()
		return len(b), nil
	}
	if l.chance(l.cfg.Loss) {
		l.dropped.Inc()
		return len(b), nil
	}

	n, err := l.PacketConn.WriteTo(b, addr)
	if err != nil {
		return n, err
	}
	l.sent.Inc()
	if l.chance(l.cfg.Duplicate) {
		if _, err := l.PacketConn.WriteTo(b, addr); err == nil {
			l.duplicated.Inc()
		}
	}
	return n, nil
}

func (l *LossyConn) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64() < p
}

func (l *LossyConn) Sent() uint64       { return l.sent.Load() }
func (l *LossyConn) Dropped() uint64    { return l.dropped.Load() }
func (l *LossyConn) Duplicated() uint64 { return l.duplicated.Load() }
