package rdp

import (
	"context"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"rdp/internal/config"
	"rdp/internal/logging"
	"rdp/internal/metrics"
	"rdp/internal/packet"
	"rdp/internal/transport"
)

// Listener accepts connections on one shared UDP socket. A single dispatch
// goroutine reads the socket and routes packets to handshakes in progress or
// to established connections.
type Listener struct {
	opts *options
	cfg  config.Options
	log  *logging.Logger
	pc   net.PacketConn
	reg  *registry
	rtt  rttEstimator

	accept  chan *Conn
	closing bool // guarded by reg.mu

	closed   chan struct{}
	stop     chan struct{}
	sockOnce sync.Once
	sockDone chan struct{}
	hkDone   chan struct{}
}

// Listen binds address and starts accepting connections on it.
func Listen(network, address string, opts ...Option) (*Listener, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	sock, err := transport.Listen(context.Background(), network, address, o.cfg.Socket)
	if err != nil {
		return nil, err
	}
	l := newListener(o.packetConn(sock), o)
	l.start()
	l.log.Infof("listening on %s", l.Addr())
	return l, nil
}

func newListener(pc net.PacketConn, o *options) *Listener {
	return &Listener{
		opts:     o,
		cfg:      o.cfg,
		log:      o.log.WithField("listener", pc.LocalAddr().String()),
		pc:       pc,
		reg:      newRegistry(),
		rtt:      newRTTEstimator(o.cfg.RTO, o.cfg.MinRTO, o.cfg.MaxRTO),
		accept:   make(chan *Conn, o.cfg.AcceptBacklog),
		closed:   make(chan struct{}),
		stop:     make(chan struct{}),
		sockDone: make(chan struct{}),
		hkDone:   make(chan struct{}),
	}
}

func (l *Listener) start() {
	go l.acceptLoop()
	go l.cleanupLoop()
}

func (l *Listener) Addr() net.Addr {
	return l.pc.LocalAddr()
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.AcceptConn(context.Background())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AcceptConn blocks until a handshake completes, ctx is done or the listener
// is closed.
func (l *Listener) AcceptConn(ctx context.Context) (*Conn, error) {
	select {
	case <-l.closed:
		return nil, ErrListenerClosed
	default:
	}
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Incoming yields accepted connections until ctx is done or the listener is
// closed. The terminating error is yielded once with a nil connection.
func (l *Listener) Incoming(ctx context.Context) iter.Seq2[*Conn, error] {
	return func(yield func(*Conn, error) bool) {
		for {
			c, err := l.AcceptConn(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Close stops accepting and drops handshakes in progress. Connections that
// completed the handshake but were never accepted are reset. Established
// connections keep working; the socket is closed after the last one is
// released.
func (l *Listener) Close() error {
	l.reg.mu.Lock()
	if l.closing {
		l.reg.mu.Unlock()
		return nil
	}
	l.closing = true
	l.reg.clearPending()
	l.reg.mu.Unlock()

	close(l.closed)
	close(l.stop)
	<-l.hkDone

	for drained := false; !drained; {
		select {
		case c := <-l.accept:
			c.abort(ErrListenerClosed)
			c.wg.Wait()
		default:
			drained = true
		}
	}

	l.reg.mu.Lock()
	idle := len(l.reg.established) == 0
	l.reg.mu.Unlock()
	if idle {
		l.closeSocket()
		<-l.sockDone
	}
	l.log.Debugf("listener closed")
	return nil
}

func (l *Listener) closeSocket() {
	l.sockOnce.Do(func() {
		_ = l.pc.Close()
	})
}

// detach removes a released connection from the registry.
func (l *Listener) detach(c *Conn) {
	l.reg.mu.Lock()
	l.reg.removeEstablished(c.peer.String(), c)
	last := l.closing && len(l.reg.established) == 0
	l.reg.mu.Unlock()
	if last {
		l.closeSocket()
	}
}

func (l *Listener) acceptLoop() {
	defer close(l.sockDone)

	buf := make([]byte, packet.MaxDatagramSize+1)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Debugf("read: %v", err)
			continue
		}
		p, err := parse(buf[:n])
		if err != nil {
			dropInvalid(l.log, err)
			continue
		}
		l.handlePacket(p, addr, time.Now())
	}
}

func (l *Listener) handlePacket(p *packet.Packet, addr net.Addr, now time.Time) {
	key := addr.String()

	l.reg.mu.Lock()
	if c, ok := l.reg.established[key]; ok {
		l.reg.mu.Unlock()
		c.handle(p)
		return
	}
	if h, ok := l.reg.pending[key]; ok {
		c := l.handlePending(h, p, now)
		l.reg.mu.Unlock()
		if c != nil {
			c.handle(p)
		}
		return
	}
	if p.Flags.Has(packet.FlagSYN) && !p.Flags.Has(packet.FlagACK) && !p.Flags.Has(packet.FlagRST) {
		l.handleSYN(addr, p, now)
	} else {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropUnknownPeer).Inc()
	}
	l.reg.mu.Unlock()
}

// handleSYN opens a pending handshake for a new peer. Called with reg.mu held.
func (l *Listener) handleSYN(addr net.Addr, p *packet.Packet, now time.Time) {
	metrics.PacketsReceivedTotal.WithLabelValues(metrics.KindSYN).Inc()
	if l.closing {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropUnknownPeer).Inc()
		return
	}
	if len(l.reg.pending) >= l.cfg.MaxPending {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropPendingFull).Inc()
		l.log.Warnf("pending handshake limit %d reached, dropping SYN from %s", l.cfg.MaxPending, addr)
		return
	}

	h := newHandshake(addr, l.opts.isn.Next(l.pc.LocalAddr(), addr), p, now)
	l.reg.addPending(h)
	l.sendSynAck(h, now)
	l.log.Debugf("[+] %s pending", h.Key())
}

// handlePending advances a handshake in progress and returns the new
// connection when p completes it. Called with reg.mu held.
func (l *Listener) handlePending(h *handshake, p *packet.Packet, now time.Time) *Conn {
	key := h.Key()
	switch {
	case p.Flags.Has(packet.FlagRST):
		if p.Seq == h.irs.Add(1) {
			l.reg.removePending(key)
			metrics.HandshakesTotal.WithLabelValues(metrics.SideAccept, metrics.ResultFailed).Inc()
			l.log.Debugf("[-] %s reset during handshake", key)
		}
		return nil

	case p.Flags.Has(packet.FlagSYN):
		if p.Flags.Has(packet.FlagACK) {
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropStaleHandshake).Inc()
			return nil
		}
		// A repeated SYN gets the same SYN+ACK. A SYN with a new sequence
		// number means the peer restarted the handshake from the same port.
		if p.Seq != h.irs {
			h.irs = p.Seq
			h.peerWnd = p.Window
		}
		h.Touch(now)
		h.resent = true
		l.sendSynAck(h, now)
		return nil

	case h.completes(p, seqnum.Size(l.cfg.Window)):
		if len(l.accept) >= cap(l.accept) {
			l.reg.removePending(key)
			l.sendReset(h)
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropBacklogFull).Inc()
			metrics.HandshakesTotal.WithLabelValues(metrics.SideAccept, metrics.ResultRejected).Inc()
			l.log.Warnf("accept backlog full, rejecting %s", key)
			return nil
		}
		c := newAcceptedConn(l, h, now)
		l.reg.promote(key, c)
		c.start(false)
		l.accept <- c
		return c

	default:
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropStaleHandshake).Inc()
		return nil
	}
}

func (l *Listener) sendSynAck(h *handshake, now time.Time) {
	l.output(h.synAck(uint16(min(l.cfg.Window, config.MaxWindow))), h.addr)
	h.sentAt = now
	h.deadline = now.Add(l.rtt.backoff(h.retries))
}

func (l *Listener) sendReset(h *handshake) {
	l.output(&packet.Packet{Header: packet.Header{
		Seq:   h.iss.Add(1),
		Ack:   h.irs.Add(1),
		Flags: packet.FlagRST | packet.FlagACK,
	}}, h.addr)
}

func (l *Listener) output(p *packet.Packet, addr net.Addr) {
	b, err := p.Marshal()
	if err != nil {
		l.log.Errorf("marshal %s: %v", p.Flags, err)
		return
	}
	if _, err := l.pc.WriteTo(b, addr); err != nil {
		l.log.Debugf("send %s to %s: %v", p.Flags, addr, err)
		return
	}
	metrics.PacketsSentTotal.WithLabelValues(kindOf(p)).Inc()
}

// cleanupLoop re-sends unanswered SYN+ACKs and expires stale handshakes.
func (l *Listener) cleanupLoop() {
	defer close(l.hkDone)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.cleanupPending(now)
		}
	}
}

func (l *Listener) cleanupPending(now time.Time) {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()

	for key, h := range l.reg.pending {
		if now.Before(h.deadline) && !h.IsExpired(now, l.cfg.PendingTimeout) {
			continue
		}
		if h.IsExpired(now, l.cfg.PendingTimeout) || h.retries >= l.cfg.MaxRetransmits {
			l.reg.removePending(key)
			metrics.HandshakesTotal.WithLabelValues(metrics.SideAccept, metrics.ResultExpired).Inc()
			l.log.Debugf("[-] %s handshake expired after %d retransmissions", key, h.retries)
			continue
		}
		h.retries++
		metrics.RetransmissionsTotal.WithLabelValues(metrics.KindSYNACK).Inc()
		l.sendSynAck(h, now)
	}
}
