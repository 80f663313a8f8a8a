package rdp

import (
	"net"
	"time"

	"github.com/google/netstack/tcpip/seqnum"

	"rdp/internal/metrics"
	"rdp/internal/packet"
)

// handshake is a half-open connection held by a listener between the peer's
// SYN and the ACK of our SYN+ACK.
type handshake struct {
	addr    net.Addr
	iss     seqnum.Value
	irs     seqnum.Value
	peerWnd uint16

	lastActive time.Time
	sentAt     time.Time
	deadline   time.Time
	retries    int
	resent     bool
}

func newHandshake(addr net.Addr, iss seqnum.Value, syn *packet.Packet, now time.Time) *handshake {
	return &handshake{
		addr:       addr,
		iss:        iss,
		irs:        syn.Seq,
		peerWnd:    syn.Window,
		lastActive: now,
	}
}

func (h *handshake) Key() string {
	return h.addr.String()
}

// Touch records traffic from the peer. A handshake expires after a quiet
// period, so a peer still retransmitting its SYN keeps the entry.
func (h *handshake) Touch(now time.Time) {
	h.lastActive = now
}

func (h *handshake) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(h.lastActive) > timeout
}

func (h *handshake) synAck(window uint16) *packet.Packet {
	return &packet.Packet{Header: packet.Header{
		Seq:    h.iss,
		Ack:    h.irs.Add(1),
		Flags:  packet.FlagSYN | packet.FlagACK,
		Window: window,
	}}
}

// completes reports whether p is the ACK that finishes this handshake. Data
// may ride on it, and when the bare ACK was lost the first data segment
// completes the handshake instead.
func (h *handshake) completes(p *packet.Packet, window seqnum.Size) bool {
	if p.Flags.Has(packet.FlagSYN) || p.Flags.Has(packet.FlagRST) || !p.Flags.Has(packet.FlagACK) {
		return false
	}
	return p.Ack == h.iss.Add(1) && p.Seq.InWindow(h.irs.Add(1), max(window, 1))
}

// sendSyn sends the SYN that opens a dialed connection. Called with c.mu held.
func (c *Conn) sendSyn(now time.Time) {
	if c.synTries > 0 {
		c.stats.Retransmissions++
		metrics.RetransmissionsTotal.WithLabelValues(metrics.KindSYN).Inc()
	}
	c.synTries++
	c.synSentAt = now
	c.output(&packet.Packet{Header: packet.Header{
		Seq:    c.iss,
		Flags:  packet.FlagSYN,
		Window: c.advertise(),
	}})
}

// handleSynSent processes a packet while our SYN is outstanding. Anything
// but the matching SYN+ACK from the peer aborts the handshake.
func (c *Conn) handleSynSent(p *packet.Packet, now time.Time) {
	want := c.iss.Add(1)
	if p.Flags.Has(packet.FlagRST) {
		if p.Flags.Has(packet.FlagACK) && p.Ack == want {
			c.terminate(ErrHandshakeFailed)
		}
		return
	}
	if p.Flags.Has(packet.FlagSYN|packet.FlagACK) && !p.Flags.Has(packet.FlagFIN) && p.Ack == want {
		c.irs = p.Seq
		c.rcvNxt = p.Seq.Add(1)
		c.sndUna = p.Ack
		c.peerWnd = seqnum.Size(p.Window)
		c.sndWl1 = p.Seq
		c.sndWl2 = p.Ack
		if c.synTries == 1 {
			c.rtt.sample(now.Sub(c.synSentAt))
		}
		c.establish()
		c.sendAck()
		return
	}
	c.log.Debugf("unexpected %s during handshake", p.Flags)
	c.sendReset()
	c.terminate(ErrHandshakeFailed)
}

// newAcceptedConn turns a completed handshake into an ESTABLISHED connection
// on the listener's socket.
func newAcceptedConn(l *Listener, h *handshake, now time.Time) *Conn {
	c := newConn(l.pc, h.addr, l.opts, l, metrics.SideAccept)
	c.iss = h.iss
	c.irs = h.irs
	c.sndUna = h.iss.Add(1)
	c.sndNxt = c.sndUna
	c.rcvNxt = h.irs.Add(1)
	c.peerWnd = seqnum.Size(h.peerWnd)
	c.sndWl1 = h.irs
	c.sndWl2 = c.sndUna
	if h.retries == 0 && !h.resent {
		c.rtt.sample(now.Sub(h.sentAt))
	}
	c.establish()
	return c
}
