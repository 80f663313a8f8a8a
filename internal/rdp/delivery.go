package rdp

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/samber/lo"

	"rdp/internal/config"
	"rdp/internal/metrics"
	"rdp/internal/packet"
)

// All methods in this file are called with c.mu held.

// window is the receive window to advertise: free buffer space not already
// promised to segments parked in the reorder buffer.
func (c *Conn) window() int {
	return lo.Clamp(c.rcvBuf.Free()-c.reorder.bytes, 0, config.MaxWindow)
}

func (c *Conn) advertise() uint16 {
	w := c.window()
	c.lastAdv = w
	return uint16(w)
}

// output marshals p into the connection's send buffer and writes it to the
// peer. Transport errors are treated as loss.
func (c *Conn) output(p *packet.Packet) {
	n, err := p.MarshalTo(c.obuf)
	if err != nil {
		c.log.Errorf("marshal %s: %v", p.Flags, err)
		return
	}
	if _, err := c.pc.WriteTo(c.obuf[:n], c.peer); err != nil {
		c.log.Debugf("send %s: %v", p.Flags, err)
		return
	}
	c.stats.SegmentsSent++
	metrics.PacketsSentTotal.WithLabelValues(kindOf(p)).Inc()
}

func (c *Conn) sendAck() {
	c.output(&packet.Packet{Header: packet.Header{
		Seq:    c.sndNxt,
		Ack:    c.rcvNxt,
		Flags:  packet.FlagACK,
		Window: c.advertise(),
	}})
}

func (c *Conn) sendReset() {
	h := packet.Header{Seq: c.sndNxt, Flags: packet.FlagRST}
	if c.state.synchronized() {
		h.Flags |= packet.FlagACK
		h.Ack = c.rcvNxt
	}
	c.output(&packet.Packet{Header: h})
}

// fail resets the peer best effort and closes with err.
func (c *Conn) fail(err error) {
	c.sendReset()
	c.terminate(err)
}

// transmit sends or re-sends an in-flight segment and arms its timer.
func (c *Conn) transmit(s *segment, now time.Time) {
	flags := packet.FlagACK
	if s.fin {
		flags |= packet.FlagFIN
	}
	c.output(&packet.Packet{
		Header: packet.Header{
			Seq:    s.seq,
			Ack:    c.rcvNxt,
			Flags:  flags,
			Window: c.advertise(),
		},
		Payload: s.payload,
	})
	if s.retries == 0 {
		s.sentAt = now
	}
	s.deadline = now.Add(c.rtt.backoff(s.retries))
}

// flush carves segments from the send buffer while the peer's window allows
// and queues our FIN once the buffer is drained.
func (c *Conn) flush(now time.Time) {
	if !c.state.synchronized() {
		return
	}
	for {
		inFlight := c.sndUna.Size(c.sndNxt)
		usable := 0
		if inFlight < c.peerWnd {
			usable = int(c.peerWnd - inFlight)
		}
		unsent := c.sndBuf.Length()

		if unsent == 0 {
			c.persist = persistTimer{}
			if c.finQueued && !c.finSent {
				c.sendFin(now)
			}
			return
		}

		want := min(c.cfg.MSS, unsent)
		n := min(want, usable)
		if n == 0 {
			if len(c.inflight) == 0 && !c.persist.active {
				c.persist = persistTimer{active: true, deadline: now.Add(c.rtt.backoff(0))}
			}
			return
		}
		// Avoid dribbling small segments into a barely open window while
		// earlier data is still outstanding.
		if n < want && len(c.inflight) > 0 {
			return
		}
		c.persist = persistTimer{}

		s := &segment{seq: c.sndNxt, payload: make([]byte, n)}
		_, _ = c.sndBuf.Read(s.payload)
		c.sndNxt = c.sndNxt.Add(seqnum.Size(n))
		c.inflight = append(c.inflight, s)
		c.transmit(s, now)

		c.stats.BytesSent += uint64(n)
		metrics.BytesSentTotal.Add(float64(n))
		c.broadcast()
	}
}

func (c *Conn) sendFin(now time.Time) {
	s := &segment{seq: c.sndNxt, fin: true}
	c.finSent = true
	c.finSeq = s.seq
	c.sndNxt = c.sndNxt.Add(1)
	c.inflight = append(c.inflight, s)
	c.transmit(s, now)
}

func (c *Conn) finAcked() bool {
	return c.finSent && c.finSeq.LessThan(c.sndUna)
}

// retransmitExpired re-sends every in-flight segment whose timer fired.
func (c *Conn) retransmitExpired(now time.Time) {
	if !c.state.synchronized() {
		return
	}
	for _, s := range c.inflight {
		if now.Before(s.deadline) {
			continue
		}
		if s.retries >= c.cfg.MaxRetransmits {
			c.log.Warnf("segment %d not acknowledged after %d retransmissions", uint32(s.seq), s.retries)
			c.fail(ErrRetransmissionLimit)
			return
		}
		s.retries++
		c.stats.Retransmissions++
		kind := metrics.KindData
		if s.fin {
			kind = metrics.KindFIN
		}
		metrics.RetransmissionsTotal.WithLabelValues(kind).Inc()
		c.transmit(s, now)
	}
}

// probe sends a zero-window probe when the persist timer fires. The probe
// carries an already acknowledged sequence number so the peer answers with
// its current window.
func (c *Conn) probe(now time.Time) {
	if !c.persist.active || now.Before(c.persist.deadline) {
		return
	}
	if c.persist.probes >= c.cfg.MaxRetransmits {
		c.log.Warnf("peer window stayed closed for %d probes", c.persist.probes)
		c.fail(ErrRetransmissionLimit)
		return
	}
	c.persist.probes++
	c.persist.deadline = now.Add(c.rtt.backoff(c.persist.probes))
	c.stats.Probes++
	metrics.PacketsSentTotal.WithLabelValues(metrics.KindProbe).Inc()
	c.output(&packet.Packet{Header: packet.Header{
		Seq:    c.sndNxt - 1,
		Ack:    c.rcvNxt,
		Flags:  packet.FlagACK,
		Window: c.advertise(),
	}})
}

func (c *Conn) onTick(now time.Time) {
	if c.state == StateTimeWait {
		if !now.Before(c.lingerUntil) {
			c.terminate(nil)
		}
		return
	}
	if !c.state.synchronized() {
		return
	}
	c.retransmitExpired(now)
	if c.state == StateClosed {
		return
	}
	c.probe(now)
}

// processAck applies the acknowledgment and window carried by p. It reports
// false when p acknowledges data that was never sent and must be dropped.
func (c *Conn) processAck(p *packet.Packet, now time.Time) bool {
	ack := p.Ack
	if c.sndNxt.LessThan(ack) {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropOutOfWindow).Inc()
		c.sendAck()
		return false
	}
	c.persist.probes = 0

	if c.sndUna.LessThan(ack) {
		var (
			rtt     time.Duration
			sampled bool
		)
		for len(c.inflight) > 0 {
			s := c.inflight[0]
			if ack.LessThan(s.end()) {
				if s.seq.LessThan(ack) {
					skip := int(s.seq.Size(ack))
					s.payload = s.payload[min(skip, len(s.payload)):]
					s.seq = ack
				}
				break
			}
			// Karn: retransmitted segments give ambiguous samples.
			if s.retries == 0 {
				rtt, sampled = now.Sub(s.sentAt), true
			}
			c.inflight[0] = nil
			c.inflight = c.inflight[1:]
		}
		if sampled {
			c.rtt.sample(rtt)
			metrics.RTTSeconds.Observe(rtt.Seconds())
		}
		c.sndUna = ack
		c.broadcast()
	}

	if c.sndUna.LessThanEq(ack) {
		if c.sndWl1.LessThan(p.Seq) || (c.sndWl1 == p.Seq && c.sndWl2.LessThanEq(ack)) {
			if seqnum.Size(p.Window) > c.peerWnd {
				c.broadcast()
			}
			c.peerWnd = seqnum.Size(p.Window)
			c.sndWl1 = p.Seq
			c.sndWl2 = ack
		}
	}
	return true
}

// processData runs the receive path for p's payload and FIN.
func (c *Conn) processData(p *packet.Packet) {
	payload := p.Payload
	fin := p.Flags.Has(packet.FlagFIN)
	segLen := p.SeqLen()

	if segLen == 0 {
		if p.Seq.LessThan(c.rcvNxt) {
			// Zero-window probe or a stale ACK: report our window.
			c.sendAck()
		}
		return
	}

	seq := p.Seq
	if seq.LessThan(c.rcvNxt) {
		dup := seq.Size(c.rcvNxt)
		if dup >= segLen {
			c.stats.Duplicates++
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropDuplicate).Inc()
			c.sendAck()
			return
		}
		payload = payload[min(int(dup), len(payload)):]
		seq = c.rcvNxt
	}

	if c.finRcvd {
		// Nothing follows the peer's FIN.
		c.sendAck()
		return
	}

	if seq == c.rcvNxt {
		c.deliver(payload, fin)
		c.drainReorder()
		c.broadcast()
		c.sendAck()
		return
	}

	end := seq.Add(seqnum.Size(len(payload)))
	if int(c.rcvNxt.Size(end)) > c.rcvBuf.Free() {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropOutOfWindow).Inc()
		c.sendAck()
		return
	}
	if c.reorder.insert(&segment{seq: seq, payload: payload, fin: fin}) {
		c.stats.OutOfOrder++
	}
	c.sendAck()
}

// deliver appends in-order data at rcvNxt. Bytes that do not fit are left
// for the peer to retransmit, and then a trailing FIN is not accepted either.
func (c *Conn) deliver(data []byte, fin bool) {
	n := len(data)
	// After a local Close nobody reads, so data is acknowledged and discarded.
	if !c.closing {
		n = min(n, c.rcvBuf.Free())
		if n > 0 {
			_, _ = c.rcvBuf.Write(data[:n])
		}
	}
	c.rcvNxt = c.rcvNxt.Add(seqnum.Size(n))
	c.stats.BytesReceived += uint64(n)
	metrics.BytesDeliveredTotal.Add(float64(n))

	if fin && n == len(data) {
		c.rcvNxt = c.rcvNxt.Add(1)
		c.finRcvd = true
		c.onFin()
	}
}

// drainReorder moves the now-contiguous run from the reorder buffer.
func (c *Conn) drainReorder() {
	for !c.finRcvd {
		s, ok := c.reorder.min()
		if !ok || c.rcvNxt.LessThan(s.seq) {
			return
		}
		c.reorder.deleteMin()
		if s.end().LessThanEq(c.rcvNxt) {
			continue
		}
		skip := int(s.seq.Size(c.rcvNxt))
		c.deliver(s.payload[min(skip, len(s.payload)):], s.fin)
	}
}

// onFin applies the peer's FIN to the state machine.
func (c *Conn) onFin() {
	c.log.Debugf("peer finished sending in %s", c.state)
	if c.state == StateEstablished {
		c.state = StateLastAck
		c.finQueued = true
	}
}

// checkTeardown closes the connection once both FINs are through. The
// active closer lingers in TIME_WAIT first so a retransmitted FIN from a
// peer that lost our last ACK is acknowledged again.
func (c *Conn) checkTeardown(now time.Time) {
	switch c.state {
	case StateFinWait:
		if c.finAcked() && c.finRcvd {
			c.state = StateTimeWait
			c.lingerUntil = now.Add(c.rtt.backoff(1))
			c.log.Debugf("lingering until %s", c.lingerUntil.Format(time.StampMilli))
			c.broadcast()
		}
	case StateLastAck:
		if c.finAcked() {
			c.terminate(nil)
		}
	}
}

// windowUpdate tells the peer about a window that reopened after being
// advertised below one segment.
func (c *Conn) windowUpdate() {
	if !c.state.synchronized() || c.finRcvd {
		return
	}
	if c.lastAdv < c.cfg.MSS && c.window() > c.lastAdv {
		c.sendAck()
	}
}
