package rdp

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"rdp/internal/logging"
	"rdp/internal/metrics"
	"rdp/internal/packet"
)

// parse decodes a datagram read from the socket. The read buffer is one byte
// larger than the largest valid datagram so oversized input is detectable.
func parse(b []byte) (*packet.Packet, error) {
	if len(b) > packet.MaxDatagramSize {
		return nil, errors.Wrapf(packet.ErrMalformedHeader, "datagram of %d bytes", len(b))
	}
	return packet.Parse(b)
}

// dropInvalid accounts for a datagram that failed to decode. Corrupt input is
// indistinguishable from loss and never reaches a connection.
func dropInvalid(log *logging.Logger, err error) {
	reason := metrics.DropMalformed
	if errors.Is(err, packet.ErrChecksumMismatch) {
		reason = metrics.DropChecksum
	}
	metrics.PacketsDroppedTotal.WithLabelValues(reason).Inc()
	log.Debugf("dropping datagram: %v", err)
}

func kindOf(p *packet.Packet) string {
	switch {
	case p.Flags.Has(packet.FlagRST):
		return metrics.KindRST
	case p.Flags.Has(packet.FlagSYN | packet.FlagACK):
		return metrics.KindSYNACK
	case p.Flags.Has(packet.FlagSYN):
		return metrics.KindSYN
	case p.Flags.Has(packet.FlagFIN):
		return metrics.KindFIN
	case len(p.Payload) > 0:
		return metrics.KindData
	default:
		return metrics.KindACK
	}
}

// handle runs one incoming packet through the state machine.
func (c *Conn) handle(p *packet.Packet) {
	c.mu.Lock()
	defer c.unlock()

	now := time.Now()
	c.stats.SegmentsReceived++
	metrics.PacketsReceivedTotal.WithLabelValues(kindOf(p)).Inc()

	switch c.state {
	case StateClosed:
		return
	case StateSynSent:
		c.handleSynSent(p, now)
		return
	}

	if p.Flags.Has(packet.FlagRST) {
		if c.state == StateTimeWait {
			// Both directions are already complete.
			c.terminate(nil)
		} else if c.acceptableReset(p) {
			c.terminate(ErrConnectionReset)
		} else {
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropOutOfWindow).Inc()
		}
		return
	}
	if p.Flags.Has(packet.FlagSYN) {
		// A repeated SYN or SYN+ACK means the peer missed our ACK.
		if p.Seq == c.irs {
			c.sendAck()
		} else {
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropStaleHandshake).Inc()
		}
		return
	}
	if !p.Flags.Has(packet.FlagACK) {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	if !c.processAck(p, now) {
		return
	}
	c.processData(p)
	c.checkTeardown(now)
	if c.state == StateClosed {
		return
	}
	c.retransmitExpired(now)
	c.flush(now)
}

// acceptableReset guards against blind resets: the sequence number must fall
// inside the receive buffer starting at rcvNxt.
func (c *Conn) acceptableReset(p *packet.Packet) bool {
	return p.Seq.InWindow(c.rcvNxt, seqnum.Size(max(c.cfg.Window, 1)))
}
