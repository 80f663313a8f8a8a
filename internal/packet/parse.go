package packet

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
)

// Parse decodes a datagram. The payload is copied so b may be reused by the
// caller. Reserved flag bits are ignored.
func Parse(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, ErrMalformedHeader
	}

	stored := binary.BigEndian.Uint16(b[offChecksum:])
	if Checksum(b) != stored {
		return nil, ErrChecksumMismatch
	}

	p := &Packet{
		Header: Header{
			Seq:      seqnum.Value(binary.BigEndian.Uint32(b[offSeq:])),
			Ack:      seqnum.Value(binary.BigEndian.Uint32(b[offAck:])),
			Flags:    Flags(b[offFlags]) & flagMask,
			Window:   binary.BigEndian.Uint16(b[offWindow:]),
			Checksum: stored,
		},
	}
	if len(b) > HeaderLen {
		p.Payload = append([]byte(nil), b[HeaderLen:]...)
	}
	return p, nil
}

// Checksum returns the RFC 1071 one's-complement checksum of a datagram,
// computed as if its checksum field were zero. b must hold at least a header.
func Checksum(b []byte) uint16 {
	// The checksum field straddles a 16-bit word boundary, so sum a zeroed
	// copy of the first even-length prefix and continue over the rest.
	var head [HeaderLen + 1]byte
	n := copy(head[:], b)
	head[offChecksum], head[offChecksum+1] = 0, 0

	sum := header.Checksum(head[:n], 0)
	if len(b) > n {
		sum = header.Checksum(b[n:], sum)
	}
	return ^sum
}
