package packet

import (
	"encoding/binary"
)

// Marshal encodes p into a new datagram and stores the computed checksum in
// both the datagram and p.Checksum. Reserved flag bits are cleared.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(p.Payload))
	p.Checksum = encode(buf, &p.Header, p.Payload)
	return buf, nil
}

// MarshalTo is like Marshal but writes into buf, which must hold at least
// HeaderLen+len(p.Payload) bytes. It returns the number of bytes written.
func (p *Packet) MarshalTo(buf []byte) (int, error) {
	n := HeaderLen + len(p.Payload)
	if len(p.Payload) > MaxPayload {
		return 0, ErrPayloadTooLarge
	}
	if len(buf) < n {
		return 0, ErrMalformedHeader
	}
	p.Checksum = encode(buf[:n], &p.Header, p.Payload)
	return n, nil
}

func encode(buf []byte, h *Header, payload []byte) uint16 {
	binary.BigEndian.PutUint32(buf[offSeq:], uint32(h.Seq))
	binary.BigEndian.PutUint32(buf[offAck:], uint32(h.Ack))
	buf[offFlags] = byte(h.Flags & flagMask)
	binary.BigEndian.PutUint16(buf[offWindow:], h.Window)
	binary.BigEndian.PutUint16(buf[offChecksum:], 0)
	copy(buf[HeaderLen:], payload)

	csum := Checksum(buf)
	binary.BigEndian.PutUint16(buf[offChecksum:], csum)
	return csum
}
