// Package packet encodes and decodes the datagrams exchanged between peers.
//
// Every datagram carries exactly one packet: a fixed 13-byte big-endian header
// followed by zero or more payload bytes.
//
//	offset 0  seq      uint32
//	offset 4  ack      uint32
//	offset 8  flags    uint8   (SYN=1 ACK=2 FIN=4 RST=8, high nibble reserved)
//	offset 9  window   uint16
//	offset 11 checksum uint16
package packet

import (
	"strings"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

const (
	HeaderLen       = 13
	MaxDatagramSize = 1480
	MaxPayload      = MaxDatagramSize - HeaderLen

	offSeq      = 0
	offAck      = 4
	offFlags    = 8
	offWindow   = 9
	offChecksum = 11
)

type Flags uint8

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagRST

	flagMask = FlagSYN | FlagACK | FlagFIN | FlagRST
)

var (
	ErrMalformedHeader  = errors.New("malformed header")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum datagram size")
)

// Has reports whether all bits of want are set.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

func (f Flags) String() string {
	if f&flagMask == 0 {
		return "none"
	}
	names := make([]string, 0, 4)
	for _, fl := range []struct {
		bit  Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}} {
		if f&fl.bit != 0 {
			names = append(names, fl.name)
		}
	}
	return strings.Join(names, "|")
}

type Header struct {
	Seq      seqnum.Value
	Ack      seqnum.Value
	Flags    Flags
	Window   uint16
	Checksum uint16
}

type Packet struct {
	Header
	Payload []byte
}

// SeqLen is the amount of sequence space the packet occupies. SYN and FIN
// each consume one sequence number in addition to the payload.
func (p *Packet) SeqLen() seqnum.Size {
	n := seqnum.Size(len(p.Payload))
	if p.Flags.Has(FlagSYN) {
		n++
	}
	if p.Flags.Has(FlagFIN) {
		n++
	}
	return n
}
