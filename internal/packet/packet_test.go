package packet

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		r := require.New(t)

		for _, p := range []*Packet{
			{Header: Header{Seq: 1, Ack: 0, Flags: FlagSYN, Window: 65535}},
			{Header: Header{Seq: 0xFFFFFFFF, Ack: 7, Flags: FlagSYN | FlagACK, Window: 1}},
			{Header: Header{Seq: 42, Ack: 99, Flags: FlagACK, Window: 1024}, Payload: []byte("hello")},
			{Header: Header{Seq: 3, Ack: 4, Flags: FlagFIN | FlagACK}, Payload: bytes.Repeat([]byte{0xAB}, MaxPayload)},
			{Header: Header{Seq: 5, Flags: FlagRST}},
		} {
			b, err := p.Marshal()
			r.NoError(err)
			r.Len(b, HeaderLen+len(p.Payload))

			got, err := Parse(b)
			r.NoError(err)
			r.Equal(p.Header, got.Header)
			r.Equal(p.Payload, got.Payload)
		}
	})

	t.Run("header layout is big endian", func(t *testing.T) {
		r := require.New(t)

		p := &Packet{Header: Header{Seq: 0x01020304, Ack: 0x05060708, Flags: FlagACK | FlagFIN, Window: 0x0A0B}}
		b, err := p.Marshal()
		r.NoError(err)
		r.Equal([]byte{1, 2, 3, 4, 5, 6, 7, 8, 0x06, 0x0A, 0x0B}, b[:11])
		r.Equal(p.Checksum, binary.BigEndian.Uint16(b[11:13]))
	})

	t.Run("reserved flag bits are ignored", func(t *testing.T) {
		r := require.New(t)

		p := &Packet{Header: Header{Seq: 10, Flags: 0xF0 | FlagSYN}}
		b, err := p.Marshal()
		r.NoError(err)
		r.Equal(byte(FlagSYN), b[8])

		b[8] |= 0x80
		binary.BigEndian.PutUint16(b[11:], Checksum(b))
		got, err := Parse(b)
		r.NoError(err)
		r.Equal(FlagSYN, got.Flags)
	})

	t.Run("short datagram", func(t *testing.T) {
		r := require.New(t)

		for n := 0; n < HeaderLen; n++ {
			_, err := Parse(make([]byte, n))
			r.ErrorIs(err, ErrMalformedHeader)
		}
	})

	t.Run("every single bit flip is detected", func(t *testing.T) {
		r := require.New(t)

		for _, payload := range [][]byte{nil, []byte("x"), []byte("reliable datagrams")} {
			p := &Packet{Header: Header{Seq: 0xDEADBEEF, Ack: 0x12345678, Flags: FlagACK, Window: 4096}, Payload: payload}
			b, err := p.Marshal()
			r.NoError(err)

			for bit := 0; bit < len(b)*8; bit++ {
				c := append([]byte(nil), b...)
				c[bit/8] ^= 1 << (bit % 8)
				_, err := Parse(c)
				r.ErrorIs(err, ErrChecksumMismatch, "bit %d", bit)
			}
		}
	})

	t.Run("payload is copied", func(t *testing.T) {
		r := require.New(t)

		p := &Packet{Header: Header{Seq: 1, Flags: FlagACK}, Payload: []byte("abc")}
		b, err := p.Marshal()
		r.NoError(err)
		got, err := Parse(b)
		r.NoError(err)
		b[HeaderLen] = 'z'
		r.Equal([]byte("abc"), got.Payload)
	})

	t.Run("oversized payload", func(t *testing.T) {
		r := require.New(t)

		p := &Packet{Payload: make([]byte, MaxPayload+1)}
		_, err := p.Marshal()
		r.ErrorIs(err, ErrPayloadTooLarge)
	})

	t.Run("marshal into buffer", func(t *testing.T) {
		r := require.New(t)

		p := &Packet{Header: Header{Seq: 9, Ack: 8, Flags: FlagACK, Window: 7}, Payload: []byte("data")}
		buf := make([]byte, MaxDatagramSize)
		n, err := p.MarshalTo(buf)
		r.NoError(err)
		want, err := p.Marshal()
		r.NoError(err)
		r.Equal(want, buf[:n])

		_, err = p.MarshalTo(make([]byte, HeaderLen))
		r.ErrorIs(err, ErrMalformedHeader)
	})
}

func TestFlags(t *testing.T) {
	r := require.New(t)

	r.Equal("SYN|ACK", (FlagSYN | FlagACK).String())
	r.Equal("FIN", FlagFIN.String())
	r.Equal("none", Flags(0).String())
	r.True((FlagSYN | FlagACK).Has(FlagACK))
	r.False(FlagSYN.Has(FlagSYN | FlagACK))
}

func TestSeqLen(t *testing.T) {
	r := require.New(t)

	r.Equal(seqnum.Size(1), (&Packet{Header: Header{Flags: FlagSYN}}).SeqLen())
	r.Equal(seqnum.Size(4), (&Packet{Header: Header{Flags: FlagFIN | FlagACK}, Payload: []byte("abc")}).SeqLen())
	r.Equal(seqnum.Size(0), (&Packet{Header: Header{Flags: FlagACK}}).SeqLen())
}
