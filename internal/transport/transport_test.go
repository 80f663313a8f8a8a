package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"

	"rdp/internal/config"
)

func TestListen(t *testing.T) {
	t.Run("binds and exchanges datagrams", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()

		a, err := Listen(ctx, "udp4", "127.0.0.1:0", config.Socket{ReuseAddr: true, ReadBuffer: 1 << 16, WriteBuffer: 1 << 16})
		r.NoError(err)
		defer a.Close()

		b, err := ListenFor(ctx, a.LocalAddr().(*net.UDPAddr), config.Socket{})
		r.NoError(err)
		defer b.Close()

		_, err = b.WriteTo([]byte("ping"), a.LocalAddr())
		r.NoError(err)

		buf := make([]byte, 16)
		r.NoError(a.SetReadDeadline(time.Now().Add(2 * time.Second)))
		n, _, err := a.ReadFrom(buf)
		r.NoError(err)
		r.Equal("ping", string(buf[:n]))
	})

	t.Run("rejects non udp networks", func(t *testing.T) {
		r := require.New(t)

		_, err := Listen(context.Background(), "tcp", "127.0.0.1:0", config.Socket{})
		r.ErrorIs(err, ErrUnsupportedNetwork)
		_, err = Resolve("ip4", "127.0.0.1:1")
		r.ErrorIs(err, ErrUnsupportedNetwork)
	})

	t.Run("resolve", func(t *testing.T) {
		r := require.New(t)

		addr, err := Resolve("udp", "127.0.0.1:9000")
		r.NoError(err)
		r.Equal(9000, addr.Port)

		_, err = Resolve("udp", "127.0.0.1:notaport")
		r.Error(err)
	})
}

func TestLossyConn(t *testing.T) {
	t.Run("drop func and duplicates", func(t *testing.T) {
		r := require.New(t)
		rx, tx := udpPair(t)

		var calls int
		lossy := NewLossyConn(tx, LossyConfig{
			Duplicate: 1,
			Drop: func(b []byte, addr net.Addr) bool {
				calls++
				return calls == 1
			},
		})

		_, err := lossy.WriteTo([]byte("first"), rx.LocalAddr())
		r.NoError(err)
		_, err = lossy.WriteTo([]byte("second"), rx.LocalAddr())
		r.NoError(err)

		r.Equal(uint64(1), lossy.Dropped())
		r.Equal(uint64(1), lossy.Sent())
		r.Equal(uint64(1), lossy.Duplicated())

		buf := make([]byte, 16)
		for i := 0; i < 2; i++ {
			r.NoError(rx.SetReadDeadline(time.Now().Add(2 * time.Second)))
			n, _, err := rx.ReadFrom(buf)
			r.NoError(err)
			r.Equal("second", string(buf[:n]))
		}
	})

	t.Run("loss rate", func(t *testing.T) {
		r := require.New(t)
		rx, tx := udpPair(t)

		lossy := NewLossyConn(tx, LossyConfig{Loss: 0.5, Seed: 7})
		for i := 0; i < 200; i++ {
			_, err := lossy.WriteTo([]byte{byte(i)}, rx.LocalAddr())
			r.NoError(err)
		}
		r.Equal(uint64(200), lossy.Sent()+lossy.Dropped())
		r.InDelta(100, float64(lossy.Dropped()), 40)
	})
}

func TestTracer(t *testing.T) {
	r := require.New(t)
	rx, tx := udpPair(t)

	var out bytes.Buffer
	tracer, err := NewTracer(&out)
	r.NoError(err)
	traced := tracer.Wrap(tx)

	_, err = traced.WriteTo([]byte("traced payload"), rx.LocalAddr())
	r.NoError(err)

	rd, err := pcapgo.NewReader(&out)
	r.NoError(err)
	r.Equal(layers.LinkTypeEthernet, rd.LinkType())

	data, _, err := rd.ReadPacketData()
	r.NoError(err)
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	r.NotNil(udpLayer)
	udp := udpLayer.(*layers.UDP)
	r.Equal(layers.UDPPort(rx.LocalAddr().(*net.UDPAddr).Port), udp.DstPort)
	r.Equal([]byte("traced payload"), udp.Payload)
}

func udpPair(t *testing.T) (rx, tx net.PacketConn) {
	t.Helper()
	rx, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	tx, err = net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		rx.Close()
		tx.Close()
	})
	return rx, tx
}
