package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

const traceSnapLen = 65536

var (
	traceSrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	traceDstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

// Tracer writes every datagram it sees to a pcap stream, framed as
// Ethernet/IP/UDP so standard tools can dissect it.
type Tracer struct {
	mu sync.Mutex
	w  *pcapgo.Writer
}

func NewTracer(w io.Writer) (*Tracer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(traceSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &Tracer{w: pw}, nil
}

// Wrap returns a decorator suitable for rdp.WithPacketConn.
func (t *Tracer) Wrap(pc net.PacketConn) net.PacketConn {
	return &TraceConn{PacketConn: pc, tracer: t}
}

func (t *Tracer) Record(src, dst net.Addr, payload []byte) error {
	s, d := udpAddr(src), udpAddr(dst)
	udp := &layers.UDP{SrcPort: layers.UDPPort(s.Port), DstPort: layers.UDPPort(d.Port)}
	eth := &layers.Ethernet{SrcMAC: traceSrcMAC, DstMAC: traceDstMAC}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	if s4, d4 := s.IP.To4(), d.IP.To4(); s4 != nil && d4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: s4, DstIP: d4}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload))
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP, SrcIP: s.IP.To16(), DstIP: d.IP.To16()}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload))
	}
	if err != nil {
		return errors.Wrap(err, "serialize trace frame")
	}

	data := buf.Bytes()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// TraceConn records datagrams read from and written to the wrapped conn.
// Tracing failures never affect the data path.
type TraceConn struct {
	net.PacketConn
	tracer *Tracer
}

func (c *TraceConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err == nil {
		_ = c.tracer.Record(addr, c.LocalAddr(), b[:n])
	}
	return n, addr, err
}

func (c *TraceConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	if err == nil {
		_ = c.tracer.Record(c.LocalAddr(), addr, b)
	}
	return n, err
}

func udpAddr(a net.Addr) *net.UDPAddr {
	if u, ok := a.(*net.UDPAddr); ok && u.IP != nil {
		return u
	}
	port := 0
	if u, ok := a.(*net.UDPAddr); ok {
		port = u.Port
	}
	return &net.UDPAddr{IP: net.IPv4zero, Port: port}
}
