package rdp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"rdp/internal/config"
	"rdp/internal/logging"
	"rdp/internal/metrics"
	"rdp/internal/packet"
)

// owner is whatever holds the transport a connection sends on. It is told
// once when the connection reaches CLOSED so it can drop its reference.
type owner interface {
	detach(c *Conn)
}

// Stats is a point-in-time snapshot of connection counters.
type Stats struct {
	State            State
	SegmentsSent     uint64
	SegmentsReceived uint64
	Retransmissions  uint64
	Probes           uint64
	BytesSent        uint64
	BytesReceived    uint64
	Duplicates       uint64
	OutOfOrder       uint64
	InFlight         int
	PeerWindow       int
	Window           int
	SRTT             time.Duration
	RTO              time.Duration
}

type persistTimer struct {
	active   bool
	deadline time.Time
	probes   int
}

// Conn is one end of a reliable connection. It implements net.Conn.
type Conn struct {
	id    uuid.UUID
	cfg   config.Options
	log   *logging.Logger
	pc    net.PacketConn
	local net.Addr
	peer  net.Addr
	owner owner
	side  string

	mu      sync.Mutex
	notify  chan struct{}
	state   State
	err     error
	closing bool

	// send side
	iss       seqnum.Value
	sndUna    seqnum.Value
	sndNxt    seqnum.Value
	sndWl1    seqnum.Value
	sndWl2    seqnum.Value
	peerWnd   seqnum.Size
	sndBuf    *ringbuffer.RingBuffer
	inflight  []*segment
	finQueued bool
	finSent   bool
	finSeq    seqnum.Value
	persist   persistTimer
	synSentAt time.Time
	synTries  int

	lingerUntil time.Time

	// receive side
	irs     seqnum.Value
	rcvNxt  seqnum.Value
	rcvBuf  *ringbuffer.RingBuffer
	reorder *reorderBuffer
	finRcvd bool
	lastAdv int

	rtt   rttEstimator
	stats Stats
	obuf  []byte

	readDeadline  time.Time
	writeDeadline time.Time

	established bool
	done        chan struct{}
	releaseOnce sync.Once
	wg          sync.WaitGroup
}

func newConn(pc net.PacketConn, peer net.Addr, o *options, own owner, side string) *Conn {
	id := uuid.New()
	c := &Conn{
		id:      id,
		cfg:     o.cfg,
		pc:      pc,
		local:   pc.LocalAddr(),
		peer:    peer,
		owner:   own,
		side:    side,
		notify:  make(chan struct{}),
		sndBuf:  ringbuffer.New(o.cfg.SendBuffer),
		rcvBuf:  ringbuffer.New(o.cfg.Window),
		reorder: newReorderBuffer(),
		lastAdv: o.cfg.Window,
		rtt:     newRTTEstimator(o.cfg.RTO, o.cfg.MinRTO, o.cfg.MaxRTO),
		obuf:    make([]byte, packet.MaxDatagramSize),
		done:    make(chan struct{}),
	}
	c.log = o.log.WithField("conn", id.String()).WithField("peer", peer.String())
	return c
}

// start launches the timer goroutine and, for connections that own their
// socket, the receive loop.
func (c *Conn) start(recv bool) {
	c.wg.Add(1)
	go c.timerLoop()
	if recv {
		c.wg.Add(1)
		go c.recvLoop()
	}
}

func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) LocalAddr() net.Addr { return c.local }

func (c *Conn) RemoteAddr() net.Addr { return c.peer }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state
	s.InFlight = int(c.sndUna.Size(c.sndNxt))
	s.PeerWindow = int(c.peerWnd)
	s.Window = c.window()
	s.SRTT = c.rtt.srtt
	s.RTO = c.rtt.rto
	return s
}

// Read reads in-order data. After the peer's FIN it drains what is buffered
// and then returns io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.unlock()

	for {
		if c.closing {
			return 0, ErrConnectionClosing
		}
		if c.state == StateClosed && c.err != nil {
			return 0, c.err
		}
		if len(b) == 0 {
			return 0, nil
		}
		if c.rcvBuf.Length() > 0 {
			n, _ := c.rcvBuf.Read(b)
			c.windowUpdate()
			return n, nil
		}
		if c.finRcvd || c.state == StateClosed {
			return 0, io.EOF
		}
		if err := c.wait(nil, c.readDeadline); err != nil {
			return 0, err
		}
	}
}

// Write queues b for reliable delivery. It blocks while the send buffer is
// full and returns the number of bytes queued.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.unlock()

	written := 0
	for written < len(b) {
		switch {
		case c.closing || c.state == StateFinWait || c.state == StateLastAck:
			return written, ErrConnectionClosing
		case c.state == StateClosed:
			if c.err != nil {
				return written, c.err
			}
			return written, ErrConnectionClosing
		}

		now := time.Now()
		c.retransmitExpired(now)
		if c.state == StateClosed {
			continue
		}
		if free := c.sndBuf.Free(); free > 0 {
			chunk := b[written:min(len(b), written+free)]
			n, _ := c.sndBuf.Write(chunk)
			written += n
			c.flush(now)
			continue
		}
		if err := c.wait(nil, c.writeDeadline); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close sends FIN after all queued data and waits for the teardown to
// complete. If the peer does not finish within the teardown timeout the
// connection is reset.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closing = true
	c.rcvBuf.Reset()

	now := time.Now()
	switch c.state {
	case StateEstablished:
		c.finQueued = true
		c.state = StateFinWait
		c.flush(now)
	case StateLastAck:
		c.flush(now)
	case StateSynSent, StateSynReceived:
		c.terminate(ErrConnectionClosing)
	}
	c.broadcast()

	deadline := now.Add(c.cfg.TeardownTimeout)
	for c.state != StateClosed {
		if err := c.wait(nil, deadline); err != nil {
			if c.state == StateTimeWait {
				c.terminate(nil)
				continue
			}
			c.log.Warnf("teardown did not complete in %s, resetting", c.cfg.TeardownTimeout)
			c.sendReset()
			c.terminate(ErrTimeout)
		}
	}
	c.unlock()
	c.wg.Wait()
	return nil
}

// abort resets the connection immediately.
func (c *Conn) abort(err error) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.sendReset()
		c.terminate(err)
	}
	c.unlock()
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	c.broadcast()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.broadcast()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	c.broadcast()
	return nil
}

// broadcast wakes every goroutine blocked in wait. Callers hold c.mu.
func (c *Conn) broadcast() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// wait releases c.mu until the next broadcast, the deadline or ctx expiry and
// reacquires it before returning.
func (c *Conn) wait(ctx context.Context, deadline time.Time) error {
	ch := c.notify
	c.mu.Unlock()
	defer c.mu.Lock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return ErrTimeout
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	var cancel <-chan struct{}
	if ctx != nil {
		cancel = ctx.Done()
	}

	select {
	case <-ch:
		return nil
	case <-timeout:
		return ErrTimeout
	case <-cancel:
		return ctx.Err()
	}
}

// unlock releases c.mu and, if the connection has reached CLOSED, detaches it
// from its owner.
func (c *Conn) unlock() {
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		c.release()
	}
}

func (c *Conn) release() {
	c.releaseOnce.Do(func() {
		close(c.done)
		if c.established {
			metrics.ActiveConnections.Dec()
		}
		c.owner.detach(c)
	})
}

// terminate moves the connection to CLOSED. err is nil for an orderly
// teardown. Callers hold c.mu.
func (c *Conn) terminate(err error) {
	if c.state == StateClosed {
		return
	}
	prev := c.state
	c.state = StateClosed
	if err != nil && c.err == nil {
		c.err = err
	}
	c.inflight = nil
	c.sndBuf.Reset()
	c.reorder.clear()
	c.persist = persistTimer{}
	c.broadcast()

	if err != nil {
		c.log.Infof("connection closed from %s: %v", prev, err)
	} else {
		c.log.Debugf("connection closed from %s", prev)
	}
}

func (c *Conn) establish() {
	c.state = StateEstablished
	c.established = true
	metrics.ActiveConnections.Inc()
	metrics.HandshakesTotal.WithLabelValues(c.side, metrics.ResultOK).Inc()
	c.log.Infof("connection established")
	c.broadcast()
}

func (c *Conn) timerLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			c.onTick(now)
			c.unlock()
		}
	}
}

// recvLoop reads the connection's own socket until it is closed.
func (c *Conn) recvLoop() {
	defer c.wg.Done()
	peer := c.peer.String()
	buf := make([]byte, packet.MaxDatagramSize+1)
	for {
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Debugf("read: %v", err)
			continue
		}
		if addr.String() != peer {
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropUnknownPeer).Inc()
			continue
		}
		p, err := parse(buf[:n])
		if err != nil {
			dropInvalid(c.log, err)
			continue
		}
		c.handle(p)
	}
}

// socketOwner closes a dialed connection's private socket on release.
type socketOwner struct {
	pc net.PacketConn
}

func (o socketOwner) detach(*Conn) {
	_ = o.pc.Close()
}
