package rdp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"rdp/internal/metrics"
	"rdp/internal/transport"
)

var errSynUnanswered = errors.New("SYN not answered")

// Dial binds an ephemeral UDP socket, performs the three-way handshake with
// address and returns the ESTABLISHED connection. The handshake is bounded by
// ctx and the configured handshake timeout.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Conn, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	raddr, err := transport.Resolve(network, address)
	if err != nil {
		return nil, err
	}
	sock, err := transport.ListenFor(ctx, raddr, o.cfg.Socket)
	if err != nil {
		return nil, err
	}
	pc := o.packetConn(sock)

	c := newConn(pc, raddr, o, socketOwner{pc: pc}, metrics.SideDial)
	c.iss = o.isn.Next(pc.LocalAddr(), raddr)
	c.sndUna = c.iss
	c.sndNxt = c.iss.Add(1)
	c.state = StateSynSent
	c.start(true)

	if err := c.connect(ctx); err != nil {
		metrics.HandshakesTotal.WithLabelValues(metrics.SideDial, metrics.ResultFailed).Inc()
		c.abort(ErrHandshakeFailed)
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// connect retransmits the SYN with exponential backoff until the SYN+ACK
// arrives, the handshake is refused or the retry budget runs out.
func (c *Conn) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RTO
	b.MaxInterval = c.cfg.MaxRTO
	b.Multiplier = 2

	attempt := func() (State, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.state == StateSynSent {
			c.sendSyn(time.Now())
		}
		deadline := time.Now().Add(c.rtt.rto)
		for {
			switch c.state {
			case StateSynSent:
			case StateClosed:
				return c.state, backoff.Permanent(ErrHandshakeFailed)
			default:
				return c.state, nil
			}
			if err := c.wait(ctx, deadline); err != nil {
				if errors.Is(err, ErrTimeout) {
					return c.state, errSynUnanswered
				}
				return c.state, backoff.Permanent(err)
			}
		}
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetransmits+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Debugf("%v, retrying in %s", err, d)
		}),
	)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrHandshakeFailed):
		return errors.Wrapf(err, "dial %s", c.peer)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errSynUnanswered):
		return errors.Wrapf(ErrHandshakeFailed, "dial %s: no answer after %d SYNs", c.peer, c.synTries)
	default:
		return errors.Wrapf(err, "dial %s", c.peer)
	}
}
