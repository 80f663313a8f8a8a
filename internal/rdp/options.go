package rdp

import (
	"net"

	"github.com/pkg/errors"

	"rdp/internal/config"
	"rdp/internal/isn"
	"rdp/internal/logging"
)

type options struct {
	cfg  config.Options
	log  *logging.Logger
	isn  isn.Generator
	wrap []func(net.PacketConn) net.PacketConn
}

// Option configures Dial and Listen.
type Option func(*options)

// WithConfig replaces the protocol options. Zero values are not filled in;
// start from config.Default.
func WithConfig(cfg config.Options) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

func WithLogger(log *logging.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithISN overrides the initial sequence number source selected by the
// config's isn key.
func WithISN(g isn.Generator) Option {
	return func(o *options) {
		o.isn = g
	}
}

// WithPacketConn decorates the UDP socket before the protocol uses it.
// Decorators apply in the order given, the last one outermost.
func WithPacketConn(wrap func(net.PacketConn) net.PacketConn) Option {
	return func(o *options) {
		o.wrap = append(o.wrap, wrap)
	}
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		cfg: config.Default(),
		log: logging.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.isn == nil {
		g, err := isn.New(o.cfg.ISN)
		if err != nil {
			return nil, errors.Wrap(err, "isn generator")
		}
		o.isn = g
	}
	return o, nil
}

func (o *options) packetConn(pc net.PacketConn) net.PacketConn {
	for _, w := range o.wrap {
		pc = w(pc)
	}
	return pc
}
