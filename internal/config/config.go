// Package config holds the protocol tunables and loads them from a file,
// environment variables and command line flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"rdp/internal/packet"
)

type Options struct {
	MSS              int           `mapstructure:"mss" yaml:"mss"`
	Window           int           `mapstructure:"window" yaml:"window"`
	SendBuffer       int           `mapstructure:"sendbuffer" yaml:"sendbuffer"`
	RTO              time.Duration `mapstructure:"rto" yaml:"rto"`
	MinRTO           time.Duration `mapstructure:"minrto" yaml:"minrto"`
	MaxRTO           time.Duration `mapstructure:"maxrto" yaml:"maxrto"`
	MaxRetransmits   int           `mapstructure:"maxretransmits" yaml:"maxretransmits"`
	TickInterval     time.Duration `mapstructure:"tickinterval" yaml:"tickinterval"`
	HandshakeTimeout time.Duration `mapstructure:"handshaketimeout" yaml:"handshaketimeout"`
	TeardownTimeout  time.Duration `mapstructure:"teardowntimeout" yaml:"teardowntimeout"`
	PendingTimeout   time.Duration `mapstructure:"pendingtimeout" yaml:"pendingtimeout"`
	MaxPending       int           `mapstructure:"maxpending" yaml:"maxpending"`
	AcceptBacklog    int           `mapstructure:"acceptbacklog" yaml:"acceptbacklog"`
	ISN              string        `mapstructure:"isn" yaml:"isn"`
	Socket           Socket        `mapstructure:"socket" yaml:"socket"`
}

// Socket carries UDP socket options. Zero leaves the OS default in place.
type Socket struct {
	ReadBuffer  int  `mapstructure:"readbuffer" yaml:"readbuffer"`
	WriteBuffer int  `mapstructure:"writebuffer" yaml:"writebuffer"`
	ReuseAddr   bool `mapstructure:"reuseaddr" yaml:"reuseaddr"`
}

func Default() Options {
	return Options{
		MSS:              DefaultMSS,
		Window:           DefaultWindow,
		SendBuffer:       DefaultSendBuffer,
		RTO:              DefaultRTO,
		MinRTO:           DefaultMinRTO,
		MaxRTO:           DefaultMaxRTO,
		MaxRetransmits:   DefaultMaxRetransmits,
		TickInterval:     DefaultTickInterval,
		HandshakeTimeout: HandshakeTimeout,
		TeardownTimeout:  TeardownTimeout,
		PendingTimeout:   PendingTimeout,
		MaxPending:       MaxPending,
		AcceptBacklog:    AcceptBacklog,
		ISN:              ISNRandom,
	}
}

func (o Options) Validate() error {
	switch {
	case o.MSS < 1 || o.MSS > packet.MaxPayload:
		return errors.Errorf("mss %d out of range [1, %d]", o.MSS, packet.MaxPayload)
	case o.Window < 1 || o.Window > MaxWindow:
		return errors.Errorf("window %d out of range [1, %d]", o.Window, MaxWindow)
	case o.SendBuffer < o.MSS:
		return errors.Errorf("send buffer %d smaller than mss %d", o.SendBuffer, o.MSS)
	case o.RTO <= 0 || o.MinRTO <= 0 || o.MaxRTO < o.MinRTO:
		return errors.New("rto bounds must be positive with maxrto >= minrto")
	case o.MaxRetransmits < 1:
		return errors.New("maxretransmits must be at least 1")
	case o.TickInterval <= 0:
		return errors.New("tickinterval must be positive")
	case o.HandshakeTimeout <= 0 || o.TeardownTimeout <= 0 || o.PendingTimeout <= 0:
		return errors.New("timeouts must be positive")
	case o.MaxPending < 1 || o.AcceptBacklog < 1:
		return errors.New("maxpending and acceptbacklog must be at least 1")
	case o.ISN != ISNRandom && o.ISN != ISNKeyed:
		return errors.Errorf("unknown isn generator %q", o.ISN)
	}
	return nil
}

// SetDefaults registers Default() values on v so that partial files and
// environment overrides fall back to them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("mss", d.MSS)
	v.SetDefault("window", d.Window)
	v.SetDefault("sendbuffer", d.SendBuffer)
	v.SetDefault("rto", d.RTO)
	v.SetDefault("minrto", d.MinRTO)
	v.SetDefault("maxrto", d.MaxRTO)
	v.SetDefault("maxretransmits", d.MaxRetransmits)
	v.SetDefault("tickinterval", d.TickInterval)
	v.SetDefault("handshaketimeout", d.HandshakeTimeout)
	v.SetDefault("teardowntimeout", d.TeardownTimeout)
	v.SetDefault("pendingtimeout", d.PendingTimeout)
	v.SetDefault("maxpending", d.MaxPending)
	v.SetDefault("acceptbacklog", d.AcceptBacklog)
	v.SetDefault("isn", d.ISN)
	v.SetDefault("socket.readbuffer", 0)
	v.SetDefault("socket.writebuffer", 0)
	v.SetDefault("socket.reuseaddr", false)
}

// Load reads options from the optional YAML file at path, then RDP_* environment
// variables, then whatever flags were bound to v by the caller.
func Load(v *viper.Viper, path string) (Options, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, errors.Wrapf(err, "reading config %s", path)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, errors.Wrap(err, "parsing configuration")
	}
	if err := opts.Validate(); err != nil {
		return Options{}, errors.Wrap(err, "invalid configuration")
	}
	return opts, nil
}
