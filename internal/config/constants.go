package config

import "time"

// MaxWindow is the largest window the 16-bit header field can carry.
const MaxWindow = 65535

// Segment and window defaults
const (
	DefaultMSS        = 1460
	DefaultWindow     = 65535
	DefaultSendBuffer = 65535
)

// Retransmission
const (
	DefaultRTO            = 200 * time.Millisecond
	DefaultMinRTO         = 20 * time.Millisecond
	DefaultMaxRTO         = 5 * time.Second
	DefaultMaxRetransmits = 8
	DefaultTickInterval   = 10 * time.Millisecond
)

// Timeouts
const (
	HandshakeTimeout = 5 * time.Second
	TeardownTimeout  = 5 * time.Second
	PendingTimeout   = 30 * time.Second
)

// Listener limits
const (
	MaxPending    = 1024
	AcceptBacklog = 128
)

// Initial sequence number generators
const (
	ISNRandom = "random"
	ISNKeyed  = "keyed"
)

// Environment variable prefix for configuration overrides.
const EnvPrefix = "RDP"
