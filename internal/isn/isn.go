// Package isn provides initial sequence number sources for new connections.
package isn

import (
	crand "crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"

	"rdp/internal/config"
)

type Generator interface {
	Next(local, remote net.Addr) seqnum.Value
}

type GeneratorFunc func(local, remote net.Addr) seqnum.Value

func (f GeneratorFunc) Next(local, remote net.Addr) seqnum.Value {
	return f(local, remote)
}

// Random draws every ISN uniformly from the 32-bit space.
func Random() Generator {
	return GeneratorFunc(func(_, _ net.Addr) seqnum.Value {
		return seqnum.Value(cryptoRandUint32())
	})
}

// Fixed always returns v. Only useful for tests and reproducible traces.
func Fixed(v seqnum.Value) Generator {
	return GeneratorFunc(func(_, _ net.Addr) seqnum.Value {
		return v
	})
}

// Keyed generates ISNs as M + F(secret, local, remote) where M is a clock
// ticking every 4 microseconds and F is keyed BLAKE2s. ISNs of successive
// connections between the same pair of addresses keep increasing while ISNs of
// different pairs are unrelated.
func Keyed() (Generator, error) {
	secret := make([]byte, blake2s.Size)
	if _, err := crand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "reading isn secret")
	}
	return NewKeyed(secret, time.Now)
}

func NewKeyed(secret []byte, now func() time.Time) (Generator, error) {
	// Validate the key once so Next cannot fail.
	if _, err := blake2s.New256(secret); err != nil {
		return nil, errors.Wrap(err, "invalid isn secret")
	}
	key := append([]byte(nil), secret...)
	epoch := now()
	return GeneratorFunc(func(local, remote net.Addr) seqnum.Value {
		h, _ := blake2s.New256(key)
		h.Write([]byte(addrString(local)))
		h.Write([]byte{0})
		h.Write([]byte(addrString(remote)))
		sum := h.Sum(nil)

		ticks := uint32(now().Sub(epoch) / (4 * time.Microsecond))
		return seqnum.Value(binary.BigEndian.Uint32(sum) + ticks)
	}), nil
}

// New returns the generator named by kind.
func New(kind string) (Generator, error) {
	switch kind {
	case "", config.ISNRandom:
		return Random(), nil
	case config.ISNKeyed:
		return Keyed()
	default:
		return nil, errors.Errorf("unknown isn generator %q", kind)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func cryptoRandUint32() uint32 {
	var buf [4]byte
	_, _ = crand.Read(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}
