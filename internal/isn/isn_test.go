package isn

import (
	"net"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
)

var (
	local  = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	other  = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001}
)

func TestRandom(t *testing.T) {
	r := require.New(t)
	g := Random()

	seen := map[seqnum.Value]struct{}{}
	for i := 0; i < 64; i++ {
		seen[g.Next(local, remote)] = struct{}{}
	}
	// 64 draws from 2^32 values colliding down to a handful would mean a broken source.
	r.Greater(len(seen), 60)
}

func TestFixed(t *testing.T) {
	g := Fixed(0xFFFFFFF0)
	require.Equal(t, seqnum.Value(0xFFFFFFF0), g.Next(local, remote))
	require.Equal(t, seqnum.Value(0xFFFFFFF0), g.Next(nil, nil))
}

func TestKeyed(t *testing.T) {
	t.Run("monotonic per address pair", func(t *testing.T) {
		r := require.New(t)
		clock := time.Unix(0, 0)
		g, err := NewKeyed([]byte("0123456789abcdef0123456789abcdef"), func() time.Time { return clock })
		r.NoError(err)

		first := g.Next(local, remote)
		clock = clock.Add(time.Millisecond)
		second := g.Next(local, remote)
		r.Equal(seqnum.Size(250), first.Size(second))
	})

	t.Run("differs between pairs", func(t *testing.T) {
		r := require.New(t)
		clock := time.Unix(0, 0)
		g, err := NewKeyed([]byte("secret"), func() time.Time { return clock })
		r.NoError(err)

		r.NotEqual(g.Next(local, remote), g.Next(local, other))
	})

	t.Run("differs between secrets", func(t *testing.T) {
		r := require.New(t)
		clock := func() time.Time { return time.Unix(0, 0) }
		a, err := NewKeyed([]byte("one"), clock)
		r.NoError(err)
		b, err := NewKeyed([]byte("two"), clock)
		r.NoError(err)

		r.NotEqual(a.Next(local, remote), b.Next(local, remote))
	})

	t.Run("oversized secret", func(t *testing.T) {
		_, err := NewKeyed(make([]byte, 64), time.Now)
		require.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	r := require.New(t)

	g, err := New("random")
	r.NoError(err)
	r.NotNil(g)

	g, err = New("keyed")
	r.NoError(err)
	r.NotNil(g)

	_, err = New("clock")
	r.Error(err)
}
