package logging_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"rdp/internal/logging"
)

func TestLogger(t *testing.T) {
	t.Run("fields and levels", func(t *testing.T) {
		r := require.New(t)
		var out bytes.Buffer
		log := logging.New(&logging.Config{
			Output: &out,
			Level:  slog.LevelInfo,
		})

		log.Errorf("something wrong: %v", errors.New("ups"))
		connLog := log.WithField("conn", "c1").WithField("peer", "127.0.0.1:9000")
		connLog.Info("established")
		connLog.Debugf("hidden %d", 1)

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		r.Len(lines, 2)
		r.Contains(lines[0], "something wrong: ups")
		r.Contains(lines[1], "conn=c1")
		r.Contains(lines[1], "peer=127.0.0.1:9000")
	})

	t.Run("rate limit", func(t *testing.T) {
		var out bytes.Buffer
		log := logging.New(&logging.Config{
			Output: &out,
			Level:  slog.LevelDebug,
			RateLimiter: logging.RateLimiterConfig{
				Limit: rate.Every(10 * time.Millisecond),
				Burst: 1,
			},
		})

		for i := 0; i < 10; i++ {
			log.WithField("component", "test").Info("test")
			time.Sleep(8 * time.Millisecond)
		}

		require.GreaterOrEqual(t, countLogLines(&out), 5)
	})

	t.Run("burst is suppressed", func(t *testing.T) {
		r := require.New(t)
		var out bytes.Buffer
		log := logging.New(&logging.Config{
			Output: &out,
			Level:  slog.LevelDebug,
			RateLimiter: logging.RateLimiterConfig{
				Limit: rate.Every(time.Hour),
				Burst: 2,
			},
		})

		for i := 0; i < 100; i++ {
			log.Debugf("checksum mismatch %d", i)
		}
		r.Equal(2, countLogLines(&out))
	})

	t.Run("parse level", func(t *testing.T) {
		r := require.New(t)
		lvl, err := logging.ParseLevel("warn")
		r.NoError(err)
		r.Equal(slog.LevelWarn, lvl)
		_, err = logging.ParseLevel("loud")
		r.Error(err)
	})

	t.Run("nop", func(t *testing.T) {
		log := logging.Nop()
		log.Errorf("nothing %d", 1)
		log.WithField("conn", "c1").Warnf("nothing %d", 2)
	})
}

func countLogLines(buf *bytes.Buffer) int {
	var n int
	for _, b := range buf.Bytes() {
		if b == '\n' {
			n++
		}
	}
	return n
}
