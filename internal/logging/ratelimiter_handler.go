package logging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// NewRateLimiterHandler caps each level at cfg.Limit records per second.
// Protocol noise such as corrupt datagrams from a hostile peer would otherwise
// flood the output.
func NewRateLimiterHandler(ctx context.Context, next slog.Handler, cfg RateLimiterConfig) slog.Handler {
	droppedLogsCounters := map[slog.Level]*atomic.Uint64{
		slog.LevelDebug: atomic.NewUint64(0),
		slog.LevelInfo:  atomic.NewUint64(0),
		slog.LevelWarn:  atomic.NewUint64(0),
		slog.LevelError: atomic.NewUint64(0),
	}
	if cfg.Inform {
		go printDroppedLogsCounter(ctx, next, droppedLogsCounters)
	}
	return &RateLimiterHandler{
		next: next,
		rt: map[slog.Level]*rate.Limiter{
			slog.LevelDebug: rate.NewLimiter(cfg.Limit, cfg.Burst),
			slog.LevelInfo:  rate.NewLimiter(cfg.Limit, cfg.Burst),
			slog.LevelWarn:  rate.NewLimiter(cfg.Limit, cfg.Burst),
			slog.LevelError: rate.NewLimiter(cfg.Limit, cfg.Burst),
		},
		droppedLogsCounters: droppedLogsCounters,
	}
}

type RateLimiterHandler struct {
	next                slog.Handler
	rt                  map[slog.Level]*rate.Limiter
	droppedLogsCounters map[slog.Level]*atomic.Uint64
}

func (s *RateLimiterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !s.next.Enabled(ctx, level) {
		return false
	}
	rt, ok := s.rt[level]
	if !ok {
		return true
	}
	if !rt.Allow() {
		s.droppedLogsCounters[level].Inc()
		return false
	}
	return true
}

func (s *RateLimiterHandler) Handle(ctx context.Context, record slog.Record) error {
	return s.next.Handle(ctx, record)
}

func (s *RateLimiterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RateLimiterHandler{
		next:                s.next.WithAttrs(attrs),
		rt:                  s.rt,
		droppedLogsCounters: s.droppedLogsCounters,
	}
}

func (s *RateLimiterHandler) WithGroup(name string) slog.Handler {
	return &RateLimiterHandler{
		next:                s.next.WithGroup(name),
		rt:                  s.rt,
		droppedLogsCounters: s.droppedLogsCounters,
	}
}

func printDroppedLogsCounter(ctx context.Context, next slog.Handler, droppedLogsCounters map[slog.Level]*atomic.Uint64) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for level, val := range droppedLogsCounters {
				if count := val.Swap(0); count > 0 {
					msg := fmt.Sprintf("logs rate limit, dropped %d lines for level %s", count, level.String())
					_ = next.Handle(ctx, slog.NewRecord(time.Now(), slog.LevelWarn, msg, 0))
				}
			}
		}
	}
}
