package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/time/rate"
)

// Config configures New. Ctx bounds the goroutine that reports lines dropped
// by the rate limiter.
type Config struct {
	Ctx         context.Context
	RateLimiter RateLimiterConfig
	Level       slog.Level
	Output      io.Writer
}

type RateLimiterConfig struct {
	Limit  rate.Limit
	Burst  int
	Inform bool
}

func ParseLevel(lvlStr string) (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(lvlStr))
	return lvl, err
}

func New(cfg *Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Ctx == nil {
		cfg.Ctx = context.Background()
	}

	var handler slog.Handler = slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: cfg.Level,
	})

	if cfg.RateLimiter.Limit != 0 {
		handler = NewRateLimiterHandler(cfg.Ctx, handler, cfg.RateLimiter)
	}

	return &Logger{log: slog.New(handler)}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(&Config{Output: io.Discard, Level: slog.LevelError + 1})
}

func NewTestLog() *Logger {
	return New(&Config{Level: slog.LevelDebug})
}

type Logger struct {
	log *slog.Logger
}

func (l *Logger) Errorf(format string, a ...any) {
	l.doLog(slog.LevelError, format, a...)
}

func (l *Logger) Infof(format string, a ...any) {
	l.doLog(slog.LevelInfo, format, a...)
}

func (l *Logger) Info(msg string) {
	l.doLog(slog.LevelInfo, msg) //nolint:govet
}

func (l *Logger) Debugf(format string, a ...any) {
	l.doLog(slog.LevelDebug, format, a...)
}

func (l *Logger) Warnf(format string, a ...any) {
	l.doLog(slog.LevelWarn, format, a...)
}

func (l *Logger) doLog(lvl slog.Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.log.Handler().Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	_ = l.log.Handler().Handle(ctx, r) //nolint:contextcheck
}

func (l *Logger) WithField(k, v string) *Logger {
	return &Logger{log: l.log.With(slog.String(k, v))}
}
