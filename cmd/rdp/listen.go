package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"rdp/internal/logging"
	"rdp/internal/rdp"
)

func newListenCommand(v *viper.Viper, g *globalFlags) *cobra.Command {
	var (
		addr string
		echo bool
		out  string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept connections and write or echo what peers send",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s, err := g.setup(ctx, v)
			if err != nil {
				return err
			}
			defer s.close()

			sink := &syncWriter{w: os.Stdout}
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return errors.Wrap(err, "output file")
				}
				defer f.Close()
				sink.w = f
			}

			l, err := rdp.Listen("udp", addr, s.opts...)
			if err != nil {
				return err
			}

			errg, ctx := errgroup.WithContext(ctx)
			if g.metricsAddr != "" {
				errg.Go(func() error {
					return serveMetrics(ctx, s.log, g.metricsAddr)
				})
			}
			errg.Go(func() error {
				<-ctx.Done()
				return l.Close()
			})
			errg.Go(func() error {
				for c, err := range l.Incoming(ctx) {
					if err != nil {
						if errors.Is(err, rdp.ErrListenerClosed) || errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
					errg.Go(func() error {
						serveConn(ctx, s.log, c, echo, sink)
						return nil
					})
				}
				return nil
			})
			return errg.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "Address to listen on")
	cmd.Flags().BoolVar(&echo, "echo", false, "Send received data back to the peer")
	cmd.Flags().StringVar(&out, "out", "", "Write received data to this file instead of stdout")
	return cmd
}

func serveConn(ctx context.Context, log *logging.Logger, c *rdp.Conn, echo bool, sink io.Writer) {
	log = log.WithField("conn", c.ID().String())
	defer c.Close()

	// Unblock Read when the command is stopped.
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})
	defer stop()

	var (
		n   int64
		err error
	)
	if echo {
		n, err = io.Copy(c, c)
	} else {
		n, err = io.Copy(sink, c)
	}
	if err != nil {
		log.Warnf("connection from %s ended: %v", c.RemoteAddr(), err)
		return
	}
	st := c.Stats()
	log.Infof("connection from %s done: %d bytes, %d retransmissions", c.RemoteAddr(), n, st.Retransmissions)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
