package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"rdp/internal/rdp"
)

func newSendCommand(v *viper.Viper, g *globalFlags) *cobra.Command {
	var (
		addr string
		in   string
		echo bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect to a listener and send a file or stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s, err := g.setup(ctx, v)
			if err != nil {
				return err
			}
			defer s.close()

			src := io.Reader(os.Stdin)
			if in != "" {
				f, err := os.Open(in)
				if err != nil {
					return errors.Wrap(err, "input file")
				}
				defer f.Close()
				src = f
			}

			metricsCtx, stopMetrics := context.WithCancel(ctx)
			var errg errgroup.Group
			if g.metricsAddr != "" {
				errg.Go(func() error {
					return serveMetrics(metricsCtx, s.log, g.metricsAddr)
				})
			}

			err = send(ctx, s, addr, src, echo)
			stopMetrics()
			if werr := errg.Wait(); err == nil {
				err = werr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "Listener address")
	cmd.Flags().StringVar(&in, "in", "", "Send this file instead of stdin")
	cmd.Flags().BoolVar(&echo, "echo", false, "Expect the listener to echo and print what comes back")
	return cmd
}

func send(ctx context.Context, s *session, addr string, src io.Reader, echo bool) error {
	c, err := rdp.Dial(ctx, "udp", addr, s.opts...)
	if err != nil {
		return err
	}
	defer c.Close()
	s.log.Infof("connected to %s from %s", c.RemoteAddr(), c.LocalAddr())

	var received countingWriter
	received.w = os.Stdout
	readDone := make(chan error, 1)
	if echo {
		go func() {
			_, err := io.Copy(&received, c)
			readDone <- err
		}()
	}

	start := time.Now()
	sent, err := io.Copy(c, src)
	if err != nil {
		return errors.Wrap(err, "send")
	}

	if echo {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for received.n.Load() < sent {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-readDone:
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return errors.Wrapf(err, "echo ended after %d of %d bytes", received.n.Load(), sent)
			case <-ticker.C:
			}
		}
	}

	if err := c.Close(); err != nil {
		return err
	}
	st := c.Stats()
	s.log.Infof("sent %d bytes in %s: %d segments, %d retransmissions, srtt %s",
		sent, time.Since(start).Round(time.Millisecond), st.SegmentsSent, st.Retransmissions, st.SRTT)
	return nil
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n.Add(int64(n))
	return n, err
}
