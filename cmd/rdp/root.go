package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"rdp/internal/config"
	"rdp/internal/logging"
	"rdp/internal/rdp"
	"rdp/internal/transport"
)

type globalFlags struct {
	configFile      string
	logLevel        string
	logRateInterval time.Duration
	logRateBurst    int
	loss            float64
	duplicate       float64
	trace           string
	metricsAddr     string
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "rdp",
		Short:         "Reliable connections over UDP",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "YAML configuration file")
	pf.StringVar(&g.logLevel, "log-level", slog.LevelInfo.String(), "Log level")
	pf.DurationVar(&g.logRateInterval, "log-rate-interval", 100*time.Millisecond, "Log rate limit interval")
	pf.IntVar(&g.logRateBurst, "log-rate-burst", 100, "Log rate burst")
	pf.Float64Var(&g.loss, "loss", 0, "Simulated probability of dropping an outgoing datagram")
	pf.Float64Var(&g.duplicate, "duplicate", 0, "Simulated probability of duplicating an outgoing datagram")
	pf.StringVar(&g.trace, "trace", "", "Write a pcap trace of every datagram to this file")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	pf.Int("mss", config.DefaultMSS, "Maximum segment size")
	pf.Int("window", config.DefaultWindow, "Advertised receive window")
	pf.Duration("rto", config.DefaultRTO, "Initial retransmission timeout")
	pf.Int("max-retransmits", config.DefaultMaxRetransmits, "Retransmissions before a connection fails")
	pf.String("isn", config.ISNRandom, "Initial sequence number generator: random or keyed")
	for key, flag := range map[string]string{
		"mss":            "mss",
		"window":         "window",
		"rto":            "rto",
		"maxretransmits": "max-retransmits",
		"isn":            "isn",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		newListenCommand(v, g),
		newSendCommand(v, g),
	)
	return root
}

// session is what both subcommands build from the global flags.
type session struct {
	log     *logging.Logger
	opts    []rdp.Option
	closers []io.Closer
}

func (g *globalFlags) setup(ctx context.Context, v *viper.Viper) (*session, error) {
	lvl, err := logging.ParseLevel(g.logLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	log := logging.New(&logging.Config{
		Ctx:   ctx,
		Level: lvl,
		RateLimiter: logging.RateLimiterConfig{
			Limit:  rate.Every(g.logRateInterval),
			Burst:  g.logRateBurst,
			Inform: true,
		},
	})

	cfg, err := config.Load(v, g.configFile)
	if err != nil {
		return nil, err
	}

	s := &session{log: log}
	s.opts = []rdp.Option{rdp.WithConfig(cfg), rdp.WithLogger(log)}
	if g.loss > 0 || g.duplicate > 0 {
		log.Warnf("simulating %.0f%% loss and %.0f%% duplication", g.loss*100, g.duplicate*100)
		s.opts = append(s.opts, rdp.WithPacketConn(transport.WrapLossy(transport.LossyConfig{
			Loss:      g.loss,
			Duplicate: g.duplicate,
		})))
	}
	if g.trace != "" {
		f, err := os.Create(g.trace)
		if err != nil {
			return nil, errors.Wrap(err, "trace file")
		}
		tracer, err := transport.NewTracer(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.closers = append(s.closers, f)
		s.opts = append(s.opts, rdp.WithPacketConn(tracer.Wrap))
	}
	return s, nil
}

func (s *session) close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Warnf("close: %v", err)
		}
	}
}

func serveMetrics(ctx context.Context, log *logging.Logger, addr string) error {
	log.Infof("serving metrics on %s", addr)
	defer log.Info("stopping metrics server")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
