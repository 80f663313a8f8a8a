package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		r := require.New(t)

		cfg, err := Load(viper.New(), "")
		r.NoError(err)
		r.Equal(Default(), cfg)
	})

	t.Run("load config from file", func(t *testing.T) {
		r := require.New(t)
		expectedCfg := newTestConfig()

		cfgFilePath := writeConfig(t, expectedCfg)

		actualCfg, err := Load(viper.New(), cfgFilePath)
		r.NoError(err)
		r.Equal(expectedCfg, actualCfg)
	})

	t.Run("override config from env variables", func(t *testing.T) {
		r := require.New(t)
		expectedCfg := newTestConfig()
		cfgFilePath := writeConfig(t, expectedCfg)

		expectedCfg.MaxRetransmits = 3
		expectedCfg.Socket.ReadBuffer = 1 << 20
		t.Setenv("RDP_MAXRETRANSMITS", "3")
		t.Setenv("RDP_SOCKET_READBUFFER", "1048576")

		actualCfg, err := Load(viper.New(), cfgFilePath)
		r.NoError(err)
		r.Equal(expectedCfg, actualCfg)
	})

	t.Run("override config from flags", func(t *testing.T) {
		r := require.New(t)

		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.Int("mss", DefaultMSS, "")
		fs.Duration("rto", DefaultRTO, "")
		r.NoError(fs.Parse([]string{"--mss=512", "--rto=50ms"}))

		v := viper.New()
		r.NoError(v.BindPFlag("mss", fs.Lookup("mss")))
		r.NoError(v.BindPFlag("rto", fs.Lookup("rto")))

		cfg, err := Load(v, "")
		r.NoError(err)
		r.Equal(512, cfg.MSS)
		r.Equal(50*time.Millisecond, cfg.RTO)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		r := require.New(t)
		cfg := newTestConfig()
		cfg.MSS = 2000

		_, err := Load(viper.New(), writeConfig(t, cfg))
		r.ErrorContains(err, "mss")
	})

	t.Run("missing file", func(t *testing.T) {
		r := require.New(t)

		_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
		r.Error(err)
	})
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(o *Options){
		"zero mss":           func(o *Options) { o.MSS = 0 },
		"window too large":   func(o *Options) { o.Window = MaxWindow + 1 },
		"send buffer":        func(o *Options) { o.SendBuffer = o.MSS - 1 },
		"rto bounds":         func(o *Options) { o.MaxRTO = o.MinRTO - 1 },
		"no retransmits":     func(o *Options) { o.MaxRetransmits = 0 },
		"zero tick":          func(o *Options) { o.TickInterval = 0 },
		"zero handshake":     func(o *Options) { o.HandshakeTimeout = 0 },
		"zero backlog":       func(o *Options) { o.AcceptBacklog = 0 },
		"unknown isn source": func(o *Options) { o.ISN = "clock" },
	} {
		t.Run(name, func(t *testing.T) {
			o := Default()
			mutate(&o)
			require.Error(t, o.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func writeConfig(t *testing.T, cfg Options) string {
	t.Helper()
	cfgBytes, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	cfgFilePath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgFilePath, cfgBytes, 0600))
	return cfgFilePath
}

func newTestConfig() Options {
	return Options{
		MSS:              1200,
		Window:           32768,
		SendBuffer:       65535,
		RTO:              150 * time.Millisecond,
		MinRTO:           10 * time.Millisecond,
		MaxRTO:           2 * time.Second,
		MaxRetransmits:   6,
		TickInterval:     5 * time.Millisecond,
		HandshakeTimeout: 3 * time.Second,
		TeardownTimeout:  4 * time.Second,
		PendingTimeout:   10 * time.Second,
		MaxPending:       64,
		AcceptBacklog:    16,
		ISN:              ISNKeyed,
		Socket: Socket{
			WriteBuffer: 4096,
			ReuseAddr:   true,
		},
	}
}
