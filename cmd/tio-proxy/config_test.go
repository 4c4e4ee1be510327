package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-tio/proxy"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "proxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("Missing Default File", func(t *testing.T) {
		require := require.New(t)

		cfg, err := loadConfig(filepath.Join(t.TempDir(), "none.toml"), false)
		require.NoError(err)
		require.Equal(defaultProxyConfig(), cfg)
	})

	t.Run("Missing Explicit File", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "none.toml"), true)
		require.ErrorContains(t, err, "load proxy config")
	})

	t.Run("Partial File", func(t *testing.T) {
		require := require.New(t)

		path := writeConfig(t, `
device = "serial:///dev/ttyUSB0?baud=921600"
http = "127.0.0.1:7856"
request_timeout = "500ms"
retry_limit = 4
subscribe_all = false
auto_rate = false
reconnect_timeout = "1m"
`)
		cfg, err := loadConfig(path, true)
		require.NoError(err)
		require.Equal("serial:///dev/ttyUSB0?baud=921600", cfg.Device)
		require.Equal("127.0.0.1:7856", cfg.HTTP)
		require.Equal(500*time.Millisecond, cfg.RequestTimeout.Duration)
		require.Equal(4, cfg.RetryLimit)
		require.False(cfg.SubscribeAll)
		require.False(cfg.AutoRate)
		require.Equal(time.Minute, cfg.ReconnectTimeout.Duration)

		// untouched keys keep their defaults
		require.Equal(proxy.DefaultListenAddress, cfg.Listen)
		require.Equal(proxy.DefaultClientDataQueueSize, cfg.ClientQueueSize)
		require.True(cfg.AutoReconnect)
	})

	t.Run("Unknown Key", func(t *testing.T) {
		path := writeConfig(t, `baud = 115200`)
		_, err := loadConfig(path, true)
		require.ErrorContains(t, err, "unknown keys baud")
	})

	t.Run("Bad Duration", func(t *testing.T) {
		path := writeConfig(t, `request_timeout = "soon"`)
		_, err := loadConfig(path, true)
		require.Error(t, err)
	})
}

func TestConfigOverlay(t *testing.T) {
	require := require.New(t)

	cfg := defaultProxyConfig()
	cfg.Device = "/dev/ttyACM0"
	cfg.HTTP = "127.0.0.1:7856"

	flags := defaultProxyConfig()
	flags.Listen = "0.0.0.0:9000"
	flags.HTTP = "ignored:1"
	flags.RetryLimit = 0
	flags.AutoRate = false

	changed := map[string]bool{"listen": true, "retry-limit": true, "auto-rate": true}
	cfg.overlay(flags, func(name string) bool { return changed[name] })

	require.Equal("/dev/ttyACM0", cfg.Device)
	require.Equal("0.0.0.0:9000", cfg.Listen)
	require.Equal("127.0.0.1:7856", cfg.HTTP)
	require.Zero(cfg.RetryLimit)
	require.False(cfg.AutoRate)
}

func TestConfigBuild(t *testing.T) {
	require := require.New(t)

	cfg := defaultProxyConfig()
	cfg.LogBackend = "zerolog"
	cfg.LogLevel = "warn"
	cfg.Device = "tcp://127.0.0.1:7000"
	cfg.HTTP = "127.0.0.1:0"

	l, err := cfg.newLogger()
	require.NoError(err)

	linkCfg, err := cfg.newLinkConfig(l)
	require.NoError(err)
	require.Equal("tcp://127.0.0.1:7000", linkCfg.URL())
	require.True(linkCfg.AutoReconnect())

	proxyCfg, err := cfg.newProxyConfig(l)
	require.NoError(err)
	require.Equal("127.0.0.1:0", proxyCfg.HTTPAddress())
	require.True(proxyCfg.AutoRate())

	cfg.Device = ""
	_, err = cfg.newLinkConfig(l)
	require.ErrorContains(err, "no device given")

	cfg.LogBackend = "syslog"
	_, err = cfg.newLogger()
	require.ErrorContains(err, `unknown log backend "syslog"`)
}

func TestRootCmd_Flags(t *testing.T) {
	require := require.New(t)

	cmd := newRootCmd()
	for _, name := range []string{
		"config", "device", "listen", "http", "log-level", "log-backend", "request-timeout", "retry-limit",
		"client-queue-size", "subscribe-all", "auto-rate", "auto-reconnect", "reconnect-timeout", "submit-grace-period",
		"status-interval",
	} {
		require.NotNil(cmd.Flags().Lookup(name), name)
	}

	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "none.toml")})
	require.ErrorContains(cmd.Execute(), "load proxy config")
}
