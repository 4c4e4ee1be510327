package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/proxy"
	homedir "github.com/mitchellh/go-homedir"
)

const defaultConfigPath = "~/.tio/proxy.toml"

// duration decodes TOML strings such as "2s" or "500ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v

	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// proxyConfig is the proxy.toml key mapping. Keys missing from the file keep their defaults.
type proxyConfig struct {
	Device           string   `toml:"device"`
	Listen           string   `toml:"listen"`
	HTTP             string   `toml:"http"`
	LogLevel         string   `toml:"log_level"`
	LogBackend       string   `toml:"log_backend"`
	RequestTimeout   duration `toml:"request_timeout"`
	RetryLimit       int      `toml:"retry_limit"`
	ClientQueueSize  int      `toml:"client_queue_size"`
	SubscribeAll     bool     `toml:"subscribe_all"`
	AutoRate         bool     `toml:"auto_rate"`
	AutoReconnect    bool     `toml:"auto_reconnect"`
	ReconnectTimeout duration `toml:"reconnect_timeout"`
	SubmitGrace      duration `toml:"submit_grace_period"`
	StatusInterval   duration `toml:"status_interval"`
}

func defaultProxyConfig() proxyConfig {
	return proxyConfig{
		Listen:          proxy.DefaultListenAddress,
		LogLevel:        "info",
		LogBackend:      string(logger.BackendSlog),
		RequestTimeout:  duration{proxy.DefaultRequestTimeout},
		RetryLimit:      proxy.DefaultRetryLimit,
		ClientQueueSize: proxy.DefaultClientDataQueueSize,
		SubscribeAll:    true,
		AutoRate:        true,
		AutoReconnect:   true,
		SubmitGrace:     duration{link.DefaultSubmitGracePeriod},
	}
}

// loadConfig reads the TOML file at path over the defaults. A missing file is only an error
// when required is set.
func loadConfig(path string, required bool) (proxyConfig, error) {
	cfg := defaultProxyConfig()

	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("expand config path %q: %w", path, err)
	}

	meta, err := toml.DecodeFile(expanded, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return defaultProxyConfig(), nil
		}

		return cfg, fmt.Errorf("load proxy config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return cfg, fmt.Errorf("load proxy config: unknown keys %s", strings.Join(keys, ", "))
	}

	return cfg, nil
}

// overlay copies the values of the flags the user set explicitly.
func (cfg *proxyConfig) overlay(flags proxyConfig, changed func(name string) bool) {
	if changed("device") {
		cfg.Device = flags.Device
	}
	if changed("listen") {
		cfg.Listen = flags.Listen
	}
	if changed("http") {
		cfg.HTTP = flags.HTTP
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("log-backend") {
		cfg.LogBackend = flags.LogBackend
	}
	if changed("request-timeout") {
		cfg.RequestTimeout = flags.RequestTimeout
	}
	if changed("retry-limit") {
		cfg.RetryLimit = flags.RetryLimit
	}
	if changed("client-queue-size") {
		cfg.ClientQueueSize = flags.ClientQueueSize
	}
	if changed("subscribe-all") {
		cfg.SubscribeAll = flags.SubscribeAll
	}
	if changed("auto-rate") {
		cfg.AutoRate = flags.AutoRate
	}
	if changed("auto-reconnect") {
		cfg.AutoReconnect = flags.AutoReconnect
	}
	if changed("reconnect-timeout") {
		cfg.ReconnectTimeout = flags.ReconnectTimeout
	}
	if changed("submit-grace-period") {
		cfg.SubmitGrace = flags.SubmitGrace
	}
	if changed("status-interval") {
		cfg.StatusInterval = flags.StatusInterval
	}
}

func (cfg *proxyConfig) newLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	return logger.New(logger.Backend(cfg.LogBackend), level)
}

func (cfg *proxyConfig) newLinkConfig(l logger.Logger) (*link.Config, error) {
	if cfg.Device == "" {
		return nil, errors.New("no device given, set device in the config file or pass it as argument")
	}

	return link.NewConfig(cfg.Device,
		link.WithAutoReconnect(cfg.AutoReconnect),
		link.WithReconnectTimeout(cfg.ReconnectTimeout.Duration),
		link.WithSubmitGracePeriod(cfg.SubmitGrace.Duration),
		link.WithLogger(l),
	)
}

func (cfg *proxyConfig) newProxyConfig(l logger.Logger) (*proxy.Config, error) {
	return proxy.NewConfig(
		proxy.WithListenAddress(cfg.Listen),
		proxy.WithHTTPAddress(cfg.HTTP),
		proxy.WithRequestTimeout(cfg.RequestTimeout.Duration),
		proxy.WithRetryLimit(cfg.RetryLimit),
		proxy.WithClientDataQueueSize(cfg.ClientQueueSize),
		proxy.WithSubscribeAllOnConnect(cfg.SubscribeAll),
		proxy.WithAutoRate(cfg.AutoRate),
		proxy.WithStatusLogInterval(cfg.StatusInterval.Duration),
		proxy.WithLogger(l),
	)
}
