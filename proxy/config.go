package proxy

import (
	"fmt"
	"net"
	"time"

	"github.com/arloliu/go-tio/logger"
)

// Default proxy settings.
const (
	DefaultListenAddress       = "127.0.0.1:7855"
	DefaultClientDataQueueSize = 256
	DefaultRequestTimeout      = 2 * time.Second
	DefaultMaxRequestTimeout   = 60 * time.Second
	DefaultRetryLimit          = 2
	DefaultClientWriteTimeout  = 5 * time.Second
	DefaultAcceptTimeout       = 500 * time.Millisecond
	DefaultRateNoDataTimeout   = time.Second
)

// Range limits of the proxy settings.
const (
	MinRequestTimeout = 100 * time.Millisecond
	MaxRequestTimeout = 60 * time.Second
	MaxRetryLimit     = 10
	MaxQueueSize      = 65536
)

// Config holds the configuration of a proxy.
type Config struct {
	// listenAddress is the TCP address clients connect to, empty disables the TCP listener.
	listenAddress string
	// httpAddress serves /ws, /status and /clients, empty disables the HTTP server.
	httpAddress string

	clientDataQueueSize int
	clientWriteTimeout  time.Duration

	requestTimeout    time.Duration
	maxRequestTimeout time.Duration
	retryLimit        int

	subscribeAllOnConnect bool
	statusLogInterval     time.Duration
	acceptTimeout         time.Duration

	// autoRate negotiates the target line rate of a serial link with the root device.
	autoRate          bool
	rateNoDataTimeout time.Duration

	logger logger.Logger
}

// NewConfig creates a proxy configuration.
//
// opts are functional options applied in order; see With* functions.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		listenAddress:         DefaultListenAddress,
		clientDataQueueSize:   DefaultClientDataQueueSize,
		clientWriteTimeout:    DefaultClientWriteTimeout,
		requestTimeout:        DefaultRequestTimeout,
		maxRequestTimeout:     DefaultMaxRequestTimeout,
		retryLimit:            DefaultRetryLimit,
		subscribeAllOnConnect: true,
		acceptTimeout:         DefaultAcceptTimeout,
		autoRate:              true,
		rateNoDataTimeout:     DefaultRateNoDataTimeout,
		logger:                logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.requestTimeout > cfg.maxRequestTimeout {
		return nil, fmt.Errorf("request timeout %v exceeds max request timeout %v", cfg.requestTimeout, cfg.maxRequestTimeout)
	}

	return cfg, nil
}

// --- Getters ---

// ListenAddress returns the TCP listen address, empty when disabled.
func (cfg *Config) ListenAddress() string { return cfg.listenAddress }

// HTTPAddress returns the HTTP listen address, empty when disabled.
func (cfg *Config) HTTPAddress() string { return cfg.httpAddress }

// ClientDataQueueSize returns the capacity of the per-client data queue.
func (cfg *Config) ClientDataQueueSize() int { return cfg.clientDataQueueSize }

// RequestTimeout returns the deadline of the first RPC attempt.
func (cfg *Config) RequestTimeout() time.Duration { return cfg.requestTimeout }

// RetryLimit returns how many times an unanswered RPC is retransmitted.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// AutoRate returns whether the target line rate of a serial link is negotiated.
func (cfg *Config) AutoRate() bool { return cfg.autoRate }

// SubscribeAllOnConnect returns whether new clients receive every packet of the device tree.
func (cfg *Config) SubscribeAllOnConnect() bool { return cfg.subscribeAllOnConnect }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a proxy Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}

	return f(cfg)
}

// WithListenAddress sets the TCP listen address of the proxy. An empty address disables it.
func WithListenAddress(addr string) Option {
	return optFunc(func(cfg *Config) error {
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("invalid listen address %q: %w", addr, err)
			}
		}
		cfg.listenAddress = addr

		return nil
	})
}

// WithHTTPAddress sets the address of the HTTP server carrying WebSocket clients and status
// endpoints. An empty address disables it.
func WithHTTPAddress(addr string) Option {
	return optFunc(func(cfg *Config) error {
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("invalid http address %q: %w", addr, err)
			}
		}
		cfg.httpAddress = addr

		return nil
	})
}

// WithClientDataQueueSize sets the capacity of each client data queue, range [1, 65536].
// The oldest packet is dropped when a full queue receives a new one.
func WithClientDataQueueSize(size int) Option {
	return optFunc(func(cfg *Config) error {
		if size < 1 || size > MaxQueueSize {
			return fmt.Errorf("client data queue size out of range [1, %d]", MaxQueueSize)
		}
		cfg.clientDataQueueSize = size

		return nil
	})
}

// WithClientWriteTimeout sets the write deadline of client connections. Zero disables it.
func WithClientWriteTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("client write timeout must not be negative")
		}
		cfg.clientWriteTimeout = d

		return nil
	})
}

// WithRequestTimeout sets the deadline of the first RPC attempt, range [100ms, 60s].
func WithRequestTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinRequestTimeout || d > MaxRequestTimeout {
			return fmt.Errorf("request timeout out of range [%v, %v]", MinRequestTimeout, MaxRequestTimeout)
		}
		cfg.requestTimeout = d

		return nil
	})
}

// WithMaxRequestTimeout caps the doubled deadline of retransmitted RPCs, range [100ms, 60s].
func WithMaxRequestTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinRequestTimeout || d > MaxRequestTimeout {
			return fmt.Errorf("max request timeout out of range [%v, %v]", MinRequestTimeout, MaxRequestTimeout)
		}
		cfg.maxRequestTimeout = d

		return nil
	})
}

// WithRetryLimit sets how many times an unanswered RPC is retransmitted, range [0, 10].
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxRetryLimit {
			return fmt.Errorf("retry limit out of range [0, %d]", MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithSubscribeAllOnConnect controls whether new clients start subscribed to the whole device tree.
func WithSubscribeAllOnConnect(enable bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.subscribeAllOnConnect = enable
		return nil
	})
}

// WithAutoRate controls whether the proxy negotiates the target rate of a serial link with the root
// device. Enabled by default; it only applies to links configured with a target rate.
func WithAutoRate(enable bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.autoRate = enable
		return nil
	})
}

// WithRateNoDataTimeout sets how long the link may stay silent at the negotiated rate before it
// falls back to the default rate, range [100ms, 60s].
func WithRateNoDataTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinRequestTimeout || d > MaxRequestTimeout {
			return fmt.Errorf("rate no data timeout out of range [%v, %v]", MinRequestTimeout, MaxRequestTimeout)
		}
		cfg.rateNoDataTimeout = d

		return nil
	})
}

// WithStatusLogInterval enables a periodic status log line. Zero disables it.
func WithStatusLogInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("status log interval must not be negative")
		}
		cfg.statusLogInterval = d

		return nil
	})
}

// WithAcceptTimeout sets the accept deadline used to poll for shutdown, range [10ms, 10s].
func WithAcceptTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 10*time.Millisecond || d > 10*time.Second {
			return fmt.Errorf("accept timeout out of range [10ms, 10s]")
		}
		cfg.acceptTimeout = d

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
