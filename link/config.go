package link

import (
	"fmt"
	"time"

	"github.com/arloliu/go-tio/logger"
)

// Default link settings.
const (
	DefaultOutboundQueueSize = 32
	DefaultInboundQueueSize  = 256
	DefaultReadBufferSize    = 512

	DefaultOpenTimeout       = 3 * time.Second
	DefaultWriteTimeout      = 2 * time.Second
	DefaultSubmitGracePeriod = 5 * time.Second

	DefaultInitialRetryDelay = 100 * time.Millisecond
	DefaultMaxRetryDelay     = 30 * time.Second

	retryDelayFactor = 2
)

// Range limits of the link settings.
const (
	MaxQueueSize      = 65536
	MinReadBufferSize = 16
	MaxReadBufferSize = 65536

	MinOpenTimeout = 100 * time.Millisecond
	MaxOpenTimeout = 60 * time.Second

	MaxWriteTimeout = 60 * time.Second

	MinSubmitGracePeriod = 100 * time.Millisecond
	MaxSubmitGracePeriod = 10 * time.Minute

	MinRetryDelay = 10 * time.Millisecond
	MaxRetryDelay = 10 * time.Minute
)

// Config holds the configuration of a link session.
type Config struct {
	// url selects the transport, see NewOpener.
	url    string
	opener Opener

	outboundQueueSize int
	inboundQueueSize  int
	readBufferSize    int

	openTimeout       time.Duration
	writeTimeout      time.Duration
	submitGracePeriod time.Duration

	// autoReconnect reopens the transport after a failure instead of terminating the session.
	autoReconnect bool
	// reconnectTimeout bounds how long the supervisor keeps retrying, zero retries forever.
	reconnectTimeout  time.Duration
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration

	// rates overrides the rates of the opener, for injected openers of rate capable transports.
	rates Rates

	logger logger.Logger
}

// NewConfig creates a link configuration.
//
// url selects the transport (see NewOpener). It may be empty when WithOpener is given.
// opts are functional options applied in order; see With* functions.
func NewConfig(url string, opts ...ConnOption) (*Config, error) {
	cfg := &Config{
		url:               url,
		outboundQueueSize: DefaultOutboundQueueSize,
		inboundQueueSize:  DefaultInboundQueueSize,
		readBufferSize:    DefaultReadBufferSize,
		openTimeout:       DefaultOpenTimeout,
		writeTimeout:      DefaultWriteTimeout,
		submitGracePeriod: DefaultSubmitGracePeriod,
		autoReconnect:     true,
		initialRetryDelay: DefaultInitialRetryDelay,
		maxRetryDelay:     DefaultMaxRetryDelay,
		logger:            logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.opener == nil {
		if cfg.url == "" {
			return nil, ErrNoOpener
		}

		opener, err := NewOpener(cfg.url, cfg.openTimeout)
		if err != nil {
			return nil, err
		}
		cfg.opener = opener
	}

	return cfg, nil
}

// --- Getters ---

// URL returns the transport URL, empty when an Opener was injected.
func (cfg *Config) URL() string { return cfg.url }

// OutboundQueueSize returns the capacity of the device-bound queue.
func (cfg *Config) OutboundQueueSize() int { return cfg.outboundQueueSize }

// InboundQueueSize returns the capacity of the inbound packet channel.
func (cfg *Config) InboundQueueSize() int { return cfg.inboundQueueSize }

// WriteTimeout returns the transport write deadline, zero when disabled.
func (cfg *Config) WriteTimeout() time.Duration { return cfg.writeTimeout }

// SubmitGracePeriod returns how long Submit may stay blocked on a full queue, zero when unbounded.
func (cfg *Config) SubmitGracePeriod() time.Duration { return cfg.submitGracePeriod }

// AutoReconnect returns whether the transport is reopened after a failure.
func (cfg *Config) AutoReconnect() bool { return cfg.autoReconnect }

// ReconnectTimeout returns how long the supervisor retries, zero means forever.
func (cfg *Config) ReconnectTimeout() time.Duration { return cfg.reconnectTimeout }

// Rates returns the line rates of the transport; zero when the transport has none.
func (cfg *Config) Rates() Rates {
	if cfg.rates != (Rates{}) {
		return cfg.rates
	}
	if ro, ok := cfg.opener.(rateOpener); ok {
		return ro.Rates()
	}

	return Rates{}
}

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- ConnOption ---

// ConnOption is a functional option for configuring a link Config.
type ConnOption interface {
	apply(*Config) error
}

type connOptFunc func(*Config) error

func (f connOptFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}

	return f(cfg)
}

// WithOpener injects the transport opener, overriding the URL.
func WithOpener(opener Opener) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if opener == nil {
			return ErrNoOpener
		}
		cfg.opener = opener

		return nil
	})
}

// WithOutboundQueueSize sets the capacity of the device-bound queue, range [1, 65536].
func WithOutboundQueueSize(size int) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if size < 1 || size > MaxQueueSize {
			return fmt.Errorf("outbound queue size out of range [1, %d]", MaxQueueSize)
		}
		cfg.outboundQueueSize = size

		return nil
	})
}

// WithInboundQueueSize sets the capacity of the inbound packet channel, range [1, 65536].
func WithInboundQueueSize(size int) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if size < 1 || size > MaxQueueSize {
			return fmt.Errorf("inbound queue size out of range [1, %d]", MaxQueueSize)
		}
		cfg.inboundQueueSize = size

		return nil
	})
}

// WithReadBufferSize sets the size of a single transport read, range [16, 65536].
func WithReadBufferSize(size int) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if size < MinReadBufferSize || size > MaxReadBufferSize {
			return fmt.Errorf("read buffer size out of range [%d, %d]", MinReadBufferSize, MaxReadBufferSize)
		}
		cfg.readBufferSize = size

		return nil
	})
}

// WithOpenTimeout sets the timeout of a single transport open attempt, range [100ms, 60s].
func WithOpenTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < MinOpenTimeout || d > MaxOpenTimeout {
			return fmt.Errorf("open timeout out of range [%v, %v]", MinOpenTimeout, MaxOpenTimeout)
		}
		cfg.openTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the transport write deadline, range [0, 60s]. Zero disables it.
func WithWriteTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < 0 || d > MaxWriteTimeout {
			return fmt.Errorf("write timeout out of range [0, %v]", MaxWriteTimeout)
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithSubmitGracePeriod sets how long Submit may block on a full outbound queue before the
// link is declared stalled, range [100ms, 10m]. Zero lets Submit block until its context ends.
func WithSubmitGracePeriod(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d != 0 && (d < MinSubmitGracePeriod || d > MaxSubmitGracePeriod) {
			return fmt.Errorf("submit grace period out of range [%v, %v]", MinSubmitGracePeriod, MaxSubmitGracePeriod)
		}
		cfg.submitGracePeriod = d

		return nil
	})
}

// WithAutoReconnect enables or disables reopening the transport after a failure. Enabled by default.
func WithAutoReconnect(enable bool) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		cfg.autoReconnect = enable
		return nil
	})
}

// WithReconnectTimeout bounds how long the supervisor keeps retrying to reopen the transport.
// Zero retries forever.
func WithReconnectTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("reconnect timeout must not be negative")
		}
		cfg.reconnectTimeout = d

		return nil
	})
}

// WithRetryDelay sets the initial and maximum backoff between open attempts, range [10ms, 10m].
func WithRetryDelay(initial, maximum time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if initial < MinRetryDelay || maximum > MaxRetryDelay || initial > maximum {
			return fmt.Errorf("retry delay out of range [%v, %v]", MinRetryDelay, MaxRetryDelay)
		}
		cfg.initialRetryDelay = initial
		cfg.maxRetryDelay = maximum

		return nil
	})
}

// WithBaudRates sets the default and target line rates of transports from an injected opener.
// The transports must implement RateSetter for the target rate to be negotiated.
func WithBaudRates(defaultRate, targetRate int) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if defaultRate <= 0 || targetRate <= 0 {
			return fmt.Errorf("invalid baud rates %d/%d", defaultRate, targetRate)
		}
		cfg.rates = Rates{Default: defaultRate, Target: targetRate}

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
