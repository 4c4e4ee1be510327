// Command tio-proxy owns the serial link of a sensor and serves it to any number of network
// clients.
//
//	tio-proxy /dev/ttyUSB0
//	tio-proxy --config ./proxy.toml --http 127.0.0.1:7856 serial:///dev/ttyACM0?baud=921600
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/proxy"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		flags      = defaultProxyConfig()
	)

	cmd := &cobra.Command{
		Use:   "tio-proxy [device-url]",
		Short: "Share one sensor link with many network clients",
		Long: `tio-proxy opens the sensor transport (a serial port or a tcp bridge) and accepts
clients over TCP and, when --http is set, over WebSocket at /ws. Settings are read from
` + defaultConfigPath + ` and overridden by the flags given on the command line.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg.overlay(flags, cmd.Flags().Changed)
			if len(args) > 0 {
				cfg.Device = args[0]
			}

			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", defaultConfigPath, "config file")
	f.StringVar(&flags.Device, "device", flags.Device, "device url, e.g. serial:///dev/ttyUSB0?baud=115200&target=921600 or tcp://host:port")
	f.StringVarP(&flags.Listen, "listen", "l", flags.Listen, "TCP listen address for clients, empty disables it")
	f.StringVar(&flags.HTTP, "http", flags.HTTP, "HTTP address for /ws, /status and /clients, empty disables it")
	f.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level: debug, info, warn, error")
	f.StringVar(&flags.LogBackend, "log-backend", flags.LogBackend, "log backend: slog, zap, zerolog")
	f.DurationVar(&flags.RequestTimeout.Duration, "request-timeout", flags.RequestTimeout.Duration, "deadline of the first rpc attempt")
	f.IntVar(&flags.RetryLimit, "retry-limit", flags.RetryLimit, "retransmissions of an unanswered rpc")
	f.IntVar(&flags.ClientQueueSize, "client-queue-size", flags.ClientQueueSize, "per-client data queue size")
	f.BoolVar(&flags.SubscribeAll, "subscribe-all", flags.SubscribeAll, "subscribe new clients to every device packet")
	f.BoolVar(&flags.AutoRate, "auto-rate", flags.AutoRate, "negotiate the target rate of a serial device, see the target url parameter")
	f.BoolVar(&flags.AutoReconnect, "auto-reconnect", flags.AutoReconnect, "reopen the device after a failure")
	f.DurationVar(&flags.ReconnectTimeout.Duration, "reconnect-timeout", flags.ReconnectTimeout.Duration, "give up reopening the device after this long, 0 retries forever")
	f.DurationVar(&flags.SubmitGrace.Duration, "submit-grace-period", flags.SubmitGrace.Duration, "fail the device link when its queue stays full this long, 0 disables")
	f.DurationVar(&flags.StatusInterval.Duration, "status-interval", flags.StatusInterval.Duration, "log a status line at this interval, 0 disables")

	return cmd
}

func run(ctx context.Context, cfg proxyConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l, err := cfg.newLogger()
	if err != nil {
		return err
	}
	logger.SetLogger(l)

	linkCfg, err := cfg.newLinkConfig(l)
	if err != nil {
		return err
	}
	proxyCfg, err := cfg.newProxyConfig(l)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := link.NewSession(ctx, linkCfg)
	if err != nil {
		return err
	}

	p, err := proxy.New(ctx, proxyCfg, sess)
	if err != nil {
		_ = sess.Close()
		return err
	}
	if err := p.Start(); err != nil {
		_ = p.Close()
		return fmt.Errorf("start proxy: %w", err)
	}

	select {
	case <-ctx.Done():
		l.Info("shutting down")
		return p.Close()

	case <-p.Done():
		linkErr := p.Err()
		_ = p.Close()
		if errors.Is(linkErr, link.ErrSessionClosed) {
			return nil
		}

		return fmt.Errorf("device link terminated: %w", linkErr)
	}
}
