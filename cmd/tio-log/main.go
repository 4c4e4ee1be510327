// Command tio-log records the packets a tio proxy broadcasts into a local bbolt file and
// prints them back.
//
//	tio-log record --filter stream|heartbeat --duration 1m
//	tio-log runs
//	tio-log dump 2f1c...
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arloliu/go-tio/client"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/proxy"
	"github.com/arloliu/go-tio/tio"
	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

const (
	defaultDBPath = "~/.tio/log.db"
	flushBatch    = 128
	flushInterval = 500 * time.Millisecond
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// storeRunner opens the --db store around a command body.
type storeRunner func(fn func(st *store, args []string) error) func(*cobra.Command, []string) error

func newRootCmd(out io.Writer) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:          "tio-log",
		Short:        "Record and replay sensor packets from a tio proxy",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "bbolt database file")

	var withStore storeRunner = func(fn func(st *store, args []string) error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			path, err := homedir.Expand(dbPath)
			if err != nil {
				return err
			}
			st, err := openStore(path)
			if err != nil {
				return err
			}
			defer st.Close()

			return fn(st, args)
		}
	}

	cmd.AddCommand(
		newRecordCmd(out, withStore),
		&cobra.Command{
			Use:   "runs",
			Short: "List recorded runs",
			Args:  cobra.NoArgs,
			RunE: withStore(func(st *store, _ []string) error {
				return printRuns(out, st)
			}),
		},
		&cobra.Command{
			Use:   "dump <run-id>",
			Short: "Print the packets of a run",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(st *store, args []string) error {
				return st.packets(args[0], func(seq uint64, pkt tio.Packet) error {
					_, err := fmt.Fprintf(out, "%d %s %x\n", seq, pkt, pkt.Payload)
					return err
				})
			}),
		},
	)

	return cmd
}

type recordOptions struct {
	proxyAddr string
	route     string
	filter    string
	count     int
	duration  time.Duration
}

func newRecordCmd(out io.Writer, withStore storeRunner) *cobra.Command {
	opts := recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record broadcast packets until interrupted",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return withStore(func(st *store, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			info, n, err := opts.record(ctx, st)
			if info.ID != "" {
				fmt.Fprintf(out, "run %s: %d packets\n", info.ID, n)
			}

			return err
		})(c, args)
	}

	f := cmd.Flags()
	f.StringVarP(&opts.proxyAddr, "proxy", "p", proxy.DefaultListenAddress, "proxy address, host:port or ws://host:port/ws")
	f.StringVarP(&opts.route, "route", "r", "/", "record packets from this route and below")
	f.StringVarP(&opts.filter, "filter", "f", "all", "packet categories, e.g. stream|heartbeat")
	f.IntVarP(&opts.count, "count", "n", 0, "stop after this many packets, 0 is unlimited")
	f.DurationVarP(&opts.duration, "duration", "d", 0, "stop after this long, 0 is unlimited")

	return cmd
}

// record subscribes to the proxy and stores packets until the count or duration is reached,
// ctx is cancelled or the proxy goes away.
func (o recordOptions) record(ctx context.Context, st *store) (runInfo, int, error) {
	scope, err := tio.ParseRoute(o.route)
	if err != nil {
		return runInfo{}, 0, err
	}
	filter, err := tio.ParseTypeFilter(o.filter)
	if err != nil {
		return runInfo{}, 0, err
	}

	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	c, err := o.dial(ctx)
	if err != nil {
		return runInfo{}, 0, err
	}
	defer c.Close()

	// replace whatever the proxy subscribed us to on connect
	if err := c.Clear(); err != nil {
		return runInfo{}, 0, err
	}
	if err := c.Subscribe(scope, filter); err != nil {
		return runInfo{}, 0, err
	}

	info := runInfo{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Scope:     scope,
		Filter:    filter,
	}
	if err := st.beginRun(info); err != nil {
		return runInfo{}, 0, err
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	total := 0
	batch := make([]tio.Packet, 0, flushBatch)
	flush := func() error {
		err := st.appendPackets(info.ID, batch)
		batch = batch[:0]

		return err
	}

	for {
		select {
		case pkt, ok := <-c.Packets():
			if !ok {
				if err := flush(); err != nil {
					return info, total, err
				}

				return info, total, fmt.Errorf("proxy connection lost: %w", c.Err())
			}

			batch = append(batch, pkt)
			total++
			if o.count > 0 && total >= o.count {
				return info, total, flush()
			}
			if len(batch) >= flushBatch {
				if err := flush(); err != nil {
					return info, total, err
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return info, total, err
			}

		case <-ctx.Done():
			return info, total, flush()
		}
	}
}

func (o recordOptions) dial(ctx context.Context) (*client.Client, error) {
	l := logger.NewSlogWriter(os.Stderr, logger.WarnLevel, false)

	if strings.HasPrefix(o.proxyAddr, "ws://") || strings.HasPrefix(o.proxyAddr, "wss://") {
		return client.DialWebSocket(ctx, o.proxyAddr, client.WithLogger(l))
	}

	return client.Dial(ctx, o.proxyAddr, client.WithLogger(l))
}

func printRuns(out io.Writer, st *store) error {
	runs, err := st.runs()
	if err != nil {
		return err
	}

	for _, r := range runs {
		_, err := fmt.Fprintf(out, "%s  %s  %s %s  %d packets\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Scope, r.Filter, r.Packets)
		if err != nil {
			return err
		}
	}

	return nil
}
