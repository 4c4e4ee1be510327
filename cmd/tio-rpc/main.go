// Command tio-rpc issues one RPC to a sensor through a tio proxy and prints the reply.
//
//	tio-rpc dev.name
//	tio-rpc --route /1 --arg u32 --reply u32 data.rate 250
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/arloliu/go-tio/client"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/proxy"
	"github.com/arloliu/go-tio/tio"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type rpcOptions struct {
	proxyAddr string
	route     string
	argKind   string
	replyKind string
	timeout   time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := rpcOptions{}

	cmd := &cobra.Command{
		Use:   "tio-rpc <method> [value]",
		Short: "Call a sensor RPC through a tio proxy",
		Long: `tio-rpc encodes the value with the --arg type, calls the named method and prints the
reply decoded with the --reply type. Types: i8 u8 i16 u16 i32 u32 i64 u64 f32 f64 string hex.
--proxy takes host:port for TCP or a ws:// url for the WebSocket endpoint.`,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			if len(args) > 1 {
				value = args[1]
			}

			reply, err := opts.call(cmd.Context(), args[0], value)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, reply)

			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.proxyAddr, "proxy", "p", proxy.DefaultListenAddress, "proxy address, host:port or ws://host:port/ws")
	f.StringVarP(&opts.route, "route", "r", "/", "device route, e.g. /1/3")
	f.StringVarP(&opts.argKind, "arg", "a", string(tio.KindString), "type of the value argument")
	f.StringVarP(&opts.replyKind, "reply", "t", string(tio.KindString), "type of the reply")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline")

	return cmd
}

func (o rpcOptions) call(ctx context.Context, method, value string) (string, error) {
	route, err := tio.ParseRoute(o.route)
	if err != nil {
		return "", err
	}

	var arg []byte
	if value != "" {
		arg, err = tio.ParseValue(tio.ValueKind(o.argKind), value)
		if err != nil {
			return "", fmt.Errorf("argument: %w", err)
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	c, err := o.dial(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	reply, err := c.RPC(ctx, route, method, arg)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}

	return tio.FormatValue(tio.ValueKind(o.replyKind), reply)
}

func (o rpcOptions) dial(ctx context.Context) (*client.Client, error) {
	// keep the terminal clean unless something goes wrong
	l := logger.NewSlogWriter(os.Stderr, logger.WarnLevel, false)

	if strings.HasPrefix(o.proxyAddr, "ws://") || strings.HasPrefix(o.proxyAddr, "wss://") {
		return client.DialWebSocket(ctx, o.proxyAddr, client.WithLogger(l))
	}

	return client.Dial(ctx, o.proxyAddr, client.WithLogger(l))
}
