package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-tio/internal/devicesim"
	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/proxy"
	"github.com/arloliu/go-tio/tio"
	"github.com/stretchr/testify/require"
)

func startProxy(t *testing.T) *proxy.Proxy {
	t.Helper()

	ctx := context.Background()
	nop := logger.NewNopMockLogger()

	dev := devicesim.New("sim", devicesim.WithLogger(nop))
	dev.Handle("data.scale", func(arg []byte) ([]byte, tio.RPCErrorCode) {
		v, err := tio.DecodeValue[uint32](arg)
		if err != nil {
			return nil, tio.ErrorWrongSizeArgs
		}
		return tio.EncodeValue(v * 2), tio.ErrorNone
	})

	linkCfg, err := link.NewConfig("", link.WithOpener(dev.Opener(ctx)), link.WithLogger(nop))
	require.NoError(t, err)
	sess, err := link.NewSession(ctx, linkCfg)
	require.NoError(t, err)

	cfg, err := proxy.NewConfig(
		proxy.WithListenAddress("127.0.0.1:0"),
		proxy.WithHTTPAddress("127.0.0.1:0"),
		proxy.WithLogger(nop),
	)
	require.NoError(t, err)

	p, err := proxy.New(ctx, cfg, sess)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Close() })

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitState(waitCtx, link.StateOpen))

	return p
}

func runCmd(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()

	return out.String(), err
}

func TestRPC(t *testing.T) {
	p := startProxy(t)
	addr := p.Addr().String()

	t.Run("String Reply", func(t *testing.T) {
		out, err := runCmd("--proxy", addr, "dev.name")
		require.NoError(t, err)
		require.Equal(t, "sim\n", out)
	})

	t.Run("Typed Value", func(t *testing.T) {
		out, err := runCmd("--proxy", addr, "--arg", "u32", "--reply", "u32", "data.scale", "21")
		require.NoError(t, err)
		require.Equal(t, "42\n", out)
	})

	t.Run("Hex Echo", func(t *testing.T) {
		out, err := runCmd("--proxy", addr, "-a", "hex", "-t", "hex", "dev.echo", "0102ff")
		require.NoError(t, err)
		require.Equal(t, "0102ff\n", out)
	})

	t.Run("WebSocket", func(t *testing.T) {
		out, err := runCmd("--proxy", "ws://"+p.HTTPAddr().String()+"/ws", "dev.name")
		require.NoError(t, err)
		require.Equal(t, "sim\n", out)
	})

	t.Run("Device Error", func(t *testing.T) {
		_, err := runCmd("--proxy", addr, "no.such")
		var rpcErr *tio.RPCError
		require.ErrorAs(t, err, &rpcErr)
		require.Equal(t, tio.ErrorNotFound, rpcErr.Code)
	})

	t.Run("Bad Argument", func(t *testing.T) {
		_, err := runCmd("--proxy", addr, "--arg", "u8", "data.scale", "300")
		require.ErrorContains(t, err, "argument")
	})

	t.Run("Bad Route", func(t *testing.T) {
		_, err := runCmd("--proxy", addr, "--route", "/1/2/3/4/5/6/7/8/9", "dev.name")
		require.ErrorIs(t, err, tio.ErrRouteTooLong)
	})
}
