package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/arloliu/go-tio/internal/devicesim"
	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/proxy"
	"github.com/stretchr/testify/require"
)

func startProxy(t *testing.T) *proxy.Proxy {
	t.Helper()

	ctx := context.Background()
	nop := logger.NewNopMockLogger()

	dev := devicesim.New("sim",
		devicesim.WithStreamInterval(2*time.Millisecond),
		devicesim.WithHeartbeatInterval(5*time.Millisecond),
		devicesim.WithLogger(nop),
	)

	linkCfg, err := link.NewConfig("", link.WithOpener(dev.Opener(ctx)), link.WithLogger(nop))
	require.NoError(t, err)
	sess, err := link.NewSession(ctx, linkCfg)
	require.NoError(t, err)

	cfg, err := proxy.NewConfig(
		proxy.WithListenAddress("127.0.0.1:0"),
		proxy.WithHTTPAddress(""),
		proxy.WithSubscribeAllOnConnect(false),
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

func TestRecordAndDump(t *testing.T) {
	require := require.New(t)

	p := startProxy(t)
	db := filepath.Join(t.TempDir(), "log.db")

	out, err := runCmd("record", "--db", db, "--proxy", p.Addr().String(), "--filter", "heartbeat", "--count", "5", "--duration", "5s")
	require.NoError(err)
	require.Contains(out, ": 5 packets")

	runID := strings.TrimSuffix(strings.TrimPrefix(out, "run "), ": 5 packets\n")
	require.Len(runID, 36)

	out, err = runCmd("runs", "--db", db)
	require.NoError(err)
	require.Contains(out, runID)
	require.Contains(out, "/ heartbeat  5 packets")

	out, err = runCmd("dump", "--db", db, runID)
	require.NoError(err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(lines, 5)
	for i, line := range lines {
		require.True(strings.HasPrefix(line, strconv.Itoa(i+1)+" heartbeat route=/"), line)
	}

	_, err = runCmd("dump", "--db", db, "unknown")
	require.ErrorIs(err, errRunNotFound)
}

func TestRecord_Duration(t *testing.T) {
	require := require.New(t)

	p := startProxy(t)
	db := filepath.Join(t.TempDir(), "log.db")

	start := time.Now()
	out, err := runCmd("record", "--db", db, "-p", p.Addr().String(), "-f", "stream", "-d", "100ms")
	require.NoError(err)
	require.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
	require.True(strings.HasPrefix(out, "run "), out)
	require.NotContains(out, ": 0 packets")
}

func TestRecord_BadOptions(t *testing.T) {
	db := filepath.Join(t.TempDir(), "log.db")

	_, err := runCmd("record", "--db", db, "--filter", "bogus")
	require.ErrorContains(t, err, `unknown type filter "bogus"`)

	_, err = runCmd("record", "--db", db, "--proxy", "127.0.0.1:1", "--duration", "1s")
	require.Error(t, err)
}
