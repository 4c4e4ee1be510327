package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-tio/client"
	"github.com/arloliu/go-tio/internal/devicesim"
	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
	"github.com/stretchr/testify/require"
)

func newTestDevice(opts ...devicesim.Option) *devicesim.Device {
	opts = append([]devicesim.Option{devicesim.WithLogger(logger.NewNopMockLogger())}, opts...)
	return devicesim.New("sim", opts...)
}

// newTestProxy starts a proxy in front of dev and waits for the device link.
func newTestProxy(t *testing.T, dev *devicesim.Device, opts ...Option) *Proxy {
	t.Helper()

	ctx := context.Background()
	linkCfg, err := link.NewConfig("",
		link.WithOpener(dev.Opener(ctx)),
		link.WithRetryDelay(10*time.Millisecond, 50*time.Millisecond),
		link.WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)

	sess, err := link.NewSession(ctx, linkCfg)
	require.NoError(t, err)

	opts = append([]Option{WithListenAddress("127.0.0.1:0"), WithHTTPAddress("127.0.0.1:0")}, opts...)
	p, err := New(ctx, newTestConfig(t, opts...), sess)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Close() })

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitState(waitCtx, link.StateOpen))

	return p
}

func dialTestClient(t *testing.T, p *Proxy) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, p.Addr().String(), client.WithLogger(logger.NewNopMockLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// the proxy registers the client right after accept
	require.Eventually(t, func() bool { return len(p.Registry().Clients()) > 0 }, 2*time.Second, 5*time.Millisecond)

	return c
}

func recvType(t *testing.T, c *client.Client, want tio.PacketType) tio.Packet {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		pkt, err := c.Recv(ctx)
		require.NoError(t, err)
		if pkt.Type == want {
			return pkt
		}
	}
}

func TestProxy_FanOut(t *testing.T) {
	t.Run("All Clients", func(t *testing.T) {
		require := require.New(t)

		dev := newTestDevice(devicesim.WithStreamInterval(5 * time.Millisecond))
		p := newTestProxy(t, dev)
		a := dialTestClient(t, p)
		b := dialTestClient(t, p)

		for _, c := range []*client.Client{a, b} {
			pkt := recvType(t, c, tio.StreamType(0))
			seq, err := tio.DecodeValue[uint32](pkt.Payload[:4])
			require.NoError(err)
			require.NotZero(seq)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stats, err := a.Stats(ctx)
		require.NoError(err)
		require.NotZero(stats.Delivered)
	})

	t.Run("Filtered Subscription", func(t *testing.T) {
		require := require.New(t)

		dev := newTestDevice(
			devicesim.WithStreamInterval(2*time.Millisecond),
			devicesim.WithHeartbeatInterval(10*time.Millisecond),
		)
		p := newTestProxy(t, dev, WithSubscribeAllOnConnect(false))
		c := dialTestClient(t, p)
		require.NoError(c.Subscribe(tio.RootRoute, tio.FilterHeartbeat))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for range 3 {
			pkt, err := c.Recv(ctx)
			require.NoError(err)
			require.Equal(tio.TypeHeartbeat, pkt.Type)
		}
	})

	t.Run("Foreign Scope", func(t *testing.T) {
		require := require.New(t)

		dev := newTestDevice(devicesim.WithStreamInterval(2 * time.Millisecond))
		p := newTestProxy(t, dev, WithSubscribeAllOnConnect(false))
		c := dialTestClient(t, p)
		require.NoError(c.Subscribe(tio.MustRoute(3), tio.FilterAll))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := c.Recv(ctx)
		require.ErrorIs(err, context.DeadlineExceeded)
		require.NotZero(p.Metrics().UndeliveredCount.Load())
	})
}

func TestProxy_RPC(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice(devicesim.WithStreamInterval(time.Millisecond))
	p := newTestProxy(t, dev)
	clients := []*client.Client{dialTestClient(t, p), dialTestClient(t, p)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				arg := []byte(fmt.Sprintf("client-%d-call-%d", i, j))
				reply, err := c.RPC(ctx, tio.RootRoute, "dev.echo", arg)
				if err == nil && !bytes.Equal(arg, reply) {
					err = fmt.Errorf("reply %q for %q", reply, arg)
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(err)
	}

	t.Run("Device Error", func(t *testing.T) {
		_, err := clients[0].RPC(ctx, tio.RootRoute, "no.such.method", nil)
		var rpcErr *tio.RPCError
		require.ErrorAs(err, &rpcErr)
		require.Equal(tio.ErrorNotFound, rpcErr.Code)
	})

	t.Run("Internal Client", func(t *testing.T) {
		reply, err := p.CallRPC(ctx, tio.RootRoute, "dev.name", nil)
		require.NoError(err)
		require.Equal([]byte("sim"), reply)
	})

	require.Zero(p.Registry().PendingCount())
	require.Zero(p.Metrics().UnmatchedResponseCount.Load())
}

func TestProxy_RPCRetry(t *testing.T) {
	t.Run("Answered After Retransmit", func(t *testing.T) {
		require := require.New(t)

		dev := newTestDevice()
		p := newTestProxy(t, dev, WithRequestTimeout(100*time.Millisecond))
		c := dialTestClient(t, p)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		dev.IgnoreRequests(1)
		reply, err := c.RPC(ctx, tio.RootRoute, "dev.name", nil)
		require.NoError(err)
		require.Equal([]byte("sim"), reply)
		require.Equal(uint64(2), dev.Requests())
		require.Equal(uint64(1), p.Metrics().RetransmitCount.Load())
	})

	t.Run("Timeout", func(t *testing.T) {
		require := require.New(t)

		dev := newTestDevice()
		p := newTestProxy(t, dev, WithRequestTimeout(100*time.Millisecond), WithRetryLimit(2))
		c := dialTestClient(t, p)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		dev.IgnoreRequests(3)
		_, err := c.RPC(ctx, tio.RootRoute, "dev.name", nil)
		require.ErrorIs(err, tio.ErrRequestTimeout)
		require.Equal(uint64(3), dev.Requests())
		require.Equal(uint64(1), p.Metrics().TimeoutCount.Load())
	})
}

func TestProxy_MalformedClient(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice()
	p := newTestProxy(t, dev)
	good := dialTestClient(t, p)

	bad, err := net.Dial("tcp", p.Addr().String())
	require.NoError(err)
	defer bad.Close()

	_, err = bad.Write([]byte("this is not a frame"))
	require.NoError(err)

	// EOF or a reset, anything but the read deadline
	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.Copy(io.Discard, bad)
	var netErr net.Error
	require.False(errors.As(err, &netErr) && netErr.Timeout(), "proxy did not close the malformed client")

	require.Eventually(func() bool {
		return p.Metrics().ClientProtocolErrCount.Load() == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := good.RPC(ctx, tio.RootRoute, "dev.name", nil)
	require.NoError(err)
	require.Equal([]byte("sim"), reply)
	require.Len(p.Registry().Clients(), 1)
}

func TestProxy_LinkLoss(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice()
	p := newTestProxy(t, dev, WithRequestTimeout(time.Second))
	c := dialTestClient(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev.IgnoreRequests(1)
	result := make(chan error, 1)
	go func() {
		_, err := c.RPC(ctx, tio.RootRoute, "dev.name", nil)
		result <- err
	}()

	require.Eventually(func() bool { return p.Registry().PendingCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	dev.Disconnect()

	select {
	case err := <-result:
		require.ErrorIs(err, tio.ErrLinkLost)
	case <-time.After(2 * time.Second):
		require.FailNow("pending rpc was not cancelled")
	}
	require.Equal(uint64(1), p.Metrics().LinkLostCount.Load())

	// the link comes back and serves requests again
	require.Eventually(func() bool {
		callCtx, callCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer callCancel()
		reply, err := c.RPC(callCtx, tio.RootRoute, "dev.name", nil)

		return err == nil && string(reply) == "sim"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestProxy_RPCWhileLinkDown(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	linkCfg, err := link.NewConfig("",
		link.WithOpener(link.OpenerFunc(func(context.Context) (link.Transport, error) {
			return nil, errors.New("no device")
		})),
		link.WithRetryDelay(10*time.Millisecond, 50*time.Millisecond),
		link.WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(err)
	sess, err := link.NewSession(ctx, linkCfg)
	require.NoError(err)

	p, err := New(ctx, newTestConfig(t, WithListenAddress(""), WithHTTPAddress("")), sess)
	require.NoError(err)
	require.NoError(p.Start())
	defer p.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	_, err = p.Attach(local, "pipe")
	require.NoError(err)

	req, err := tio.NewRPCRequest(tio.RootRoute, "dev.name", nil)
	require.NoError(err)
	frame, err := tio.Encode(req.WithToken(11))
	require.NoError(err)
	_, err = remote.Write(frame)
	require.NoError(err)

	// read until the deadline: a second reply would show up within it
	var replies []tio.Packet
	dec := tio.NewDecoder()
	buf := make([]byte, 1024)
	_ = remote.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		n, err := remote.Read(buf)
		if n > 0 {
			pkts, _ := dec.Feed(buf[:n])
			replies = append(replies, pkts...)
		}
		if err != nil {
			break
		}
	}

	require.Len(replies, 1)
	require.Equal(tio.TypeRPCError, replies[0].Type)
	require.Equal(uint16(11), replies[0].Token)
	rpcErr, err := tio.ParseRPCError(replies[0])
	require.NoError(err)
	require.Equal(tio.ErrorLinkLost, rpcErr.Code)
	require.Zero(p.Registry().PendingCount())
}

// decodeAll reads frames from conn until the read deadline or stop returns true.
func decodeAll(conn net.Conn, stop func([]tio.Packet) bool) []tio.Packet {
	var got []tio.Packet
	dec := tio.NewDecoder()
	buf := make([]byte, 1024)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !stop(got) {
		n, err := conn.Read(buf)
		if n > 0 {
			pkts, _ := dec.Feed(buf[:n])
			got = append(got, pkts...)
		}
		if err != nil {
			break
		}
	}

	return got
}

func TestProxy_SlowClient(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice()
	p := newTestProxy(t, dev, WithClientDataQueueSize(2))

	// nobody reads the remote end until every packet was handed over
	local, remote := net.Pipe()
	defer remote.Close()
	s, err := p.Attach(local, "pipe")
	require.NoError(err)

	const n = 10
	for i := range n {
		require.Equal(1, p.distributor.Broadcast(tio.NewStreamData(tio.RootRoute, 0, []byte{byte(i)})))
	}
	const controls = 5
	for range controls {
		s.DeliverControl(tio.NewStatsControl(s.Stats()))
	}

	dropped := s.Stats().Dropped
	require.GreaterOrEqual(dropped, uint64(n-3))
	require.Equal(dropped, p.Metrics().DroppedCount.Load())

	got := decodeAll(remote, func(pkts []tio.Packet) bool {
		return len(pkts) > 0 && pkts[len(pkts)-1].Type.IsStream() && pkts[len(pkts)-1].Payload[0] == n-1
	})

	var data, ctrl int
	last := -1
	for _, pkt := range got {
		switch {
		case pkt.Type.IsStream():
			require.Greater(int(pkt.Payload[0]), last, "stream order")
			last = int(pkt.Payload[0])
			data++
		case pkt.Type == tio.TypeProxyControl:
			ctrl++
		}
	}
	require.Equal(n-1, last, "the newest packet survives")
	require.Equal(n, data+int(dropped))
	require.Equal(controls, ctrl, "control packets are never dropped")

	require.NoError(s.Close())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		require.FailNow("session not torn down")
	}
	require.ErrorIs(s.Err(), ErrClientClosed)
	require.Empty(p.Registry().Clients())
}

func TestProxy_ClientDetach(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice()
	p := newTestProxy(t, dev, WithRequestTimeout(time.Second))

	local, remote := net.Pipe()
	s, err := p.Attach(local, "pipe")
	require.NoError(err)

	dev.IgnoreRequests(1)
	req, err := tio.NewRPCRequest(tio.RootRoute, "dev.name", nil)
	require.NoError(err)
	frame, err := tio.Encode(req.WithToken(5))
	require.NoError(err)
	_, err = remote.Write(frame)
	require.NoError(err)

	require.Eventually(func() bool { return p.Registry().PendingCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(remote.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		require.FailNow("session not torn down")
	}
	require.Zero(p.Registry().PendingCount())
	require.Zero(p.Metrics().LinkLostCount.Load())
	require.Zero(p.Metrics().ClientActiveGauge.Load())
}

func TestProxy_WebSocket(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice(devicesim.WithStreamInterval(5 * time.Millisecond))
	p := newTestProxy(t, dev)
	base := p.HTTPAddr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := client.DialWebSocket(ctx, "ws://"+base+"/ws", client.WithLogger(logger.NewNopMockLogger()))
	require.NoError(err)
	defer c.Close()

	reply, err := c.RPC(ctx, tio.RootRoute, "dev.name", nil)
	require.NoError(err)
	require.Equal([]byte("sim"), reply)
	recvType(t, c, tio.StreamType(0))

	t.Run("Status", func(t *testing.T) {
		resp, err := http.Get("http://" + base + "/status")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusOK, resp.StatusCode)

		var st Status
		require.NoError(json.NewDecoder(resp.Body).Decode(&st))
		require.Equal("opened", st.State)
		require.Equal("open", st.LinkState)
		require.Equal("custom", st.Transport)
		require.Equal(1, st.Clients)
		require.NotZero(st.Proxy.BroadcastCount)
		require.NotZero(st.Link.PacketRecvCount)
	})

	t.Run("Clients", func(t *testing.T) {
		resp, err := http.Get("http://" + base + "/clients")
		require.NoError(err)
		defer resp.Body.Close()

		var infos []ClientInfo
		require.NoError(json.NewDecoder(resp.Body).Decode(&infos))
		require.Len(infos, 1)
		require.Equal("websocket", infos[0].Transport)
		require.Equal([]string{"/ all"}, infos[0].Subscriptions)
	})
}

func TestProxy_Close(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice()
	p := newTestProxy(t, dev)
	c := dialTestClient(t, p)

	require.NoError(p.Close())
	require.NoError(p.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		require.FailNow("client not disconnected")
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		require.FailNow("device link not closed")
	}

	require.ErrorIs(p.Start(), ErrProxyClosed)
	_, err := p.Attach(&net.TCPConn{}, "tcp")
	require.ErrorIs(err, ErrProxyClosed)
	require.Equal("closed", p.Status().State)
}

func TestProxy_CloseDuringStart(t *testing.T) {
	require := require.New(t)

	for range 20 {
		dev := newTestDevice()
		ctx := context.Background()
		linkCfg, err := link.NewConfig("", link.WithOpener(dev.Opener(ctx)), link.WithLogger(logger.NewNopMockLogger()))
		require.NoError(err)
		sess, err := link.NewSession(ctx, linkCfg)
		require.NoError(err)

		p, err := New(ctx, newTestConfig(t, WithListenAddress("127.0.0.1:0"), WithHTTPAddress("127.0.0.1:0")), sess)
		require.NoError(err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = p.Start()
		}()
		go func() {
			defer wg.Done()
			_ = p.Close()
		}()
		wg.Wait()

		// whichever won, no server outlives Close
		if addr := p.HTTPAddr(); addr != nil {
			require.Eventually(func() bool {
				conn, err := net.DialTimeout("tcp", addr.String(), 50*time.Millisecond)
				if err != nil {
					return true
				}
				_ = conn.Close()

				return false
			}, time.Second, 10*time.Millisecond)
		}
	}
}

// writeFrame encodes pkt onto the client end of a pipe.
func writeFrame(t *testing.T, conn net.Conn, pkt tio.Packet) {
	t.Helper()

	frame, err := tio.Encode(pkt)
	require.NoError(t, err)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func TestProxy_ClientScope(t *testing.T) {
	dev := newTestDevice(
		devicesim.WithRoute(tio.MustRoute(2)),
		devicesim.WithStreamInterval(2*time.Millisecond),
	)

	t.Run("Relative Routes", func(t *testing.T) {
		require := require.New(t)

		p := newTestProxy(t, dev)
		inside := dialTestClient(t, p)
		require.NoError(inside.SetScope(tio.MustRoute(2)))

		// packets queued before the scope took effect still carry /2
		relative := false
		for range 200 {
			if recvType(t, inside, tio.StreamType(0)).Route.IsRoot() {
				relative = true
				break
			}
		}
		require.True(relative)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reply, err := inside.RPC(ctx, tio.RootRoute, "dev.name", nil)
		require.NoError(err)
		require.Equal([]byte("sim"), reply)
	})

	t.Run("Outside Scope", func(t *testing.T) {
		require := require.New(t)

		p := newTestProxy(t, dev)
		local, remote := net.Pipe()
		defer remote.Close()
		_, err := p.Attach(local, "pipe", WithClientScope(tio.MustRoute(3)))
		require.NoError(err)

		// subscribed to everything below /3, the device at /2 is never seen
		got := decodeAll(remote, func(pkts []tio.Packet) bool { return len(pkts) > 0 })
		require.Empty(got)
		require.NotZero(p.Metrics().BroadcastCount.Load())
	})

	t.Run("Requests And Subscriptions Are Joined", func(t *testing.T) {
		require := require.New(t)

		p := newTestProxy(t, dev, WithSubscribeAllOnConnect(false), WithRequestTimeout(200*time.Millisecond))
		local, remote := net.Pipe()
		defer remote.Close()
		s, err := p.Attach(local, "pipe", WithClientScope(tio.MustRoute(2)))
		require.NoError(err)

		writeFrame(t, remote, tio.NewControl(tio.ControlSubscribe, tio.MustRoute(1), tio.FilterStream))
		require.Eventually(func() bool {
			subs := p.Registry().Subscriptions(s.ID())
			return len(subs) == 1 && subs[0].Scope == tio.MustRoute(2, 1)
		}, time.Second, 5*time.Millisecond)

		dev.IgnoreRequests(1)
		req, err := tio.NewRPCRequest(tio.RootRoute, "dev.name", nil)
		require.NoError(err)
		writeFrame(t, remote, req.WithToken(4))
		require.Eventually(func() bool {
			pending := p.Registry().pendingOf(s.ID())
			return len(pending) == 1 && pending[0].Request.Route == tio.MustRoute(2)
		}, time.Second, 5*time.Millisecond)

		// the retransmitted request is answered with the route the client used
		got := decodeAll(remote, func(pkts []tio.Packet) bool { return len(pkts) > 0 })
		require.Len(got, 1)
		require.Equal(tio.TypeRPCReply, got[0].Type)
		require.Equal(uint16(4), got[0].Token)
		require.True(got[0].Route.IsRoot())
		require.Equal("/2", s.Info().Scope)
	})
}

func TestProxy_ClientRPCTimeout(t *testing.T) {
	require := require.New(t)

	dev := newTestDevice()
	p := newTestProxy(t, dev, WithRetryLimit(0))

	local, remote := net.Pipe()
	_, err := p.Attach(local, "pipe", WithClientRPCTimeout(10*time.Millisecond))
	require.ErrorContains(err, "client rpc timeout out of range")
	_, err = remote.Read(make([]byte, 1))
	require.ErrorIs(err, io.EOF)

	local, remote = net.Pipe()
	defer remote.Close()
	s, err := p.Attach(local, "pipe", WithClientRPCTimeout(100*time.Millisecond))
	require.NoError(err)
	require.Equal(100*time.Millisecond, s.RPCTimeout())

	dev.IgnoreRequests(1)
	req, err := tio.NewRPCRequest(tio.RootRoute, "dev.name", nil)
	require.NoError(err)
	start := time.Now()
	writeFrame(t, remote, req.WithToken(8))

	// the proxy default of 2s does not apply to this client
	got := decodeAll(remote, func(pkts []tio.Packet) bool { return len(pkts) > 0 })
	require.Len(got, 1)
	require.Less(time.Since(start), time.Second)
	rpcErr, err := tio.ParseRPCError(got[0])
	require.NoError(err)
	require.Equal(tio.ErrorTimeout, rpcErr.Code)

	t.Run("Set By Control Packet", func(t *testing.T) {
		writeFrame(t, remote, tio.NewRPCTimeoutControl(1500*time.Millisecond))
		require.Eventually(func() bool { return s.RPCTimeout() == 1500*time.Millisecond }, time.Second, 5*time.Millisecond)

		// out of range values are ignored
		writeFrame(t, remote, tio.NewRPCTimeoutControl(2*time.Minute))
		writeFrame(t, remote, tio.NewControl(tio.ControlQueryStats, tio.RootRoute, tio.FilterNone))
		got := decodeAll(remote, func(pkts []tio.Packet) bool { return len(pkts) > 0 })
		require.Len(got, 1)
		require.Equal(1500*time.Millisecond, s.RPCTimeout())
	})
}
