// Package client speaks the tio packet protocol to a proxy, as a logging tool, a monitor or an
// RPC tool would.
//
// A Client decodes everything the proxy sends: RPC responses are matched to the waiting RPC call,
// stats replies to the waiting Stats call, and device packets are queued for Recv.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tio/internal/wsconn"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultQueueSize is the default capacity of the received packet queue.
const DefaultQueueSize = 1024

// ErrClosed is returned after the connection to the proxy ended.
var ErrClosed = errors.New("client closed")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithQueueSize sets the capacity of the received packet queue. When the queue is full the oldest
// packet is dropped.
func WithQueueSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// Client is a connection to a proxy.
type Client struct {
	conn      io.ReadWriteCloser
	logger    logger.Logger
	queueSize int

	packets chan tio.Packet
	dropped atomic.Uint64

	pending *xsync.MapOf[uint16, chan tio.Packet]
	tokenID atomic.Uint32

	statsMu      sync.Mutex
	statsWaiters []chan tio.ClientStats

	writeMu sync.Mutex
	wbuf    []byte

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to the TCP listener of a proxy.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", addr, err)
	}

	return New(conn, opts...), nil
}

// DialWebSocket connects to the /ws endpoint of a proxy, e.g. ws://127.0.0.1:7856/ws.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", url, err)
	}
	ws.SetReadLimit(wsconn.ReadLimit)

	return New(wsconn.New(ws), opts...), nil
}

// New creates a client over an established connection and starts reading from it.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		conn:      conn,
		logger:    logger.GetLogger(),
		queueSize: DefaultQueueSize,
		pending:   xsync.NewMapOf[uint16, chan tio.Packet](),
		wbuf:      make([]byte, 0, tio.MaxFrameSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "tio-client")
	c.packets = make(chan tio.Packet, c.queueSize)

	go c.readLoop()

	return c
}

// Packets returns the device packets received. The channel is closed when the client is closed.
func (c *Client) Packets() <-chan tio.Packet {
	return c.packets
}

// Recv waits for the next device packet.
func (c *Client) Recv(ctx context.Context) (tio.Packet, error) {
	select {
	case pkt, ok := <-c.packets:
		if !ok {
			return tio.Packet{}, c.closeErr()
		}
		return pkt, nil
	case <-ctx.Done():
		return tio.Packet{}, ctx.Err()
	}
}

// Dropped returns how many received packets were dropped because Recv did not keep up.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Send writes a packet to the proxy.
func (c *Client) Send(pkt tio.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame, err := tio.AppendEncode(c.wbuf[:0], pkt)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.shutdown(err)
		return err
	}

	return nil
}

// Subscribe adds packets of the types in filter routed within scope to the delivered packets.
func (c *Client) Subscribe(scope tio.Route, filter tio.TypeFilter) error {
	return c.Send(tio.NewControl(tio.ControlSubscribe, scope, filter))
}

// Unsubscribe removes the types in filter from the subscription of scope.
func (c *Client) Unsubscribe(scope tio.Route, filter tio.TypeFilter) error {
	return c.Send(tio.NewControl(tio.ControlUnsubscribe, scope, filter))
}

// Clear removes every subscription.
func (c *Client) Clear() error {
	return c.Send(tio.NewControl(tio.ControlClear, tio.RootRoute, tio.FilterNone))
}

// SetScope moves the client below scope. Routes in requests and subscriptions become relative to
// scope, and the proxy delivers only packets from within it, with their routes made relative.
func (c *Client) SetScope(scope tio.Route) error {
	return c.Send(tio.NewScopeControl(scope))
}

// SetRPCTimeout sets the deadline the proxy gives the first attempt of each RPC of this client,
// range [100ms, 60s]. The proxy ignores values outside the range.
func (c *Client) SetRPCTimeout(d time.Duration) error {
	return c.Send(tio.NewRPCTimeoutControl(d))
}

// Stats asks the proxy for the delivery counters of this client.
func (c *Client) Stats(ctx context.Context) (tio.ClientStats, error) {
	ch := make(chan tio.ClientStats, 1)

	// waiters are answered in order; the send happens under the lock to keep that order
	c.statsMu.Lock()
	c.statsWaiters = append(c.statsWaiters, ch)
	err := c.Send(tio.NewControl(tio.ControlQueryStats, tio.RootRoute, tio.FilterNone))
	c.statsMu.Unlock()
	if err != nil {
		return tio.ClientStats{}, err
	}

	select {
	case stats := <-ch:
		return stats, nil
	case <-c.done:
		return tio.ClientStats{}, c.closeErr()
	case <-ctx.Done():
		return tio.ClientStats{}, ctx.Err()
	}
}

// Call sends an RPC request and waits for its response packet. The request token is chosen by
// the client.
func (c *Client) Call(ctx context.Context, req tio.Packet) (tio.Packet, error) {
	if req.Type != tio.TypeRPCRequest {
		return tio.Packet{}, fmt.Errorf("%w: %s is not an rpc request", tio.ErrInvalidPacket, req.Type)
	}

	ch := make(chan tio.Packet, 1)
	token := c.nextToken()
	for {
		if _, loaded := c.pending.LoadOrStore(token, ch); !loaded {
			break
		}
		token = c.nextToken()
	}
	defer c.pending.Delete(token)

	if err := c.Send(req.WithToken(token)); err != nil {
		return tio.Packet{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return tio.Packet{}, c.closeErr()
	case <-ctx.Done():
		return tio.Packet{}, ctx.Err()
	}
}

// RPC calls a named device method and returns its reply. Device errors, including the ones the
// proxy generates, are returned as *tio.RPCError.
func (c *Client) RPC(ctx context.Context, route tio.Route, method string, arg []byte) ([]byte, error) {
	req, err := tio.NewRPCRequest(route, method, arg)
	if err != nil {
		return nil, err
	}

	resp, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}

	return tio.ResponseResult(resp)
}

// Done is closed when the connection to the proxy ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is up.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the connection to the proxy.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) nextToken() uint16 {
	for {
		if token := uint16(c.tokenID.Add(1)); token != 0 { //nolint:gosec // truncation intended
			return token
		}
	}
}

func (c *Client) closeErr() error {
	if errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}

	return fmt.Errorf("%w: %w", ErrClosed, c.err)
}

func (c *Client) readLoop() {
	defer close(c.packets)

	dec := tio.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			pkts, frameErrs := dec.Feed(buf[:n])
			for _, fe := range frameErrs {
				c.logger.Warn("frame error from proxy", "error", fe)
			}
			for _, pkt := range pkts {
				c.dispatch(pkt)
			}
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) dispatch(pkt tio.Packet) {
	switch {
	case pkt.Type.IsRPCResponse():
		if ch, ok := c.pending.LoadAndDelete(pkt.Token); ok {
			ch <- pkt
			return
		}
		c.logger.Debug("drop unmatched rpc response", "token", pkt.Token)

	case pkt.Type == tio.TypeProxyControl:
		ctrl, err := tio.ParseControl(pkt)
		if err != nil || ctrl.Op != tio.ControlStats {
			c.logger.Debug("ignore control packet", "packet", pkt, "error", err)
			return
		}

		c.statsMu.Lock()
		var ch chan tio.ClientStats
		if len(c.statsWaiters) > 0 {
			ch = c.statsWaiters[0]
			c.statsWaiters = c.statsWaiters[1:]
		}
		c.statsMu.Unlock()
		if ch != nil {
			ch <- ctrl.Stats
		}

	default:
		for {
			select {
			case c.packets <- pkt:
				return
			default:
			}

			select {
			case <-c.packets:
				c.dropped.Add(1)
			default:
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		_ = c.conn.Close()
		close(c.done)
	})
}
