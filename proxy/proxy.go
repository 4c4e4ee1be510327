package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tio/internal/task"
	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
)

// Link is the device link the proxy multiplexes. *link.Session implements it.
type Link interface {
	Submitter
	Open(waitOpened bool) error
	Close() error
	Packets() <-chan tio.Packet
	State() link.State
	AddStateHandler(handlers ...link.StateChangeHandler)
	Done() <-chan struct{}
	Err() error
	Metrics() *link.Metrics
	Transport() string
}

var _ Link = (*link.Session)(nil)

// Proxy owns the device link and re-exposes it to any number of network clients.
//
// Device packets are read once by the dispatcher: RPC responses go to the correlator, everything
// else to the distributor. Client packets reach the device through the link's outbound queue.
type Proxy struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger

	link        Link
	registry    *Registry
	correlator  *Correlator
	distributor *Distributor
	autorate    *rateNegotiator
	metrics     Metrics

	opState   atomicOpState
	closed    atomic.Bool
	taskMgr   *task.Manager
	startedAt time.Time

	listenerMu sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	httpAddr   net.Addr
}

// New creates a proxy serving the device behind l. The proxy takes ownership of l.
func New(ctx context.Context, cfg *Config, l Link) (*Proxy, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if l == nil {
		return nil, errors.New("device link is nil")
	}

	p := &Proxy{
		cfg:      cfg,
		logger:   cfg.logger.With("component", "proxy"),
		link:     l,
		registry: NewRegistry(),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.taskMgr = task.NewManager(p.ctx, p.logger)
	p.correlator = NewCorrelator(p.ctx, cfg, p.registry, l, &p.metrics)
	p.distributor = NewDistributor(p.registry, &p.metrics, p.logger)
	p.autorate = newRateNegotiator(p)

	l.AddStateHandler(p.linkStateHandler)

	return p, nil
}

// Start opens the device link and the client listeners. It does not wait for the device.
func (p *Proxy) Start() error {
	if p.opState.IsOpened() {
		return nil
	}
	if p.closed.Load() || !p.opState.ToOpening() {
		return ErrProxyClosed
	}
	p.startedAt = time.Now()

	if err := task.StartConsumer(p.taskMgr, "dispatcher", p.link.Packets(), p.dispatch, nil); err != nil {
		return err
	}
	if err := p.link.Open(false); err != nil {
		return err
	}
	if err := p.listen(); err != nil {
		_ = p.Close()
		return err
	}
	if err := p.serveHTTP(); err != nil {
		_ = p.Close()
		return err
	}
	if p.autorate != nil {
		if err := p.taskMgr.StartInterval("autorate", p.autorate.check, rateCheckInterval); err != nil {
			return err
		}
	}
	if p.cfg.statusLogInterval > 0 {
		if err := p.taskMgr.StartInterval("status-log", p.logStatus, p.cfg.statusLogInterval); err != nil {
			return err
		}
	}

	p.opState.ToOpened()
	p.logger.Info("proxy started", "transport", p.link.Transport(), "listen", p.Addr(), "http", p.HTTPAddr())

	return nil
}

// Close detaches every client, closes the listeners and the device link.
func (p *Proxy) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.opState.ToClosing()

	p.closeListener()
	if srv := p.httpSrv(); srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}

	// accept loop, dispatcher and status log
	p.taskMgr.Stop()
	p.taskMgr.Wait()

	for _, id := range p.registry.Clients() {
		if sink, ok := p.registry.Sink(id); ok {
			if s, ok := sink.(*ClientSession); ok {
				_ = s.Close()
			}
		}
	}

	err := p.link.Close()
	p.correlator.CancelAll(tio.ErrLinkLost)
	p.cancel()
	if p.autorate != nil {
		p.autorate.wait()
	}

	p.opState.ToClosed()
	p.logger.Info("proxy closed")

	return err
}

// Done is closed when the device link terminated for good.
func (p *Proxy) Done() <-chan struct{} {
	return p.link.Done()
}

// Err returns the error that terminated the device link.
func (p *Proxy) Err() error {
	return p.link.Err()
}

// Addr returns the address of the TCP listener, nil when it is disabled or not started.
func (p *Proxy) Addr() net.Addr {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	if p.listener == nil {
		return nil
	}

	return p.listener.Addr()
}

// HTTPAddr returns the address of the HTTP server, nil when it is disabled or not started.
func (p *Proxy) HTTPAddr() net.Addr {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	return p.httpAddr
}

func (p *Proxy) httpSrv() *http.Server {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	return p.httpServer
}

// Registry returns the client registry.
func (p *Proxy) Registry() *Registry { return p.registry }

// Metrics returns the proxy counters.
func (p *Proxy) Metrics() *Metrics { return &p.metrics }

// Attach serves a client over conn. The proxy closes conn when the client is torn down, or right
// away when an option is invalid.
func (p *Proxy) Attach(conn ClientConn, transport string, opts ...ClientOption) (*ClientSession, error) {
	if p.closed.Load() {
		_ = conn.Close()
		return nil, ErrProxyClosed
	}

	s := newClientSession(p, conn, transport)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			s.cancel()
			_ = conn.Close()

			return nil, err
		}
	}
	p.metrics.incClientAcceptCount()
	if err := s.start(); err != nil {
		return nil, err
	}

	return s, nil
}

// Issue sends an RPC request on behalf of the proxy itself and waits for the response.
// Device errors are returned as *tio.RPCError.
func (p *Proxy) Issue(ctx context.Context, req tio.Packet) ([]byte, error) {
	return p.issue(ctx, req, 0)
}

// issue sends req with a first attempt deadline of timeout, the configured one when it is 0.
func (p *Proxy) issue(ctx context.Context, req tio.Packet, timeout time.Duration) ([]byte, error) {
	call, err := p.correlator.IssueTimeout(ctx, InternalClientID, req, timeout, nil)
	if err != nil {
		return nil, err
	}

	resp, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}

	return tio.ResponseResult(resp)
}

// CallRPC calls a named device method on behalf of the proxy.
func (p *Proxy) CallRPC(ctx context.Context, route tio.Route, method string, arg []byte) ([]byte, error) {
	return p.issueRPC(ctx, route, method, arg, 0)
}

func (p *Proxy) issueRPC(ctx context.Context, route tio.Route, method string, arg []byte, timeout time.Duration) ([]byte, error) {
	req, err := tio.NewRPCRequest(route, method, arg)
	if err != nil {
		return nil, err
	}

	return p.issue(ctx, req, timeout)
}

// RateStatus reports the line rate negotiation, nil when the link has no target rate.
func (p *Proxy) RateStatus() *RateStatus {
	if p.autorate == nil {
		return nil
	}

	return p.autorate.status()
}

func (p *Proxy) dispatch(pkt tio.Packet) bool {
	if p.autorate != nil {
		p.autorate.observe(pkt)
	}

	switch {
	case pkt.Type.IsRPCResponse():
		p.correlator.Resolve(pkt)
	case pkt.Type == tio.TypeProxyControl:
		p.logger.Debug("ignore control packet from device", "packet", pkt)
	default:
		p.distributor.Broadcast(pkt)
	}

	return true
}

func (p *Proxy) linkStateHandler(prev link.State, cur link.State) {
	switch {
	case cur == link.StateOpen:
		p.logger.Info("device link up", "transport", p.link.Transport())
		if p.autorate != nil {
			p.autorate.reset(true)
		}
	case prev == link.StateOpen && cur == link.StateClosed:
		if p.autorate != nil {
			p.autorate.reset(false)
		}
		n := p.correlator.CancelAll(tio.ErrLinkLost)
		p.logger.Warn("device link down", "transport", p.link.Transport(), "cancelled_rpcs", n)
	}
}

func (p *Proxy) logStatus() bool {
	st := p.Status()
	p.logger.Info("proxy status",
		"link_state", st.LinkState,
		"clients", st.Clients,
		"pending", st.Pending,
		"broadcast", st.Proxy.BroadcastCount,
		"dropped", st.Proxy.DroppedCount,
		"frame_errors", st.Link.FrameErrCount,
	)

	return true
}

// --- TCP listener ---

func (p *Proxy) listen() error {
	if p.cfg.listenAddress == "" {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(p.ctx, "tcp", p.cfg.listenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.listenAddress, err)
	}

	p.listenerMu.Lock()
	if p.closed.Load() {
		p.listenerMu.Unlock()
		_ = ln.Close()

		return ErrProxyClosed
	}
	p.listener = ln
	p.listenerMu.Unlock()

	p.logger.Debug("listening", "address", ln.Addr())

	return p.taskMgr.Start("accept", p.acceptOnce)
}

// acceptOnce accepts one client. The accept deadline lets the loop notice shutdown.
func (p *Proxy) acceptOnce() bool {
	ln := p.tcpListener()
	if ln == nil || p.closed.Load() {
		return false
	}

	conn, err := ln.Accept()
	if err != nil {
		return p.handleAcceptError(err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if _, err := p.Attach(conn, "tcp"); err != nil {
		p.logger.Warn("attach client failed", "remote_addr", conn.RemoteAddr(), "error", err)
	}

	return true
}

// handleAcceptError returns true to keep accepting.
func (p *Proxy) handleAcceptError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return p.ctx.Err() == nil
	}

	if p.closed.Load() || errors.Is(err, net.ErrClosed) {
		return false
	}

	p.logger.Error("accept failed", "error", err)

	return true
}

func (p *Proxy) tcpListener() *net.TCPListener {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	if p.listener == nil {
		return nil
	}

	ln, ok := p.listener.(*net.TCPListener)
	if !ok {
		return nil
	}

	if err := ln.SetDeadline(time.Now().Add(p.cfg.acceptTimeout)); err != nil {
		p.logger.Error("set accept deadline failed", "error", err)
		return nil
	}

	return ln
}

func (p *Proxy) closeListener() {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
}
