package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tio/internal/queue"
	"github.com/arloliu/go-tio/internal/task"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
	"github.com/google/uuid"
)

const clientReadBufferSize = 4096

// ClientConn is the byte stream of one client. Connections that also implement
// SetWriteDeadline get the configured client write timeout applied.
type ClientConn interface {
	io.ReadWriteCloser
}

type remoteAddresser interface {
	RemoteAddr() net.Addr
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// ClientInfo describes an attached client.
type ClientInfo struct {
	ID            ClientID  `json:"id"`
	Tag           string    `json:"tag"`
	Transport     string    `json:"transport"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	Scope         string    `json:"scope"`
	RPCTimeout    string    `json:"rpc_timeout"`
	Subscriptions []string  `json:"subscriptions"`
	Pending       int       `json:"pending"`
	QueueLen      int       `json:"queue_len"`
	Dropped       uint64    `json:"dropped"`
	Delivered     uint64    `json:"delivered"`
}

// ClientOption configures a client when it is attached.
type ClientOption func(*ClientSession) error

// WithClientScope places the client below scope. Routes the client sends are joined to scope,
// and packets from outside scope are not delivered to it.
func WithClientScope(scope tio.Route) ClientOption {
	return func(s *ClientSession) error {
		s.scope.Store(&scope)
		return nil
	}
}

// WithClientRPCTimeout sets the deadline of the first attempt of the client's RPCs,
// range [100ms, 60s]. The default is the configured request timeout.
func WithClientRPCTimeout(d time.Duration) ClientOption {
	return func(s *ClientSession) error {
		if err := validClientRPCTimeout(d); err != nil {
			return err
		}
		s.rpcTimeout.Store(int64(d))

		return nil
	}
}

func validClientRPCTimeout(d time.Duration) error {
	if d < MinRequestTimeout || d > MaxRequestTimeout {
		return fmt.Errorf("client rpc timeout out of range [%v, %v]", MinRequestTimeout, MaxRequestTimeout)
	}

	return nil
}

// ClientSession serves one network client with the framing of the device link.
//
// The reader task decodes client bytes strictly: malformed bytes are a ClientProtocolError and tear
// the session down. The writer task drains RPC responses and control replies before data packets.
// Data packets wait in a bounded queue that drops the oldest packet on overflow.
//
// A client sees the device tree from its scope: routes it sends are joined to the scope, routes it
// receives are made relative to it, and packets from outside the scope are skipped.
type ClientSession struct {
	id          ClientID
	tag         string
	transport   string
	remoteAddr  string
	connectedAt time.Time

	proxy   *Proxy
	conn    ClientConn
	logger  logger.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	taskMgr *task.Manager

	data    chan tio.Packet
	control *queue.Mailbox[tio.Packet]
	wbuf    []byte

	scope      atomic.Pointer[tio.Route]
	rpcTimeout atomic.Int64

	dropped   atomic.Uint64
	delivered atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

var _ Sink = (*ClientSession)(nil)

func newClientSession(p *Proxy, conn ClientConn, transport string) *ClientSession {
	s := &ClientSession{
		tag:         uuid.NewString(),
		transport:   transport,
		connectedAt: time.Now(),
		proxy:       p,
		conn:        conn,
		data:        make(chan tio.Packet, p.cfg.clientDataQueueSize),
		control:     queue.NewMailbox[tio.Packet](),
		wbuf:        make([]byte, 0, tio.MaxFrameSize),
		done:        make(chan struct{}),
	}
	if ra, ok := conn.(remoteAddresser); ok && ra.RemoteAddr() != nil {
		s.remoteAddr = ra.RemoteAddr().String()
	}
	root := tio.RootRoute
	s.scope.Store(&root)
	s.rpcTimeout.Store(int64(p.cfg.requestTimeout))
	s.ctx, s.cancel = context.WithCancel(p.ctx)

	return s
}

// start registers the session and starts its reader and writer.
func (s *ClientSession) start() error {
	s.id = s.proxy.registry.Register(s)
	s.logger = s.proxy.logger.With("component", "client", "client_id", s.id, "tag", s.tag)
	s.taskMgr = task.NewManager(s.ctx, s.logger)

	if s.proxy.cfg.subscribeAllOnConnect {
		_ = s.proxy.registry.Subscribe(s.id, s.Scope(), tio.FilterAll)
	}

	dec := tio.NewDecoder()
	buf := make([]byte, clientReadBufferSize)
	if err := s.taskMgr.Start("client-reader", func() bool { return s.readOnce(dec, buf) }); err != nil {
		s.teardown(err)
		return err
	}
	if err := s.taskMgr.Start("client-writer", s.writeOnce); err != nil {
		s.teardown(err)
		return err
	}

	s.logger.Info("client attached", "transport", s.transport, "remote_addr", s.remoteAddr)

	return nil
}

// ID returns the client id.
func (s *ClientSession) ID() ClientID { return s.id }

// Tag returns the unique tag used in logs.
func (s *ClientSession) Tag() string { return s.tag }

// Done is closed when the session is torn down.
func (s *ClientSession) Done() <-chan struct{} { return s.done }

// Err returns the reason of the teardown; nil while the session runs.
func (s *ClientSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Scope returns the route the client is placed below.
func (s *ClientSession) Scope() tio.Route {
	return *s.scope.Load()
}

// RPCTimeout returns the deadline of the first attempt of the client's RPCs.
func (s *ClientSession) RPCTimeout() time.Duration {
	return time.Duration(s.rpcTimeout.Load())
}

// Stats returns the delivery counters of the client.
func (s *ClientSession) Stats() tio.ClientStats {
	return tio.ClientStats{Dropped: s.dropped.Load(), Delivered: s.delivered.Load()}
}

// Info describes the client.
func (s *ClientSession) Info() ClientInfo {
	subs := s.proxy.registry.Subscriptions(s.id)
	scopes := make([]string, 0, len(subs))
	for _, sub := range subs {
		scopes = append(scopes, sub.Scope.String()+" "+sub.Filter.String())
	}

	return ClientInfo{
		ID:            s.id,
		Tag:           s.tag,
		Transport:     s.transport,
		RemoteAddr:    s.remoteAddr,
		ConnectedAt:   s.connectedAt,
		Scope:         s.Scope().String(),
		RPCTimeout:    s.RPCTimeout().String(),
		Subscriptions: scopes,
		Pending:       len(s.proxy.registry.pendingOf(s.id)),
		QueueLen:      len(s.data),
		Dropped:       s.dropped.Load(),
		Delivered:     s.delivered.Load(),
	}
}

// Close tears the session down and waits for its tasks to exit.
func (s *ClientSession) Close() error {
	s.teardown(ErrClientClosed)
	if s.taskMgr != nil {
		s.taskMgr.Wait()
	}

	return nil
}

// DeliverData queues a device packet for the client. When the queue is full the oldest queued
// packet is dropped and counted.
func (s *ClientSession) DeliverData(pkt tio.Packet) {
	if s.closed.Load() {
		return
	}

	for {
		select {
		case s.data <- pkt:
			return
		default:
		}

		select {
		case old := <-s.data:
			s.dropped.Add(1)
			s.proxy.metrics.incDroppedCount()
			s.logger.Debug("drop oldest packet", "packet", old, "error", tio.ErrQueueOverflow)
		default:
		}
	}
}

// DeliverControl queues an RPC response or control reply. It never drops.
func (s *ClientSession) DeliverControl(pkt tio.Packet) {
	if s.closed.Load() {
		return
	}
	s.control.Push(pkt)
}

func (s *ClientSession) readOnce(dec *tio.Decoder, buf []byte) bool {
	n, err := s.conn.Read(buf)
	if n > 0 {
		pkts, frameErrs := dec.Feed(buf[:n])
		if len(frameErrs) > 0 {
			s.proxy.metrics.incClientProtocolErrCount()
			s.teardown(&ClientProtocolError{ClientID: s.id, Err: frameErrs[0]})

			return false
		}

		for _, pkt := range pkts {
			if !s.handle(pkt) {
				return false
			}
		}
	}

	if err != nil {
		s.teardown(err)
		return false
	}

	return true
}

// handle routes one client packet. It returns false once the session is closing.
func (s *ClientSession) handle(pkt tio.Packet) bool {
	if pkt.Type == tio.TypeProxyControl {
		s.handleControl(pkt)
		return true
	}

	scope := s.Scope()
	route, err := scope.Join(pkt.Route)
	if err != nil {
		s.logger.Debug("drop packet for device", "packet", pkt, "scope", scope, "error", err)
		if pkt.Type == tio.TypeRPCRequest {
			s.DeliverControl(tio.NewRPCErrorPacket(scope, pkt.Token, tio.ErrorInvalidArgs, nil))
		}

		return true
	}
	pkt.Route = route

	if pkt.Type == tio.TypeRPCRequest {
		_, err := s.proxy.correlator.IssueTimeout(s.ctx, s.id, pkt, s.RPCTimeout(), s.onCallDone)
		if err != nil {
			if s.ctx.Err() != nil {
				return false
			}
			s.logger.Debug("rpc not forwarded", "token", pkt.Token, "error", err)
			s.DeliverControl(tio.NewRPCErrorPacket(pkt.Route, pkt.Token, tio.ErrorCodeFor(err), nil))
		}

		return true
	}

	if err := s.proxy.link.Submit(s.ctx, pkt); err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		s.logger.Debug("drop packet for device", "packet", pkt, "error", err)
	}

	return true
}

func (s *ClientSession) onCallDone(call *Call) {
	_, err := call.Result()
	if errors.Is(err, tio.ErrRequestCancelled) {
		return
	}
	s.DeliverControl(call.Response())
}

func (s *ClientSession) handleControl(pkt tio.Packet) {
	ctrl, err := tio.ParseControl(pkt)
	if err != nil {
		s.logger.Warn("ignore malformed control packet", "error", err)
		return
	}

	reg := s.proxy.registry
	switch ctrl.Op {
	case tio.ControlSubscribe, tio.ControlUnsubscribe:
		var route tio.Route
		if route, err = s.Scope().Join(ctrl.Route); err != nil {
			break
		}
		ctrl.Route = route
		if ctrl.Op == tio.ControlSubscribe {
			err = reg.Subscribe(s.id, route, ctrl.Filter)
		} else {
			err = reg.Unsubscribe(s.id, route, ctrl.Filter)
		}
	case tio.ControlClear:
		err = reg.ClearSubscriptions(s.id)
	case tio.ControlQueryStats:
		s.DeliverControl(tio.NewStatsControl(s.Stats()))
	case tio.ControlSetScope:
		scope := ctrl.Route
		s.scope.Store(&scope)
	case tio.ControlSetRPCTimeout:
		if err = validClientRPCTimeout(ctrl.Timeout); err == nil {
			s.rpcTimeout.Store(int64(ctrl.Timeout))
		}
	default:
		s.logger.Debug("ignore control packet", "op", ctrl.Op)
	}

	if err != nil {
		s.logger.Debug("control op failed", "op", ctrl.Op, "error", err)
		return
	}
	s.logger.Debug("control op", "op", ctrl.Op, "route", ctrl.Route, "filter", ctrl.Filter)
}

func (s *ClientSession) writeOnce() bool {
	select {
	case <-s.ctx.Done():
		return false

	case <-s.control.Ready():
		return s.drainControl()

	case pkt := <-s.data:
		if !s.drainControl() {
			return false
		}

		return s.write(pkt)
	}
}

func (s *ClientSession) drainControl() bool {
	for {
		pkt, ok := s.control.Pop()
		if !ok {
			return true
		}
		if !s.write(pkt) {
			return false
		}
	}
}

func (s *ClientSession) write(pkt tio.Packet) bool {
	if pkt.Type != tio.TypeProxyControl {
		route, err := pkt.Route.Relative(s.Scope())
		if err != nil {
			// outside the scope
			return true
		}
		pkt.Route = route
	}

	frame, err := tio.AppendEncode(s.wbuf[:0], pkt)
	if err != nil {
		s.logger.Warn("drop packet that cannot be encoded", "packet", pkt, "error", err)
		return true
	}

	if wd, ok := s.conn.(writeDeadliner); ok && s.proxy.cfg.clientWriteTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(s.proxy.cfg.clientWriteTimeout))
	}

	if _, err := s.conn.Write(frame); err != nil {
		s.teardown(err)
		return false
	}
	s.delivered.Add(1)

	return true
}

// teardown runs once: it unregisters the client, cancels its pending requests and closes the
// connection. Tasks exit on their own.
func (s *ClientSession) teardown(err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.err = err

		s.proxy.registry.Unregister(s.id)
		s.proxy.correlator.CancelClient(s.id)
		s.proxy.metrics.decClientActiveGauge()

		s.cancel()
		if s.taskMgr != nil {
			s.taskMgr.Stop()
		}
		_ = s.conn.Close()

		switch {
		case errors.Is(err, ErrClientClosed), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			s.logger.Info("client detached", "delivered", s.delivered.Load(), "dropped", s.dropped.Load())
		default:
			var protoErr *ClientProtocolError
			if errors.As(err, &protoErr) {
				s.logger.Warn("client protocol error, detaching", "error", err)
			} else {
				s.logger.Info("client detached", "error", err)
			}
		}

		close(s.done)
	})
}

