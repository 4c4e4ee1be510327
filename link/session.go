package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tio/internal/pool"
	"github.com/arloliu/go-tio/internal/task"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
)

// Session owns the physical transport to the device.
//
// No other component reads or writes the transport. Packets to the device are queued with Submit
// and written in FIFO order by the writer task; packets from the device are yielded once by the
// channel returned from Packets.
//
// A supervisor goroutine drives the state machine Closed → Connecting → Open → Closed. When the
// transport fails and auto-reconnect is enabled, the transport is reopened on an exponential
// backoff schedule and each new connection starts with an empty outbound queue. Otherwise the
// session terminates: Done is closed, Err reports the cause and the Packets channel is closed.
type Session struct {
	cfg     *Config
	logger  logger.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	state   *stateMgr
	taskMgr *task.Manager
	metrics Metrics

	outbound chan tio.Packet
	inbound  chan tio.Packet

	conn    atomic.Pointer[connection]
	started atomic.Bool
	closed  atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// connection is one opened transport. It fails once; the first error wins.
type connection struct {
	transport Transport
	done      chan struct{}
	failOnce  sync.Once
	err       error
	wbuf      []byte
}

func newConnection(t Transport) *connection {
	return &connection{
		transport: t,
		done:      make(chan struct{}),
		wbuf:      make([]byte, 0, tio.MaxFrameSize),
	}
}

// fail records err, wakes every waiter and closes the transport, which unblocks a pending read.
func (c *connection) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.transport.Close()
	})
}

// NewSession creates a link session. The transport is not opened until Open is called.
func NewSession(ctx context.Context, cfg *Config) (*Session, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	s := &Session{
		cfg:      cfg,
		logger:   cfg.logger.With("component", "link"),
		outbound: make(chan tio.Packet, cfg.outboundQueueSize),
		inbound:  make(chan tio.Packet, cfg.inboundQueueSize),
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = newStateMgr(s.logger)
	s.taskMgr = task.NewManager(s.ctx, s.logger)

	return s, nil
}

// Open starts the supervisor. If waitOpened is true, Open blocks until the transport is open,
// or returns the error that terminated the session.
func (s *Session) Open(waitOpened bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	if s.started.CompareAndSwap(false, true) {
		go s.supervise()
	}

	if !waitOpened {
		return nil
	}

	waitCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go func() {
		select {
		case <-s.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := s.state.WaitState(waitCtx, StateOpen); err != nil {
		if serr := s.Err(); serr != nil {
			return serr
		}

		return err
	}

	return nil
}

// Close terminates the session and closes the transport. It waits for the supervisor to exit.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	if s.started.CompareAndSwap(false, true) {
		// never opened, nothing else will terminate the session
		s.terminate(ErrSessionClosed)
	}
	<-s.done

	return nil
}

// Submit queues a packet for the device, preserving submission order.
//
// Submit returns ErrLinkDown immediately while the link is not open. When the outbound queue is full
// it blocks until space frees up, ctx is done or the connection fails. If the queue stays full for
// longer than the submit grace period, the connection is failed with ErrLinkStalled.
func (s *Session) Submit(ctx context.Context, pkt tio.Packet) error {
	if err := pkt.Validate(); err != nil {
		return err
	}

	c := s.conn.Load()
	if c == nil || s.closed.Load() {
		return ErrLinkDown
	}

	select {
	case s.outbound <- pkt:
		return nil
	default:
	}

	s.metrics.incSubmitBlockedCount()

	var timeout <-chan time.Time
	if grace := s.cfg.submitGracePeriod; grace > 0 {
		timer := pool.GetTimer(grace)
		defer pool.PutTimer(timer)
		timeout = timer.C
	}

	select {
	case s.outbound <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrLinkDown
	case <-timeout:
		s.metrics.incStallCount()
		s.logger.Error("outbound queue full past grace period", "grace_period", s.cfg.submitGracePeriod)
		err := &TransportError{Op: "submit", Err: ErrLinkStalled}
		c.fail(err)

		return err
	}
}

// Packets returns the inbound packets of the device. The channel spans reconnects and is closed
// once the session terminated.
func (s *Session) Packets() <-chan tio.Packet {
	return s.inbound
}

// State returns the current link state.
func (s *Session) State() State {
	return s.state.State()
}

// AddStateHandler registers handlers invoked on every link state change.
func (s *Session) AddStateHandler(handlers ...StateChangeHandler) {
	s.state.AddHandler(handlers...)
}

// WaitState waits until the link reaches state or ctx is done.
func (s *Session) WaitState(ctx context.Context, state State) error {
	return s.state.WaitState(ctx, state)
}

// Done is closed when the session terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated the session, nil while it runs.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// Metrics returns the session counters.
func (s *Session) Metrics() *Metrics {
	return &s.metrics
}

// QueueLen returns the number of packets waiting in the outbound queue.
func (s *Session) QueueLen() int {
	return len(s.outbound)
}

// Transport describes the configured transport.
func (s *Session) Transport() string {
	if st, ok := s.cfg.opener.(fmt.Stringer); ok {
		return st.String()
	}
	if s.cfg.url != "" {
		return s.cfg.url
	}

	return "custom"
}

// Rates returns the configured line rates of the transport.
func (s *Session) Rates() Rates {
	return s.cfg.Rates()
}

// SetBaudRate changes the line rate of the open transport. Every reopened transport starts at the
// default rate again.
func (s *Session) SetBaudRate(rate int) error {
	c := s.conn.Load()
	if c == nil {
		return ErrLinkDown
	}

	rs, ok := c.transport.(RateSetter)
	if !ok {
		return ErrRateUnsupported
	}
	if err := rs.SetBaudRate(rate); err != nil {
		return &TransportError{Op: "set rate", Err: err}
	}
	s.logger.Info("device link rate changed", "rate", rate)

	return nil
}

// supervise runs the link state machine until the session terminates.
func (s *Session) supervise() {
	delay := s.cfg.initialRetryDelay
	var downSince time.Time

	for {
		if s.ctx.Err() != nil {
			s.terminate(ErrSessionClosed)
			return
		}

		_ = s.state.to(StateConnecting)
		transport, err := s.cfg.opener.Open(s.ctx)
		if err != nil {
			_ = s.state.to(StateClosed)
			s.metrics.incOpenFailCount()

			if s.ctx.Err() != nil {
				s.terminate(ErrSessionClosed)
				return
			}
			if !IsTransportError(err) {
				err = &TransportError{Op: "open", Err: err}
			}
			if !s.cfg.autoReconnect {
				s.terminate(err)
				return
			}

			if downSince.IsZero() {
				downSince = time.Now()
			}
			if rt := s.cfg.reconnectTimeout; rt > 0 && time.Since(downSince) >= rt {
				s.terminate(fmt.Errorf("%w after %v: %w", ErrReconnectGaveUp, rt, err))
				return
			}

			s.logger.Debug("open transport failed", "transport", s.Transport(), "retry_in", delay, "error", err)
			s.metrics.incConnRetryGauge()
			if !s.sleep(delay) {
				s.terminate(ErrSessionClosed)
				return
			}

			delay *= retryDelayFactor
			if delay > s.cfg.maxRetryDelay {
				delay = s.cfg.maxRetryDelay
			}

			continue
		}

		delay = s.cfg.initialRetryDelay
		downSince = time.Time{}
		s.metrics.resetConnRetryGauge()

		err = s.serve(transport)

		if s.ctx.Err() != nil {
			s.terminate(ErrSessionClosed)
			return
		}
		if !s.cfg.autoReconnect {
			s.terminate(err)
			return
		}

		s.logger.Warn("device link lost, reconnecting", "transport", s.Transport(), "error", err)
		downSince = time.Now()
	}
}

// serve runs the reader and writer over one transport until it fails.
func (s *Session) serve(t Transport) error {
	c := newConnection(t)
	s.drainOutbound()
	s.conn.Store(c)

	s.metrics.incOpenCount()
	s.logger.Info("device link open", "transport", s.Transport())
	_ = s.state.to(StateOpen)

	dec := tio.NewDecoder()
	buf := make([]byte, s.cfg.readBufferSize)
	// a connection without its reader or writer is dead even if the transport is not
	stopped := func(op string) task.CleanupFunc {
		return func() {
			if s.ctx.Err() != nil {
				c.fail(ErrSessionClosed)
				return
			}
			c.fail(&TransportError{Op: op, Err: ErrTaskStopped})
		}
	}
	readErr := s.taskMgr.StartWithCleanup("link-reader", func() bool {
		return s.readOnce(c, dec, buf)
	}, stopped("read"))
	writeErr := task.StartConsumer(s.taskMgr, "link-writer", s.outbound, func(pkt tio.Packet) bool {
		return s.write(c, pkt)
	}, stopped("write"))
	if err := errors.Join(readErr, writeErr); err != nil {
		c.fail(err)
	}

	select {
	case <-c.done:
	case <-s.ctx.Done():
		c.fail(ErrSessionClosed)
	}

	s.taskMgr.Stop()
	s.taskMgr.Wait()

	s.conn.Store(nil)
	_ = s.state.to(StateClosed)

	return c.err
}

func (s *Session) readOnce(c *connection, dec *tio.Decoder, buf []byte) bool {
	n, err := c.transport.Read(buf)
	if n > 0 {
		s.metrics.addBytesRecvCount(n)

		pkts, frameErrs := dec.Feed(buf[:n])
		for _, fe := range frameErrs {
			s.metrics.incFrameErrCount()
			s.logger.Debug("frame error on device link", "kind", fe.Kind, "skipped", fe.Skipped)
		}

		for _, pkt := range pkts {
			s.metrics.incPacketRecvCount()
			select {
			case s.inbound <- pkt:
			case <-c.done:
				return false
			}
		}
	}

	if err != nil {
		c.fail(&TransportError{Op: "read", Err: err})
		return false
	}

	return true
}

func (s *Session) write(c *connection, pkt tio.Packet) bool {
	frame, err := tio.AppendEncode(c.wbuf[:0], pkt)
	if err != nil {
		s.logger.Warn("drop packet that cannot be encoded", "packet", pkt, "error", err)
		return true
	}

	if wd, ok := c.transport.(writeDeadliner); ok && s.cfg.writeTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
	}

	if _, err := c.transport.Write(frame); err != nil {
		c.fail(&TransportError{Op: "write", Err: err})
		return false
	}
	s.metrics.incPacketSendCount()

	return true
}

// drainOutbound discards packets queued for a previous connection.
func (s *Session) drainOutbound() {
	for {
		select {
		case pkt := <-s.outbound:
			s.metrics.incStaleDropCount()
			s.logger.Debug("drop stale outbound packet", "packet", pkt)
		default:
			return
		}
	}
}

func (s *Session) sleep(d time.Duration) bool {
	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// terminate ends the session once; inbound is closed after every reader returned.
func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		if s.State() == StateConnecting {
			_ = s.state.to(StateClosed)
		}

		if errors.Is(err, ErrSessionClosed) {
			s.logger.Info("link session closed")
		} else {
			s.logger.Error("link session terminated", "error", err)
		}

		close(s.inbound)
		close(s.done)
	})
}
