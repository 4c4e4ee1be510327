package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
)

// maxPending is the size of the wire token space.
const maxPending = 1<<16 - 1

// Submitter queues packets for the device. *link.Session implements it.
type Submitter interface {
	Submit(ctx context.Context, pkt tio.Packet) error
}

// PendingRequest is an RPC request forwarded to the device and not answered yet.
type PendingRequest struct {
	// Token is the proxy-unique wire token the request carries on the device link.
	Token uint16
	// ClientID is the issuing client.
	ClientID ClientID
	// ClientToken is the token the client chose, restored on the response.
	ClientToken uint16
	// Request is the packet as written to the device.
	Request tio.Packet
	// Submitted is the time of the first attempt.
	Submitted time.Time

	call *Call

	mu         sync.Mutex
	done       bool
	attempts   int
	timeout    time.Duration
	maxTimeout time.Duration
	timer      *time.Timer
}

// Attempts returns how many times the request was written to the device.
func (p *PendingRequest) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.attempts
}

// Call is the future of an issued RPC request.
type Call struct {
	// ClientID is the issuing client.
	ClientID ClientID
	// Request is the request as the client sent it.
	Request tio.Packet

	done   chan struct{}
	resp   tio.Packet
	err    error
	notify func(*Call)
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the response packet carrying the client's token, or the error that resolved the
// call. It must be called after Done is closed.
func (c *Call) Result() (tio.Packet, error) {
	return c.resp, c.err
}

// Wait waits for the call to be resolved or ctx to be done.
func (c *Call) Wait(ctx context.Context) (tio.Packet, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return tio.Packet{}, ctx.Err()
	}
}

// Response returns the packet sent back to the client: the device response, or an RPC error
// packet with the code matching the failure.
func (c *Call) Response() tio.Packet {
	if c.err == nil {
		return c.resp
	}

	return tio.NewRPCErrorPacket(c.Request.Route, c.Request.Token, tio.ErrorCodeFor(c.err), nil)
}

func (c *Call) resolve(resp tio.Packet, err error, notify bool) {
	c.resp, c.err = resp, err
	close(c.done)

	if notify && c.notify != nil {
		c.notify(c)
	}
}

// Correlator matches RPC responses of the device to the requests issued by clients.
//
// Each request is forwarded with a wire token unique among pending requests. A request that is
// not answered within its deadline is retransmitted with the same token, doubling the deadline,
// up to the retry limit; then it fails with tio.ErrRequestTimeout. Every request is resolved
// exactly once.
type Correlator struct {
	ctx      context.Context
	registry *Registry
	link     Submitter
	tokens   *tokenGenerator
	metrics  *Metrics
	logger   logger.Logger

	timeout    time.Duration
	maxTimeout time.Duration
	retryLimit int
}

// NewCorrelator creates a correlator forwarding requests to link. ctx bounds retransmissions.
func NewCorrelator(ctx context.Context, cfg *Config, registry *Registry, link Submitter, metrics *Metrics) *Correlator {
	if metrics == nil {
		metrics = &Metrics{}
	}

	return &Correlator{
		ctx:        ctx,
		registry:   registry,
		link:       link,
		tokens:     newTokenGenerator(),
		metrics:    metrics,
		logger:     cfg.logger.With("component", "correlator"),
		timeout:    cfg.requestTimeout,
		maxTimeout: cfg.maxRequestTimeout,
		retryLimit: cfg.retryLimit,
	}
}

// Issue forwards an RPC request of a client to the device and returns its future.
//
// notify, when not nil, is called once with the resolved call. Issue blocks while the device
// queue is full. It returns an error when the request could not be forwarded at all; notify is
// not called in that case, so the caller sees exactly one outcome.
func (c *Correlator) Issue(ctx context.Context, clientID ClientID, req tio.Packet, notify func(*Call)) (*Call, error) {
	return c.IssueTimeout(ctx, clientID, req, c.timeout, notify)
}

// IssueTimeout is Issue with the deadline of the first attempt set to timeout instead of the
// configured request timeout. Retransmissions double it up to the larger of timeout and the
// configured maximum.
func (c *Correlator) IssueTimeout(ctx context.Context, clientID ClientID, req tio.Packet, timeout time.Duration, notify func(*Call)) (*Call, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	if req.Type != tio.TypeRPCRequest {
		return nil, ErrNotRPCRequest
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	call := &Call{ClientID: clientID, Request: req, done: make(chan struct{}), notify: notify}
	p, err := c.addPending(clientID, req, call, timeout)
	if err != nil {
		return nil, err
	}

	// an unregister racing with this issue either sees the entry or is seen here
	if !c.registry.Registered(clientID) {
		if c.registry.takePending(p) {
			c.metrics.decPendingGauge()
		}

		return nil, ErrUnknownClient
	}

	c.logger.Debug("issue rpc", "client_id", clientID, "client_token", req.Token, "token", p.Token, "route", req.Route)

	if err := c.link.Submit(ctx, p.Request); err != nil {
		if c.settle(p, tio.Packet{}, linkError(err), false) {
			return nil, linkError(err)
		}

		// resolved concurrently, e.g. by a link loss
		return call, nil
	}

	c.arm(p)

	return call, nil
}

// Resolve delivers a device response to the pending request with the same token.
// It returns false for unmatched responses, which are counted and dropped.
func (c *Correlator) Resolve(resp tio.Packet) bool {
	p, ok := c.registry.loadPending(resp.Token)
	if !ok || !c.finish(p, resp.WithToken(p.ClientToken), nil) {
		c.metrics.incUnmatchedResponseCount()
		c.logger.Debug("drop unmatched rpc response", "token", resp.Token, "route", resp.Route, "error", tio.ErrUnmatchedResponse)

		return false
	}

	return true
}

// CancelClient resolves every pending request of a client with tio.ErrRequestCancelled.
// It returns the number of requests cancelled.
func (c *Correlator) CancelClient(id ClientID) int {
	n := 0
	for _, p := range c.registry.pendingOf(id) {
		if c.finish(p, tio.Packet{}, tio.ErrRequestCancelled) {
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("cancelled pending rpcs of client", "client_id", id, "count", n)
	}

	return n
}

// CancelAll resolves every pending request with err. It returns the number of requests cancelled.
func (c *Correlator) CancelAll(err error) int {
	n := 0
	for _, p := range c.registry.allPending() {
		if c.finish(p, tio.Packet{}, err) {
			n++
		}
	}

	return n
}

func (c *Correlator) addPending(clientID ClientID, req tio.Packet, call *Call, timeout time.Duration) (*PendingRequest, error) {
	if c.registry.PendingCount() >= maxPending {
		return nil, tio.ErrTooManyPending
	}

	for range maxPending {
		token := c.tokens.next()
		p := &PendingRequest{
			Token:       token,
			ClientID:    clientID,
			ClientToken: req.Token,
			Request:     req.WithToken(token),
			Submitted:   time.Now(),
			call:        call,
			attempts:    1,
			timeout:     timeout,
			maxTimeout:  max(timeout, c.maxTimeout),
		}
		if c.registry.addPending(p) {
			c.metrics.incRequestCount()
			return p, nil
		}
	}

	return nil, tio.ErrTooManyPending
}

// arm starts the deadline of the current attempt.
func (c *Correlator) arm(p *PendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return
	}
	p.timer = time.AfterFunc(p.timeout, func() { c.expire(p) })
}

func (c *Correlator) expire(p *PendingRequest) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	if p.attempts > c.retryLimit {
		p.mu.Unlock()

		c.metrics.incTimeoutCount()
		c.logger.Debug("rpc timeout", "client_id", p.ClientID, "token", p.Token, "attempts", c.retryLimit+1)
		c.finish(p, tio.Packet{}, tio.ErrRequestTimeout)

		return
	}

	p.attempts++
	p.timeout = min(p.timeout*2, p.maxTimeout)
	timeout := p.timeout
	p.mu.Unlock()

	c.metrics.incRetransmitCount()
	c.logger.Debug("retransmit rpc", "client_id", p.ClientID, "token", p.Token, "timeout", timeout)

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	err := c.link.Submit(ctx, p.Request)
	cancel()

	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		c.finish(p, tio.Packet{}, linkError(err))
		return
	}

	c.arm(p)
}

// finish removes p from the index and resolves its call. It returns false when p was already
// resolved by someone else.
func (c *Correlator) finish(p *PendingRequest, resp tio.Packet, err error) bool {
	return c.settle(p, resp, err, true)
}

// settle is finish with control over the notify callback of the call.
func (c *Correlator) settle(p *PendingRequest, resp tio.Packet, err error, notify bool) bool {
	if !c.registry.takePending(p) {
		return false
	}
	c.metrics.decPendingGauge()

	p.mu.Lock()
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	if errors.Is(err, tio.ErrLinkLost) {
		c.metrics.incLinkLostCount()
	}

	p.call.resolve(resp, err, notify)

	return true
}
