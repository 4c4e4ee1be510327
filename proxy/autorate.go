package proxy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
)

const (
	// rateTolerance is the largest relative difference between the target rate and the rate the
	// device can run at.
	rateTolerance     = 0.015
	rateRPCTimeout    = time.Second
	rateCheckInterval = 100 * time.Millisecond
	rateIdlePoll      = 10 * time.Millisecond
)

// RateLink is a device link whose line rate can change. *link.Session implements it.
type RateLink interface {
	Rates() link.Rates
	SetBaudRate(rate int) error
}

var _ RateLink = (*link.Session)(nil)

// RateState is the state of the line rate negotiation.
type RateState int32

const (
	// RateStatic means there is nothing to negotiate.
	RateStatic RateState = iota
	// RateWaitSession waits for a session heartbeat of the root device.
	RateWaitSession
	// RateNegotiating runs the rate RPCs.
	RateNegotiating
	// RateChanged runs the link at the target rate.
	RateChanged
	// RateGaveUp runs the link at the default rate until the root device restarts.
	RateGaveUp
)

func (s RateState) String() string {
	switch s {
	case RateStatic:
		return "static"
	case RateWaitSession:
		return "wait_session"
	case RateNegotiating:
		return "negotiating"
	case RateChanged:
		return "changed"
	case RateGaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("rate_state_%d", int32(s))
	}
}

// RateStatus reports the line rate of a link with a target rate.
type RateStatus struct {
	link.Rates
	Current int    `json:"current"`
	State   string `json:"state"`
}

// rateNegotiator raises the line rate of the device link to the target rate.
//
// Once the link is open and the root device sent a session heartbeat, it asks the device for the
// rate nearest to the target with dev.port.rate.near. A device rate within 1.5% of the target is
// set with dev.port.rate as soon as no RPC is pending, then the link follows. If nothing arrives
// at the new rate for the no-data timeout, the link returns to the default rate and the
// negotiation gives up until the root device restarts with a new session.
type rateNegotiator struct {
	p             *Proxy
	link          RateLink
	rates         link.Rates
	noDataTimeout time.Duration
	logger        logger.Logger

	wg sync.WaitGroup

	mu         sync.Mutex
	state      RateState
	gen        uint64
	current    int
	session    uint32
	hasSession bool
	lastRx     time.Time
}

// newRateNegotiator returns nil when the link has no target rate.
func newRateNegotiator(p *Proxy) *rateNegotiator {
	rl, ok := p.link.(RateLink)
	if !ok || !p.cfg.autoRate {
		return nil
	}
	rates := rl.Rates()
	if !rates.Negotiable() {
		return nil
	}

	return &rateNegotiator{
		p:             p,
		link:          rl,
		rates:         rates,
		noDataTimeout: p.cfg.rateNoDataTimeout,
		logger:        p.logger.With("component", "autorate"),
		current:       rates.Default,
	}
}

// reset starts over on every link transition; a reopened transport runs at the default rate.
// Negotiations still running for the previous connection are ignored.
func (n *rateNegotiator) reset(linkOpen bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.gen++
	n.current = n.rates.Default
	n.hasSession = false
	n.lastRx = time.Now()
	if linkOpen {
		n.state = RateWaitSession
	} else {
		n.state = RateStatic
	}
}

// observe notes a packet received from the device.
func (n *rateNegotiator) observe(pkt tio.Packet) {
	session, ok := tio.HeartbeatSession(pkt)
	ok = ok && pkt.Route.IsRoot()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastRx = time.Now()
	if !ok {
		return
	}

	start := false
	switch {
	case n.state == RateWaitSession:
		start = true
	case n.state == RateGaveUp && n.hasSession && session != n.session:
		n.logger.Info("root device restarted", "session", session)
		start = true
	}
	n.session, n.hasSession = session, true

	if start {
		n.state = RateNegotiating
		n.wg.Add(1)
		go n.negotiate(n.gen)
	}
}

func (n *rateNegotiator) negotiate(gen uint64) {
	defer n.wg.Done()

	target := n.rates.Target
	n.logger.Debug("query device rate", "target", target)

	near, err := n.queryRate(target)
	if err != nil {
		n.giveUp(gen, "query device rate", err)
		return
	}
	if !rateCompatible(target, near) {
		n.giveUp(gen, "query device rate", fmt.Errorf("%w: device offers %d bps for %d", ErrRateIncompatible, near, target))
		return
	}

	// the device switches right after its reply, responses in flight would be lost
	if !n.waitIdle() {
		return
	}

	if _, err := n.call("dev.port.rate", target); err != nil {
		n.giveUp(gen, "set device rate", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gen != gen {
		return
	}
	if err := n.link.SetBaudRate(target); err != nil {
		n.giveUpLocked("set link rate", err)
		return
	}
	n.state = RateChanged
	n.current = target
	n.lastRx = time.Now()
	n.logger.Info("line rate negotiated", "rate", target, "device_rate", near)
}

// queryRate returns the device rate nearest to target.
func (n *rateNegotiator) queryRate(target int) (int, error) {
	reply, err := n.call("dev.port.rate.near", target)
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, fmt.Errorf("dev.port.rate.near reply of %d bytes", len(reply))
	}

	v, err := tio.DecodeValue[uint32](reply[:4])

	return int(v), err
}

func (n *rateNegotiator) call(method string, rate int) ([]byte, error) {
	arg := tio.EncodeValue(uint32(rate)) //nolint:gosec // rates are positive ints from the config

	ctx, cancel := context.WithTimeout(n.p.ctx, rateRPCTimeout)
	defer cancel()

	return n.p.issueRPC(ctx, tio.RootRoute, method, arg, rateRPCTimeout)
}

// waitIdle waits until no RPC is pending. It returns false when the proxy closes.
func (n *rateNegotiator) waitIdle() bool {
	ticker := time.NewTicker(rateIdlePoll)
	defer ticker.Stop()

	for n.p.registry.PendingCount() > 0 {
		select {
		case <-n.p.ctx.Done():
			return false
		case <-ticker.C:
		}
	}

	return true
}

func (n *rateNegotiator) giveUp(gen uint64, step string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gen != gen || n.state != RateNegotiating {
		return
	}
	n.giveUpLocked(step, err)
}

func (n *rateNegotiator) giveUpLocked(step string, err error) {
	n.state = RateGaveUp
	n.logger.Warn("line rate negotiation gave up", "step", step, "target", n.rates.Target, "error", err)
}

// check falls back to the default rate when nothing arrived at the target rate for too long.
func (n *rateNegotiator) check() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != RateChanged || time.Since(n.lastRx) <= n.noDataTimeout {
		return true
	}

	n.logger.Warn("no data at negotiated rate, falling back", "rate", n.current, "default", n.rates.Default)
	if err := n.link.SetBaudRate(n.rates.Default); err != nil {
		n.logger.Warn("restore default rate failed", "error", err)
	} else {
		n.current = n.rates.Default
	}
	n.state = RateGaveUp

	return true
}

func (n *rateNegotiator) status() *RateStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	return &RateStatus{Rates: n.rates, Current: n.current, State: n.state.String()}
}

func (n *rateNegotiator) wait() {
	n.wg.Wait()
}

func rateCompatible(target, device int) bool {
	if device <= 0 {
		return false
	}

	return math.Abs(float64(target)-float64(device))/float64(device) <= rateTolerance
}
