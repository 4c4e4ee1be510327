// Package devicesim simulates a sensor speaking the tio packet protocol.
//
// A Device answers named RPCs, emits stream samples and session heartbeats on a schedule, and can
// be told to ignore requests to exercise retransmission paths. With WithBaudRate the device also
// simulates a serial line: while the host and device rates differ, nothing gets through.
package devicesim

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tio/internal/pool"
	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
)

// Handler serves one RPC method. A non-zero code answers with an RPC error.
type Handler func(arg []byte) ([]byte, tio.RPCErrorCode)

// Option configures a Device.
type Option func(*Device)

// WithRoute sets the route the device stamps on the packets it emits.
func WithRoute(route tio.Route) Option {
	return func(d *Device) { d.route = route }
}

// WithStreamInterval emits one sample packet on stream 0 per interval. Zero disables the stream.
func WithStreamInterval(d time.Duration) Option {
	return func(dev *Device) { dev.streamInterval = d }
}

// WithHeartbeatInterval emits one heartbeat per interval. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(dev *Device) { dev.heartbeatInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// WithBaudRate simulates a serial line starting at rate. The device accepts rate changes up to
// maxRate through the dev.port.rate.near and dev.port.rate methods.
func WithBaudRate(rate, maxRate int) Option {
	return func(d *Device) {
		d.defaultRate = rate
		d.maxRate = maxRate
	}
}

// Device is a simulated sensor. It serves one connection at a time.
type Device struct {
	name              string
	route             tio.Route
	streamInterval    time.Duration
	heartbeatInterval time.Duration
	logger            logger.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	ignore   atomic.Int32
	requests atomic.Uint64
	seq      atomic.Uint32
	session  atomic.Uint32

	defaultRate int
	maxRate     int
	rate        atomic.Int64
	hostRate    atomic.Int64
	nextRate    atomic.Int64

	connMu  sync.Mutex
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
}

// New creates a device with the built-in methods dev.name, dev.echo and data.seq.
func New(name string, opts ...Option) *Device {
	d := &Device{
		name:     name,
		logger:   logger.GetLogger(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "devicesim", "device", name)
	d.session.Store(rand.Uint32())
	d.rate.Store(int64(d.defaultRate))
	d.hostRate.Store(int64(d.defaultRate))

	d.Handle("dev.name", func([]byte) ([]byte, tio.RPCErrorCode) {
		return []byte(d.name), tio.ErrorNone
	})
	d.Handle("dev.echo", func(arg []byte) ([]byte, tio.RPCErrorCode) {
		return arg, tio.ErrorNone
	})
	d.Handle("data.seq", func(arg []byte) ([]byte, tio.RPCErrorCode) {
		if len(arg) != 0 {
			return nil, tio.ErrorWrongSizeArgs
		}
		return tio.EncodeValue(d.seq.Load()), tio.ErrorNone
	})

	if d.defaultRate > 0 {
		d.Handle("dev.port.rate.near", func(arg []byte) ([]byte, tio.RPCErrorCode) {
			want, err := tio.DecodeValue[uint32](arg)
			if err != nil {
				return nil, tio.ErrorWrongSizeArgs
			}
			return tio.EncodeValue(min(want, uint32(d.maxRate))), tio.ErrorNone //nolint:gosec // test knob
		})
		d.Handle("dev.port.rate", func(arg []byte) ([]byte, tio.RPCErrorCode) {
			want, err := tio.DecodeValue[uint32](arg)
			if err != nil {
				return nil, tio.ErrorWrongSizeArgs
			}
			if int(want) > d.maxRate {
				return nil, tio.ErrorOutOfRange
			}
			// switched once the reply is on the line
			d.nextRate.Store(int64(want))
			return nil, tio.ErrorNone
		})
	}

	return d
}

// Rate returns the line rate of the device side.
func (d *Device) Rate() int {
	return int(d.rate.Load())
}

// Session returns the session number the device reports in its heartbeats.
func (d *Device) Session() uint32 {
	return d.session.Load()
}

// Restart simulates a reboot: the device picks a new session number and its line returns to the
// initial rate.
func (d *Device) Restart() {
	d.session.Store(d.session.Load() + 1)
	d.rate.Store(int64(d.defaultRate))
}

// inSync reports whether bytes get across the simulated line.
func (d *Device) inSync() bool {
	return d.rate.Load() == d.hostRate.Load()
}

// Handle registers a method, replacing an existing one.
func (d *Device) Handle(method string, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	d.handlers[method] = h
}

// IgnoreRequests makes the device drop the next n RPC requests without answering.
func (d *Device) IgnoreRequests(n int) {
	d.ignore.Store(int32(n)) //nolint:gosec // test knob
}

// Requests returns the number of RPC requests received, ignored ones included.
func (d *Device) Requests() uint64 {
	return d.requests.Load()
}

// Opener returns a link opener that connects to the device over an in-memory pipe.
// Each open replaces the previous connection. With WithBaudRate the host end implements
// link.RateSetter and opens at the initial rate.
func (d *Device) Opener(ctx context.Context) link.Opener {
	return link.OpenerFunc(func(context.Context) (link.Transport, error) {
		host, dev := net.Pipe()
		go func() { _ = d.Serve(ctx, dev) }()

		if d.defaultRate > 0 {
			d.hostRate.Store(int64(d.defaultRate))
			return &hostPort{Conn: host, d: d}, nil
		}

		return host, nil
	})
}

// hostPort is the host end of a simulated serial line.
type hostPort struct {
	net.Conn
	d *Device
}

func (p *hostPort) SetBaudRate(rate int) error {
	p.d.hostRate.Store(int64(rate))
	return nil
}

// Disconnect closes the current connection, as if the device was unplugged.
func (d *Device) Disconnect() {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

// Send writes a packet to the current connection.
func (d *Device) Send(pkt tio.Packet) error {
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()

	if conn == nil {
		return io.ErrClosedPipe
	}

	return d.write(conn, pkt)
}

// Serve runs the device over conn until ctx is done or the connection fails.
func (d *Device) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	d.connMu.Lock()
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.conn = conn
	d.connMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if d.streamInterval > 0 {
		go d.every(ctx, conn, d.streamInterval, d.nextSample)
	}
	if d.heartbeatInterval > 0 {
		go d.every(ctx, conn, d.heartbeatInterval, func() tio.Packet {
			return tio.NewSessionHeartbeat(d.route, d.session.Load())
		})
	}

	d.logger.Debug("device connected")
	dec := tio.NewDecoder()
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pkts, _ := dec.Feed(buf[:n])
			for _, pkt := range pkts {
				if pkt.Type == tio.TypeRPCRequest && d.inSync() {
					d.serveRPC(conn, pkt)
				}
			}
		}
		if err != nil {
			d.logger.Debug("device disconnected", "error", err)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}

			return err
		}
	}
}

func (d *Device) serveRPC(conn io.Writer, pkt tio.Packet) {
	d.requests.Add(1)
	if d.ignore.Load() > 0 && d.ignore.Add(-1) >= 0 {
		d.logger.Debug("ignore rpc request", "token", pkt.Token)
		return
	}

	var resp tio.Packet
	req, err := tio.ParseRPCRequest(pkt)
	if err != nil {
		resp = tio.NewRPCErrorPacket(pkt.Route, pkt.Token, tio.ErrorMalformedRequest, nil)
	} else {
		d.handlersMu.RLock()
		h, ok := d.handlers[req.Method()]
		d.handlersMu.RUnlock()

		switch {
		case !ok:
			resp = tio.NewRPCErrorPacket(pkt.Route, pkt.Token, tio.ErrorNotFound, nil)
		default:
			reply, code := h(req.Arg)
			if code != tio.ErrorNone {
				resp = tio.NewRPCErrorPacket(pkt.Route, pkt.Token, code, nil)
			} else {
				resp = tio.NewRPCReply(pkt.Route, pkt.Token, reply)
			}
		}
	}

	if err := d.write(conn, resp); err != nil {
		d.logger.Debug("write rpc response failed", "error", err)
	}
	if rate := d.nextRate.Swap(0); rate > 0 {
		d.rate.Store(rate)
		d.logger.Debug("device rate changed", "rate", rate)
	}
}

func (d *Device) nextSample() tio.Packet {
	seq := d.seq.Add(1)

	samples := tio.AppendValue(nil, seq)
	samples = tio.AppendValue(samples, float32(math.Sin(float64(seq)/10)))

	return tio.NewStreamData(d.route, 0, samples)
}

func (d *Device) every(ctx context.Context, conn io.Writer, interval time.Duration, next func() tio.Packet) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.write(conn, next()); err != nil {
				return
			}
		}
	}
}

func (d *Device) write(conn io.Writer, pkt tio.Packet) error {
	if !d.inSync() {
		// garbage on the host side, dropped here
		return nil
	}

	frame, err := pool.EncodeFrame(pkt)
	if err != nil {
		return err
	}
	defer pool.PutFrameBuffer(frame)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err = conn.Write(*frame)

	return err
}
