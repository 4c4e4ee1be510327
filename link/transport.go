package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is used for serial transports without a baud query parameter.
const DefaultBaudRate = 115200

// Transport is the byte stream of the physical link.
//
// A Transport that also implements SetWriteDeadline gets the configured write timeout applied.
type Transport interface {
	io.ReadWriteCloser
}

// Opener opens the physical transport. The link session calls it on startup and on every reconnect.
type Opener interface {
	Open(ctx context.Context) (Transport, error)
}

// OpenerFunc adapts a function to Opener. It is the hook for device auto-discovery.
type OpenerFunc func(ctx context.Context) (Transport, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Transport, error) {
	return f(ctx)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// RateSetter is a Transport whose line rate can change while it is open.
type RateSetter interface {
	SetBaudRate(rate int) error
}

// Rates are the line rates of a serial link: the transport opens at Default, and the proxy may
// negotiate Target with the device.
type Rates struct {
	Default int `json:"default"`
	Target  int `json:"target"`
}

// Negotiable reports whether a target rate different from the default rate is configured.
func (r Rates) Negotiable() bool {
	return r.Default > 0 && r.Target > 0 && r.Target != r.Default
}

// rateOpener is an Opener that knows the rates of the transports it opens.
type rateOpener interface {
	Rates() Rates
}

// NewOpener creates an opener for the transport URL.
//
// Supported forms:
//
//	serial:///dev/ttyUSB0?baud=115200
//	serial:///dev/ttyUSB0?baud=115200&target=2000000   negotiate 2000000 after opening
//	serial://COM3
//	/dev/ttyACM0                      bare device path, default baud rate
//	tcp://192.168.1.20:7855
func NewOpener(rawURL string, timeout time.Duration) (Opener, error) {
	if rawURL == "" {
		return nil, ErrNoOpener
	}
	if !strings.Contains(rawURL, "://") {
		return &serialOpener{path: rawURL, baud: DefaultBaudRate, target: DefaultBaudRate}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "serial":
		path := u.Host + u.Path
		if path == "" {
			return nil, fmt.Errorf("serial url %q has no device path", rawURL)
		}

		baud, err := queryRate(u.Query().Get("baud"), DefaultBaudRate)
		if err != nil {
			return nil, err
		}
		target, err := queryRate(u.Query().Get("target"), baud)
		if err != nil {
			return nil, err
		}

		return &serialOpener{path: path, baud: baud, target: target}, nil

	case "tcp":
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return nil, fmt.Errorf("invalid tcp address %q: %w", u.Host, err)
		}

		return &tcpOpener{addr: u.Host, timeout: timeout}, nil

	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
}

// SerialPorts lists the serial ports present on the system.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

func queryRate(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}

	rate, err := strconv.Atoi(v)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("invalid baud rate %q", v)
	}

	return rate, nil
}

type serialOpener struct {
	path   string
	baud   int
	target int
}

func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (o *serialOpener) Open(_ context.Context) (Transport, error) {
	port, err := serial.Open(o.path, serialMode(o.baud))
	if err != nil {
		return nil, &TransportError{Op: "open " + o.path, Err: err}
	}

	// discard bytes buffered before the link was opened
	_ = port.ResetInputBuffer()

	return &serialPort{Port: port}, nil
}

func (o *serialOpener) Rates() Rates {
	return Rates{Default: o.baud, Target: o.target}
}

func (o *serialOpener) String() string {
	if o.target != o.baud {
		return fmt.Sprintf("serial://%s?baud=%d&target=%d", o.path, o.baud, o.target)
	}

	return fmt.Sprintf("serial://%s?baud=%d", o.path, o.baud)
}

// serialPort is an open serial port whose rate can change.
type serialPort struct {
	serial.Port
}

func (p *serialPort) SetBaudRate(rate int) error {
	return p.SetMode(serialMode(rate))
}

type tcpOpener struct {
	addr    string
	timeout time.Duration
}

func (o *tcpOpener) Open(ctx context.Context) (Transport, error) {
	dialer := &net.Dialer{Timeout: o.timeout, KeepAlive: 30 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", o.addr)
	if err != nil {
		return nil, &TransportError{Op: "dial " + o.addr, Err: err}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return conn, nil
}

func (o *tcpOpener) String() string {
	return "tcp://" + o.addr
}
