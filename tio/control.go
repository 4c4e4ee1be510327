package tio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ControlOp is the operation of a proxy control packet.
type ControlOp uint8

const (
	// ControlSubscribe adds the packet route as scope with the given filter.
	ControlSubscribe ControlOp = 1
	// ControlUnsubscribe removes the filter bits from the subscription of the packet route.
	ControlUnsubscribe ControlOp = 2
	// ControlClear removes every subscription of the client.
	ControlClear ControlOp = 3
	// ControlQueryStats asks the proxy for the delivery counters of the client.
	ControlQueryStats ControlOp = 4
	// ControlSetScope moves the client below the packet route: routes the client sends are
	// relative to it, and packets from outside it are not delivered.
	ControlSetScope ControlOp = 5
	// ControlSetRPCTimeout sets the deadline of the first attempt of the client's RPCs.
	ControlSetRPCTimeout ControlOp = 6
	// ControlStats answers ControlQueryStats.
	ControlStats ControlOp = 0x84
)

func (op ControlOp) String() string {
	switch op {
	case ControlSubscribe:
		return "subscribe"
	case ControlUnsubscribe:
		return "unsubscribe"
	case ControlClear:
		return "clear"
	case ControlQueryStats:
		return "query_stats"
	case ControlSetScope:
		return "set_scope"
	case ControlSetRPCTimeout:
		return "set_rpc_timeout"
	case ControlStats:
		return "stats"
	default:
		return fmt.Sprintf("op_%d", uint8(op))
	}
}

// Control is the decoded content of a proxy control packet.
type Control struct {
	Op     ControlOp
	Route  Route
	Filter TypeFilter
	Stats  ClientStats
	// Timeout is the argument of ControlSetRPCTimeout, in whole milliseconds on the wire.
	Timeout time.Duration
}

// ClientStats are the delivery counters the proxy keeps per client.
type ClientStats struct {
	// Dropped counts stream packets discarded because the client queue was full.
	Dropped uint64
	// Delivered counts packets written to the client.
	Delivered uint64
}

// NewControl builds a proxy control packet.
func NewControl(op ControlOp, route Route, filter TypeFilter) Packet {
	return Packet{Type: TypeProxyControl, Route: route, Payload: []byte{byte(op), byte(filter)}}
}

// NewStatsControl builds the answer to a stats query.
func NewStatsControl(stats ClientStats) Packet {
	payload := make([]byte, 0, 17)
	payload = append(payload, byte(ControlStats))
	payload = binary.LittleEndian.AppendUint64(payload, stats.Dropped)
	payload = binary.LittleEndian.AppendUint64(payload, stats.Delivered)

	return Packet{Type: TypeProxyControl, Payload: payload}
}

// NewScopeControl builds the packet setting the scope of the client.
func NewScopeControl(scope Route) Packet {
	return Packet{Type: TypeProxyControl, Route: scope, Payload: []byte{byte(ControlSetScope)}}
}

// NewRPCTimeoutControl builds the packet setting the RPC timeout of the client.
func NewRPCTimeoutControl(d time.Duration) Packet {
	payload := make([]byte, 0, 5)
	payload = append(payload, byte(ControlSetRPCTimeout))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(d.Milliseconds())) //nolint:gosec // range checked by the proxy

	return Packet{Type: TypeProxyControl, Payload: payload}
}

// ParseControl decodes a proxy control packet.
func ParseControl(p Packet) (Control, error) {
	var c Control
	if p.Type != TypeProxyControl {
		return c, fmt.Errorf("%w: %s is not a proxy control packet", ErrInvalidPacket, p.Type)
	}
	if len(p.Payload) == 0 {
		return c, fmt.Errorf("%w: empty control payload", ErrInvalidPacket)
	}

	c.Op = ControlOp(p.Payload[0])
	c.Route = p.Route
	switch c.Op {
	case ControlSubscribe, ControlUnsubscribe:
		if len(p.Payload) != 2 {
			return c, fmt.Errorf("%w: %s payload of %d bytes", ErrInvalidPacket, c.Op, len(p.Payload))
		}
		c.Filter = TypeFilter(p.Payload[1])
	case ControlClear, ControlQueryStats, ControlSetScope:
	case ControlSetRPCTimeout:
		if len(p.Payload) != 5 {
			return c, fmt.Errorf("%w: %s payload of %d bytes", ErrInvalidPacket, c.Op, len(p.Payload))
		}
		c.Timeout = time.Duration(binary.LittleEndian.Uint32(p.Payload[1:5])) * time.Millisecond
	case ControlStats:
		if len(p.Payload) != 17 {
			return c, fmt.Errorf("%w: stats payload of %d bytes", ErrInvalidPacket, len(p.Payload))
		}
		c.Stats.Dropped = binary.LittleEndian.Uint64(p.Payload[1:9])
		c.Stats.Delivered = binary.LittleEndian.Uint64(p.Payload[9:17])
	default:
		return c, fmt.Errorf("%w: unknown control op %d", ErrInvalidPacket, c.Op)
	}

	return c, nil
}
