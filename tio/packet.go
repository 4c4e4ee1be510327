package tio

import (
	"fmt"
	"slices"
)

// PacketType is the type tag carried in every frame header.
type PacketType uint8

// Packet types of the sensor protocol.
const (
	TypeInvalid    PacketType = 0
	TypeLog        PacketType = 1
	TypeRPCRequest PacketType = 2
	TypeRPCReply   PacketType = 3
	TypeRPCError   PacketType = 4
	TypeHeartbeat  PacketType = 5
	TypeMetadata   PacketType = 6

	// TypeProxyControl packets are consumed by the proxy and never forwarded to the device.
	TypeProxyControl PacketType = 0x7F

	// TypeStreamData is the first stream data type, stream N is carried as TypeStreamData+N.
	TypeStreamData PacketType = 0x80
)

// MaxStreamID is the highest stream id a stream data packet can carry.
const MaxStreamID = 0xFF - uint8(TypeStreamData)

// StreamType returns the packet type carrying samples of the given stream.
func StreamType(streamID uint8) PacketType {
	if streamID > MaxStreamID {
		streamID = MaxStreamID
	}

	return TypeStreamData + PacketType(streamID)
}

// IsStream reports whether the type is a stream data type.
func (t PacketType) IsStream() bool {
	return t >= TypeStreamData
}

// StreamID returns the stream id of a stream data type, and false for other types.
func (t PacketType) StreamID() (uint8, bool) {
	if !t.IsStream() {
		return 0, false
	}

	return uint8(t - TypeStreamData), true
}

// IsRPC reports whether packets of this type carry a correlation token.
func (t PacketType) IsRPC() bool {
	return t == TypeRPCRequest || t == TypeRPCReply || t == TypeRPCError
}

// IsRPCResponse reports whether the type answers an RPC request.
func (t PacketType) IsRPCResponse() bool {
	return t == TypeRPCReply || t == TypeRPCError
}

// Category returns the subscription category the type belongs to.
func (t PacketType) Category() TypeFilter {
	switch {
	case t.IsStream():
		return FilterStream
	case t == TypeHeartbeat:
		return FilterHeartbeat
	case t == TypeLog:
		return FilterLog
	case t == TypeMetadata:
		return FilterMetadata
	default:
		return FilterOther
	}
}

func (t PacketType) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeLog:
		return "log"
	case TypeRPCRequest:
		return "rpc_request"
	case TypeRPCReply:
		return "rpc_reply"
	case TypeRPCError:
		return "rpc_error"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeMetadata:
		return "metadata"
	case TypeProxyControl:
		return "proxy_control"
	}

	if id, ok := t.StreamID(); ok {
		return fmt.Sprintf("stream_%d", id)
	}

	return fmt.Sprintf("type_%d", uint8(t))
}

// TypeFilter is a bit mask of packet categories used by subscriptions.
type TypeFilter uint8

const (
	FilterStream TypeFilter = 1 << iota
	FilterHeartbeat
	FilterLog
	FilterMetadata
	FilterOther

	FilterNone TypeFilter = 0
	FilterAll             = FilterStream | FilterHeartbeat | FilterLog | FilterMetadata | FilterOther
)

// Match reports whether the packet type is selected by the filter.
func (f TypeFilter) Match(t PacketType) bool {
	return f&t.Category() != 0
}

func (f TypeFilter) String() string {
	if f == FilterNone {
		return "none"
	}
	if f&FilterAll == FilterAll {
		return "all"
	}

	names := []string{"stream", "heartbeat", "log", "metadata", "other"}
	s := ""
	for i, name := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}

	return s
}

// ParseTypeFilter parses a filter name as produced by TypeFilter.String, or a "|" separated list.
func ParseTypeFilter(s string) (TypeFilter, error) {
	var f TypeFilter
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != '|' && s[i] != ',' {
			continue
		}

		switch s[start:i] {
		case "all":
			f |= FilterAll
		case "none", "":
		case "stream":
			f |= FilterStream
		case "heartbeat":
			f |= FilterHeartbeat
		case "log":
			f |= FilterLog
		case "metadata":
			f |= FilterMetadata
		case "other":
			f |= FilterOther
		default:
			return FilterNone, fmt.Errorf("unknown type filter %q", s[start:i])
		}
		start = i + 1
	}

	return f, nil
}

// Packet is a validated protocol unit.
type Packet struct {
	Type  PacketType
	Route Route
	// TTL is the remaining hop count used by routing hubs, 0..15.
	TTL uint8
	// Token correlates RPC requests and responses. It is zero for other types.
	Token   uint16
	Payload []byte
}

// Clone returns a copy of the packet that does not share the payload.
func (p Packet) Clone() Packet {
	p.Payload = slices.Clone(p.Payload)
	return p
}

// WithToken returns a copy of the packet carrying the given correlation token.
func (p Packet) WithToken(token uint16) Packet {
	p.Token = token
	return p
}

// EncodedSize returns the number of bytes Encode produces for the packet.
func (p Packet) EncodedSize() int {
	return frameOverhead + p.Route.Len() + len(p.Payload)
}

func (p Packet) String() string {
	if p.Type.IsRPC() {
		return fmt.Sprintf("%s route=%s token=%d len=%d", p.Type, p.Route, p.Token, len(p.Payload))
	}

	return fmt.Sprintf("%s route=%s len=%d", p.Type, p.Route, len(p.Payload))
}
