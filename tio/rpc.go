package tio

import (
	"encoding/binary"
	"fmt"
)

// namedMethodFlag marks a method field that carries the length of a method name.
const namedMethodFlag = 0x8000

// maxMethodNameLen is the longest method name that fits the method field.
const maxMethodNameLen = MaxPayloadSize - 2

// RPCRequest is the decoded payload of an RPC request packet.
//
// A request addresses its method either by name or by numeric id; Name takes precedence when set.
type RPCRequest struct {
	Name     string
	MethodID uint16
	Arg      []byte
}

// NewRPCRequest builds an RPC request packet calling the named method.
func NewRPCRequest(route Route, method string, arg []byte) (Packet, error) {
	req := RPCRequest{Name: method, Arg: arg}
	payload, err := req.MarshalBinary()
	if err != nil {
		return Packet{}, err
	}

	return Packet{Type: TypeRPCRequest, Route: route, Payload: payload}, nil
}

// MarshalBinary encodes the request payload: the method field, the optional name, then the argument.
func (r RPCRequest) MarshalBinary() ([]byte, error) {
	var method uint16
	if r.Name != "" {
		if len(r.Name) > maxMethodNameLen {
			return nil, fmt.Errorf("%w: method name of %d bytes", ErrPayloadTooLarge, len(r.Name))
		}
		method = namedMethodFlag | uint16(len(r.Name)) //nolint:gosec // bounded above
	} else {
		if r.MethodID&namedMethodFlag != 0 {
			return nil, fmt.Errorf("%w: method id %#x out of range", ErrInvalidPacket, r.MethodID)
		}
		method = r.MethodID
	}

	size := 2 + len(r.Name) + len(r.Arg)
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	payload := make([]byte, 0, size)
	payload = binary.LittleEndian.AppendUint16(payload, method)
	payload = append(payload, r.Name...)
	payload = append(payload, r.Arg...)

	return payload, nil
}

// ParseRPCRequest decodes the payload of an RPC request packet.
func ParseRPCRequest(p Packet) (RPCRequest, error) {
	var req RPCRequest
	if p.Type != TypeRPCRequest {
		return req, fmt.Errorf("%w: %s is not an rpc request", ErrInvalidPacket, p.Type)
	}
	if len(p.Payload) < 2 {
		return req, fmt.Errorf("%w: rpc request payload of %d bytes", ErrInvalidPacket, len(p.Payload))
	}

	method := binary.LittleEndian.Uint16(p.Payload)
	rest := p.Payload[2:]
	if method&namedMethodFlag == 0 {
		req.MethodID = method
		req.Arg = rest

		return req, nil
	}

	nameLen := int(method &^ namedMethodFlag)
	if nameLen > len(rest) {
		return req, fmt.Errorf("%w: method name length %d exceeds payload", ErrInvalidPacket, nameLen)
	}
	req.Name = string(rest[:nameLen])
	req.Arg = rest[nameLen:]

	return req, nil
}

// Method returns the method name, or "#id" for requests addressed by id.
func (r RPCRequest) Method() string {
	if r.Name != "" {
		return r.Name
	}

	return fmt.Sprintf("#%d", r.MethodID)
}

// NewRPCReply builds the reply to the request with the given token.
func NewRPCReply(route Route, token uint16, reply []byte) Packet {
	return Packet{Type: TypeRPCReply, Route: route, Token: token, Payload: reply}
}

// NewRPCErrorPacket builds an RPC error response.
func NewRPCErrorPacket(route Route, token uint16, code RPCErrorCode, extra []byte) Packet {
	payload := make([]byte, 0, 2+len(extra))
	payload = binary.LittleEndian.AppendUint16(payload, uint16(code))
	payload = append(payload, extra...)

	return Packet{Type: TypeRPCError, Route: route, Token: token, Payload: payload}
}

// ParseRPCError decodes the payload of an RPC error packet.
func ParseRPCError(p Packet) (*RPCError, error) {
	if p.Type != TypeRPCError {
		return nil, fmt.Errorf("%w: %s is not an rpc error", ErrInvalidPacket, p.Type)
	}
	if len(p.Payload) < 2 {
		return nil, fmt.Errorf("%w: rpc error payload of %d bytes", ErrInvalidPacket, len(p.Payload))
	}

	return &RPCError{
		Code:  RPCErrorCode(binary.LittleEndian.Uint16(p.Payload)),
		Extra: p.Payload[2:],
	}, nil
}

// ResponseResult converts an RPC response packet into the reply payload or the device error.
func ResponseResult(p Packet) ([]byte, error) {
	switch p.Type {
	case TypeRPCReply:
		return p.Payload, nil
	case TypeRPCError:
		rpcErr, err := ParseRPCError(p)
		if err != nil {
			return nil, err
		}

		return nil, rpcErr
	default:
		return nil, fmt.Errorf("%w: %s is not an rpc response", ErrInvalidPacket, p.Type)
	}
}

// NewSessionHeartbeat builds a heartbeat carrying the session number of the device. A device picks
// a new session number every time it boots.
func NewSessionHeartbeat(route Route, session uint32) Packet {
	return NewHeartbeat(route, binary.LittleEndian.AppendUint32(nil, session))
}

// HeartbeatSession returns the session number of a session heartbeat.
func HeartbeatSession(p Packet) (uint32, bool) {
	if p.Type != TypeHeartbeat || len(p.Payload) != 4 {
		return 0, false
	}

	return binary.LittleEndian.Uint32(p.Payload), true
}

// NewHeartbeat builds a heartbeat packet.
func NewHeartbeat(route Route, payload []byte) Packet {
	return Packet{Type: TypeHeartbeat, Route: route, Payload: payload}
}

// NewStreamData builds a stream data packet for the given stream.
func NewStreamData(route Route, streamID uint8, samples []byte) Packet {
	return Packet{Type: StreamType(streamID), Route: route, Payload: samples}
}
