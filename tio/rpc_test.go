package tio

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRequest(t *testing.T) {
	require := require.New(t)

	t.Run("Named", func(t *testing.T) {
		pkt, err := NewRPCRequest(MustRoute(1), "dev.name", nil)
		require.NoError(err)
		require.Equal(TypeRPCRequest, pkt.Type)
		require.Equal([]byte{0x08, 0x80, 'd', 'e', 'v', '.', 'n', 'a', 'm', 'e'}, pkt.Payload)

		req, err := ParseRPCRequest(pkt)
		require.NoError(err)
		require.Equal("dev.name", req.Name)
		require.Equal("dev.name", req.Method())
		require.Empty(req.Arg)
	})

	t.Run("Numeric with argument", func(t *testing.T) {
		payload, err := RPCRequest{MethodID: 12, Arg: []byte{1, 2}}.MarshalBinary()
		require.NoError(err)

		req, err := ParseRPCRequest(Packet{Type: TypeRPCRequest, Payload: payload})
		require.NoError(err)
		require.Equal(uint16(12), req.MethodID)
		require.Equal("#12", req.Method())
		require.Equal([]byte{1, 2}, req.Arg)

		_, err = RPCRequest{MethodID: 0x8001}.MarshalBinary()
		require.ErrorIs(err, ErrInvalidPacket)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ParseRPCRequest(Packet{Type: TypeRPCRequest, Payload: []byte{1}})
		require.ErrorIs(err, ErrInvalidPacket)

		_, err = ParseRPCRequest(Packet{Type: TypeRPCRequest, Payload: []byte{0x05, 0x80, 'a'}})
		require.ErrorIs(err, ErrInvalidPacket)

		_, err = ParseRPCRequest(Packet{Type: TypeRPCReply})
		require.ErrorIs(err, ErrInvalidPacket)

		_, err = NewRPCRequest(RootRoute, "m", make([]byte, MaxPayloadSize))
		require.ErrorIs(err, ErrPayloadTooLarge)
	})
}

func TestRPCResponse(t *testing.T) {
	require := require.New(t)

	reply, err := ResponseResult(NewRPCReply(RootRoute, 3, []byte("ok")))
	require.NoError(err)
	require.Equal([]byte("ok"), reply)

	_, err = ResponseResult(NewRPCErrorPacket(RootRoute, 3, ErrorNotFound, nil))
	var rpcErr *RPCError
	require.ErrorAs(err, &rpcErr)
	require.Equal(ErrorNotFound, rpcErr.Code)
	require.Equal("rpc error: not found", rpcErr.Error())

	_, err = ResponseResult(NewRPCErrorPacket(RootRoute, 3, ErrorTimeout, nil))
	require.ErrorIs(err, ErrRequestTimeout)

	_, err = ResponseResult(NewRPCErrorPacket(RootRoute, 3, ErrorLinkLost, nil))
	require.ErrorIs(err, ErrLinkLost)

	_, err = ResponseResult(NewHeartbeat(RootRoute, nil))
	require.ErrorIs(err, ErrInvalidPacket)

	_, err = ParseRPCError(Packet{Type: TypeRPCError, Payload: []byte{1}})
	require.ErrorIs(err, ErrInvalidPacket)
}

func TestErrorCodeFor(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(ErrorNone, ErrorCodeFor(nil))
	assert.Equal(ErrorTimeout, ErrorCodeFor(fmt.Errorf("call: %w", ErrRequestTimeout)))
	assert.Equal(ErrorLinkLost, ErrorCodeFor(ErrLinkLost))
	assert.Equal(ErrorOutOfMemory, ErrorCodeFor(ErrTooManyPending))
	assert.Equal(ErrorBusy, ErrorCodeFor(&RPCError{Code: ErrorBusy}))
	assert.Equal(ErrorUndefined, ErrorCodeFor(errors.New("boom")))

	assert.Equal("code 999", RPCErrorCode(999).String())
}

func TestValue(t *testing.T) {
	require := require.New(t)

	require.Equal([]byte{0x34, 0x12}, EncodeValue(uint16(0x1234)))
	v, err := DecodeValue[uint16]([]byte{0x34, 0x12})
	require.NoError(err)
	require.Equal(uint16(0x1234), v)

	f, err := DecodeValue[float32](EncodeValue(float32(1.5)))
	require.NoError(err)
	require.InDelta(1.5, f, 0)

	_, err = DecodeValue[uint32]([]byte{1, 2})
	require.ErrorIs(err, ErrInvalidPacket)

	b := AppendValue([]byte{0xFF}, int8(-1))
	require.Equal([]byte{0xFF, 0xFF}, b)

	cases := []struct {
		kind ValueKind
		text string
		want string
	}{
		{KindU8, "200", "200"},
		{KindI16, "-3", "-3"},
		{KindU32, "0x10", "16"},
		{KindI64, "-9000000000", "-9000000000"},
		{KindU64, "18446744073709551615", "18446744073709551615"},
		{KindF32, "2.5", "2.5"},
		{KindF64, "3.25", "3.25"},
		{KindString, "hello", "hello"},
		{KindHexData, "0x01ff", "01ff"},
		{KindNone, "", ""},
	}
	for _, c := range cases {
		enc, err := ParseValue(c.kind, c.text)
		require.NoError(err, c.kind)
		got, err := FormatValue(c.kind, enc)
		require.NoError(err, c.kind)
		require.Equal(c.want, got, c.kind)
	}

	_, err = ParseValue(KindU8, "256")
	require.Error(err)
	_, err = ParseValue(KindNone, "1")
	require.Error(err)
	_, err = ParseValue("u128", "1")
	require.Error(err)
	_, err = FormatValue(KindF64, EncodeValue(float32(math.Pi)))
	require.Error(err)
}

func TestControl(t *testing.T) {
	require := require.New(t)

	pkt := NewControl(ControlSubscribe, MustRoute(1), FilterStream)
	c, err := ParseControl(pkt)
	require.NoError(err)
	require.Equal(ControlSubscribe, c.Op)
	require.Equal(MustRoute(1), c.Route)
	require.Equal(FilterStream, c.Filter)

	c, err = ParseControl(NewStatsControl(ClientStats{Dropped: 3, Delivered: 40}))
	require.NoError(err)
	require.Equal(ControlStats, c.Op)
	require.Equal(ClientStats{Dropped: 3, Delivered: 40}, c.Stats)

	c, err = ParseControl(NewControl(ControlClear, RootRoute, FilterNone))
	require.NoError(err)
	require.Equal(ControlClear, c.Op)

	c, err = ParseControl(NewScopeControl(MustRoute(2, 5)))
	require.NoError(err)
	require.Equal(ControlSetScope, c.Op)
	require.Equal(MustRoute(2, 5), c.Route)

	c, err = ParseControl(NewRPCTimeoutControl(1500 * time.Millisecond))
	require.NoError(err)
	require.Equal(ControlSetRPCTimeout, c.Op)
	require.Equal(1500*time.Millisecond, c.Timeout)
	_, err = ParseControl(Packet{Type: TypeProxyControl, Payload: []byte{byte(ControlSetRPCTimeout), 1}})
	require.ErrorIs(err, ErrInvalidPacket)

	_, err = ParseControl(Packet{Type: TypeProxyControl})
	require.ErrorIs(err, ErrInvalidPacket)
	_, err = ParseControl(Packet{Type: TypeProxyControl, Payload: []byte{99}})
	require.ErrorIs(err, ErrInvalidPacket)
	_, err = ParseControl(Packet{Type: TypeProxyControl, Payload: []byte{byte(ControlSubscribe)}})
	require.ErrorIs(err, ErrInvalidPacket)
	_, err = ParseControl(Packet{Type: TypeLog})
	require.ErrorIs(err, ErrInvalidPacket)
}

func TestHeartbeatSession(t *testing.T) {
	require := require.New(t)

	session, ok := HeartbeatSession(NewSessionHeartbeat(RootRoute, 0xdeadbeef))
	require.True(ok)
	require.Equal(uint32(0xdeadbeef), session)

	_, ok = HeartbeatSession(NewHeartbeat(RootRoute, []byte{1, 2}))
	require.False(ok)
	_, ok = HeartbeatSession(NewStreamData(RootRoute, 0, []byte{1, 2, 3, 4}))
	require.False(ok)
}
