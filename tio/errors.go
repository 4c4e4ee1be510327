package tio

import (
	"errors"
	"fmt"
)

// Errors shared by the proxy and its clients.
var (
	// ErrRequestTimeout is returned when an RPC received no response after all retransmissions.
	ErrRequestTimeout = errors.New("rpc request timeout")
	// ErrRequestCancelled is returned when the client owning an RPC went away.
	ErrRequestCancelled = errors.New("rpc request cancelled")
	// ErrLinkLost is returned for RPCs pending while the device link went down.
	ErrLinkLost = errors.New("device link lost")
	// ErrUnmatchedResponse marks an RPC response without a pending request.
	ErrUnmatchedResponse = errors.New("unmatched rpc response")
	// ErrQueueOverflow marks a stream packet dropped from a full client queue.
	ErrQueueOverflow = errors.New("client queue overflow")
	// ErrTooManyPending is returned when no correlation token is free.
	ErrTooManyPending = errors.New("too many pending rpc requests")

	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidPacket   = errors.New("invalid packet")
)

// FrameErrorKind classifies frame decoding failures.
type FrameErrorKind uint8

const (
	// FrameNoise is reported for bytes skipped while seeking a start marker.
	FrameNoise FrameErrorKind = iota + 1
	// FrameBadHeader is reported when the header fields or the header check are invalid.
	FrameBadHeader
	// FrameBadChecksum is reported when the trailing CRC does not match.
	FrameBadChecksum
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameNoise:
		return "noise"
	case FrameBadHeader:
		return "bad header"
	case FrameBadChecksum:
		return "bad checksum"
	default:
		return "unknown"
	}
}

// FrameError describes malformed bytes found by the decoder.
//
// Offset is relative to the buffer passed to Decode. Skipped is the number of bytes the decoder
// gave up on: the noise run length, or 1 for a rejected start marker.
type FrameError struct {
	Kind    FrameErrorKind
	Offset  int
	Skipped int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error: %s at offset %d (%d bytes skipped)", e.Kind, e.Offset, e.Skipped)
}

// RPCErrorCode is the error code carried by an RPCError packet.
type RPCErrorCode uint16

// Device error codes, followed by codes generated by the proxy itself.
const (
	ErrorNone             RPCErrorCode = 0
	ErrorUndefined        RPCErrorCode = 1
	ErrorNotFound         RPCErrorCode = 2
	ErrorMalformedRequest RPCErrorCode = 3
	ErrorWrongSizeArgs    RPCErrorCode = 4
	ErrorInvalidArgs      RPCErrorCode = 5
	ErrorReadOnly         RPCErrorCode = 6
	ErrorWriteOnly        RPCErrorCode = 7
	ErrorTimeout          RPCErrorCode = 8
	ErrorBusy             RPCErrorCode = 9
	ErrorWrongDeviceState RPCErrorCode = 10
	ErrorLoadFailed       RPCErrorCode = 11
	ErrorLoadRPCFailed    RPCErrorCode = 12
	ErrorSaveFailed       RPCErrorCode = 13
	ErrorSaveWriteFailed  RPCErrorCode = 14
	ErrorInternal         RPCErrorCode = 15
	ErrorOutOfMemory      RPCErrorCode = 16
	ErrorOutOfRange       RPCErrorCode = 17

	ErrorLinkLost RPCErrorCode = 0x8001
)

var rpcErrorNames = map[RPCErrorCode]string{
	ErrorNone:             "none",
	ErrorUndefined:        "undefined",
	ErrorNotFound:         "not found",
	ErrorMalformedRequest: "malformed request",
	ErrorWrongSizeArgs:    "wrong size args",
	ErrorInvalidArgs:      "invalid args",
	ErrorReadOnly:         "read only",
	ErrorWriteOnly:        "write only",
	ErrorTimeout:          "timeout",
	ErrorBusy:             "busy",
	ErrorWrongDeviceState: "wrong device state",
	ErrorLoadFailed:       "load failed",
	ErrorLoadRPCFailed:    "load rpc failed",
	ErrorSaveFailed:       "save failed",
	ErrorSaveWriteFailed:  "save write failed",
	ErrorInternal:         "internal",
	ErrorOutOfMemory:      "out of memory",
	ErrorOutOfRange:       "out of range",
	ErrorLinkLost:         "link lost",
}

func (c RPCErrorCode) String() string {
	if name, ok := rpcErrorNames[c]; ok {
		return name
	}

	return fmt.Sprintf("code %d", uint16(c))
}

// RPCError is the decoded content of an RPCError packet.
type RPCError struct {
	Code  RPCErrorCode
	Extra []byte
}

func (e *RPCError) Error() string {
	return "rpc error: " + e.Code.String()
}

// Is maps the codes generated by the proxy to the matching sentinel errors.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case ErrorTimeout:
		return target == ErrRequestTimeout
	case ErrorLinkLost:
		return target == ErrLinkLost
	case ErrorOutOfMemory:
		return target == ErrTooManyPending
	}

	return false
}

// ErrorCodeFor returns the RPC error code reported to a client for a failed request.
func ErrorCodeFor(err error) RPCErrorCode {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return ErrorNone
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, ErrRequestTimeout):
		return ErrorTimeout
	case errors.Is(err, ErrLinkLost):
		return ErrorLinkLost
	case errors.Is(err, ErrTooManyPending):
		return ErrorOutOfMemory
	default:
		return ErrorUndefined
	}
}
