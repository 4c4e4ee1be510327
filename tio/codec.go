package tio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Frame layout constants.
const (
	// StartMarker opens every frame.
	StartMarker byte = 0xA5
	// MaxPayloadSize is the largest payload a frame can carry.
	MaxPayloadSize = 1024
	// MaxTTL is the largest TTL that fits the route info nibble.
	MaxTTL = 0x0F

	headerSize    = 8 // type, route info, length, token, header check
	checksumSize  = 4
	frameOverhead = 1 + headerSize + checksumSize

	// MaxFrameSize is the largest encoded frame.
	MaxFrameSize = frameOverhead + MaxRouteLen + MaxPayloadSize
)

// Encode encodes the packet into a new frame.
func Encode(p Packet) ([]byte, error) {
	return AppendEncode(make([]byte, 0, p.EncodedSize()), p)
}

// AppendEncode appends the frame of the packet to dst.
func AppendEncode(dst []byte, p Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return dst, err
	}

	start := len(dst)
	dst = append(dst, StartMarker, byte(p.Type), p.Route.n|p.TTL<<4)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(p.Payload))) //nolint:gosec // bounded by validate
	dst = binary.LittleEndian.AppendUint16(dst, p.Token)
	dst = binary.LittleEndian.AppendUint16(dst, headerCheck(dst[start+1:]))
	dst = append(dst, p.Route.hops[:p.Route.n]...)
	dst = append(dst, p.Payload...)
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start+1:]))

	return dst, nil
}

// Validate checks that the packet can be encoded.
func (p Packet) Validate() error {
	if p.Type == TypeInvalid {
		return fmt.Errorf("%w: type 0", ErrInvalidPacket)
	}
	if p.TTL > MaxTTL {
		return fmt.Errorf("%w: ttl %d out of range [0, %d]", ErrInvalidPacket, p.TTL, MaxTTL)
	}
	if len(p.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	return nil
}

func headerCheck(hdr []byte) uint16 {
	return uint16(crc32.ChecksumIEEE(hdr[:headerSize-2])) //nolint:gosec // truncation intended
}

// DecodeResult is the outcome of one Decode call.
type DecodeResult struct {
	// Packets holds the frames that passed validation, in stream order.
	Packets []Packet
	// Consumed is the number of leading bytes the caller can discard. The remaining tail is an
	// incomplete frame and must be passed again, followed by new bytes.
	Consumed int
	// Errors holds the malformed input found, in stream order.
	Errors []*FrameError
}

// Decode decodes every complete frame in buf.
//
// Decode keeps no state: calling it again with buf[Consumed:] followed by more bytes yields the
// same packets as decoding the whole stream at once, however the stream is fragmented.
func Decode(buf []byte) DecodeResult {
	var res DecodeResult

	pos := 0
	for pos < len(buf) {
		idx := bytes.IndexByte(buf[pos:], StartMarker)
		if idx < 0 {
			res.Errors = append(res.Errors, &FrameError{Kind: FrameNoise, Offset: pos, Skipped: len(buf) - pos})
			pos = len(buf)

			break
		}
		if idx > 0 {
			res.Errors = append(res.Errors, &FrameError{Kind: FrameNoise, Offset: pos, Skipped: idx})
			pos += idx
		}

		pkt, n, kind := decodeFrame(buf[pos:])
		if kind != 0 {
			// drop the start marker only, a valid frame may begin inside the rejected one
			res.Errors = append(res.Errors, &FrameError{Kind: kind, Offset: pos, Skipped: 1})
			pos++

			continue
		}
		if n == 0 {
			break
		}

		res.Packets = append(res.Packets, pkt)
		pos += n
	}
	res.Consumed = pos

	return res
}

// decodeFrame decodes the frame starting at b[0], which holds a start marker.
// It returns n == 0 and kind == 0 when more bytes are needed.
func decodeFrame(b []byte) (Packet, int, FrameErrorKind) {
	if len(b) < 1+headerSize {
		return Packet{}, 0, 0
	}

	hdr := b[1 : 1+headerSize]
	typ := PacketType(hdr[0])
	routeLen := int(hdr[1] & 0x0F)
	ttl := hdr[1] >> 4
	payloadLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
	token := binary.LittleEndian.Uint16(hdr[4:6])

	if binary.LittleEndian.Uint16(hdr[6:8]) != headerCheck(hdr) ||
		typ == TypeInvalid || routeLen > MaxRouteLen || payloadLen > MaxPayloadSize {
		return Packet{}, 0, FrameBadHeader
	}

	total := frameOverhead + routeLen + payloadLen
	if len(b) < total {
		return Packet{}, 0, 0
	}

	sum := binary.LittleEndian.Uint32(b[total-checksumSize : total])
	if crc32.ChecksumIEEE(b[1:total-checksumSize]) != sum {
		return Packet{}, 0, FrameBadChecksum
	}

	body := b[1+headerSize : total-checksumSize]
	pkt := Packet{Type: typ, TTL: ttl, Token: token}
	pkt.Route.n = uint8(copy(pkt.Route.hops[:], body[:routeLen])) //nolint:gosec // at most MaxRouteLen
	if payloadLen > 0 {
		pkt.Payload = bytes.Clone(body[routeLen:])
	}

	return pkt, total, 0
}

// Decoder decodes a fragmented byte stream, keeping the undecided tail between calls.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder creates a decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, MaxFrameSize)}
}

// Feed appends p to the buffered tail and returns the packets and errors it completes.
func (d *Decoder) Feed(p []byte) ([]Packet, []*FrameError) {
	d.buf = append(d.buf, p...)
	res := Decode(d.buf)

	n := copy(d.buf, d.buf[res.Consumed:])
	d.buf = d.buf[:n]

	return res.Packets, res.Errors
}

// Buffered returns the number of undecided bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops the undecided bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
