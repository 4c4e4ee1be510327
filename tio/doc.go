// Package tio implements the packet model and the wire framing of the sensor protocol.
//
// A frame on the wire, both on the device link and on every proxy client connection, is laid
// out as follows (multi-byte fields are little endian):
//
//	offset  size  field
//	0       1     start marker (0xA5)
//	1       1     packet type
//	2       1     route info: low nibble is the route length (0..8), high nibble is the TTL
//	3       2     payload length (0..MaxPayloadSize)
//	5       2     correlation token, zero for packet types other than RPC
//	7       2     header check: low 16 bits of the CRC-32 (IEEE) of bytes 1..6
//	9       n     route hops
//	9+n     m     payload
//	9+n+m   4     CRC-32 (IEEE) of the header, route and payload
//
// Decode is a pure streaming function: it returns the decoded packets together with the number of
// bytes consumed, so the caller keeps the undecided tail and feeds it again once more bytes arrive.
// Decoder wraps that contract with an internal buffer.
//
// Malformed input never becomes a Packet. It is reported as FrameError events and the decoder
// resumes scanning one byte past the start marker of the rejected frame.
package tio
