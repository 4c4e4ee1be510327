package tio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Numeric is the set of fixed size types carried as RPC arguments and replies.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// AppendValue appends the little endian encoding of v to dst.
func AppendValue[T Numeric](dst []byte, v T) []byte {
	dst, _ = binary.Append(dst, binary.LittleEndian, v) // fixed size types never fail

	return dst
}

// EncodeValue returns the little endian encoding of v.
func EncodeValue[T Numeric](v T) []byte {
	return AppendValue(nil, v)
}

// DecodeValue decodes a value that must occupy the whole buffer.
func DecodeValue[T Numeric](b []byte) (T, error) {
	var v T
	if size := binary.Size(v); size != len(b) {
		return v, fmt.Errorf("%w: %d bytes for a %d byte value", ErrInvalidPacket, len(b), size)
	}
	_, err := binary.Decode(b, binary.LittleEndian, &v)

	return v, err
}

// ValueKind names the encodings understood by ParseValue and FormatValue.
type ValueKind string

const (
	KindNone    ValueKind = ""
	KindI8      ValueKind = "i8"
	KindU8      ValueKind = "u8"
	KindI16     ValueKind = "i16"
	KindU16     ValueKind = "u16"
	KindI32     ValueKind = "i32"
	KindU32     ValueKind = "u32"
	KindI64     ValueKind = "i64"
	KindU64     ValueKind = "u64"
	KindF32     ValueKind = "f32"
	KindF64     ValueKind = "f64"
	KindString  ValueKind = "string"
	KindHexData ValueKind = "hex"
)

// ParseValue encodes the text form of a value of the given kind.
func ParseValue(kind ValueKind, s string) ([]byte, error) {
	switch kind {
	case KindNone:
		if s != "" {
			return nil, fmt.Errorf("unexpected value %q for an empty argument", s)
		}
		return nil, nil
	case KindString:
		return []byte(s), nil
	case KindHexData:
		return parseHex(s)
	case KindI8:
		return parseInt[int8](s, 8)
	case KindI16:
		return parseInt[int16](s, 16)
	case KindI32:
		return parseInt[int32](s, 32)
	case KindI64:
		return parseInt[int64](s, 64)
	case KindU8:
		return parseUint[uint8](s, 8)
	case KindU16:
		return parseUint[uint16](s, 16)
	case KindU32:
		return parseUint[uint32](s, 32)
	case KindU64:
		return parseUint[uint64](s, 64)
	case KindF32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		return EncodeValue(float32(v)), nil
	case KindF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return EncodeValue(v), nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", kind)
	}
}

// FormatValue returns the text form of an encoded value of the given kind.
func FormatValue(kind ValueKind, b []byte) (string, error) {
	switch kind {
	case KindNone:
		if len(b) == 0 {
			return "", nil
		}
		return formatHex(b), nil
	case KindString:
		return string(b), nil
	case KindHexData:
		return formatHex(b), nil
	case KindI8:
		return formatNumeric[int8](b)
	case KindI16:
		return formatNumeric[int16](b)
	case KindI32:
		return formatNumeric[int32](b)
	case KindI64:
		return formatNumeric[int64](b)
	case KindU8:
		return formatNumeric[uint8](b)
	case KindU16:
		return formatNumeric[uint16](b)
	case KindU32:
		return formatNumeric[uint32](b)
	case KindU64:
		return formatNumeric[uint64](b)
	case KindF32:
		return formatNumeric[float32](b)
	case KindF64:
		return formatNumeric[float64](b)
	default:
		return "", fmt.Errorf("unknown value kind %q", kind)
	}
}

func parseInt[T ~int8 | ~int16 | ~int32 | ~int64](s string, bits int) ([]byte, error) {
	v, err := strconv.ParseInt(s, 0, bits)
	if err != nil {
		return nil, err
	}

	return EncodeValue(T(v)), nil
}

func parseUint[T ~uint8 | ~uint16 | ~uint32 | ~uint64](s string, bits int) ([]byte, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return nil, err
	}

	return EncodeValue(T(v)), nil
}

func formatNumeric[T Numeric](b []byte) (string, error) {
	v, err := DecodeValue[T](b)
	if err != nil {
		return "", err
	}

	return fmt.Sprint(v), nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q: %w", s, err)
	}

	return b, nil
}

func formatHex(b []byte) string {
	return hex.EncodeToString(b)
}
