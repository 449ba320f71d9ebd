// Package codec implements the order-preserving binary encoding for
// Field values described in spec.md §3: lexicographic byte order must
// agree with each type's natural ascending order, and a reversed encoding
// must exist for descending index columns (spec.md §9 design note).
//
// Every encoded field starts with a one-byte null tag (tagNull sorts
// before tagPresent) so Null always sorts first among values at the same
// column, matching MIN's cursor-first()/MAX's cursor-last() recompute in
// pkg/agg.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cuemby/streamrunner/pkg/types"
)

const (
	tagNull    byte = 0x00
	tagPresent byte = 0x01
)

// EncodeField appends the order-preserving ascending encoding of f to dst
// and returns the extended slice.
func EncodeField(dst []byte, f types.Field) []byte {
	if f.IsNull() {
		return append(dst, tagNull)
	}
	dst = append(dst, tagPresent)
	switch f.Type {
	case types.FieldTypeUInt:
		return appendUint64(dst, f.UInt)
	case types.FieldTypeInt:
		return appendUint64(dst, flipSign64(f.Int))
	case types.FieldTypeFloat:
		return appendUint64(dst, floatOrderKey(f.Float))
	case types.FieldTypeBool:
		if f.Bool {
			return append(dst, 0x01)
		}
		return append(dst, 0x00)
	case types.FieldTypeString, types.FieldTypeText, types.FieldTypeBson:
		return appendEscapedString(dst, f.Str)
	case types.FieldTypeBinary:
		return appendEscapedBytes(dst, f.Bin)
	case types.FieldTypeDecimal:
		return appendDecimal(dst, f.Dec)
	case types.FieldTypeTimestamp:
		dst = appendUint64(dst, flipSign64(f.TS.UnixMilli))
		return appendUint16(dst, uint16(f.TS.OffsetMinute))
	case types.FieldTypeDate:
		return appendUint32(dst, flipSign32(int32(f.Dt)))
	case types.FieldTypePoint:
		dst = appendUint64(dst, floatOrderKey(f.Pt.X))
		return appendUint64(dst, floatOrderKey(f.Pt.Y))
	default:
		panic(fmt.Sprintf("codec: unencodable field type %v", f.Type))
	}
}

// DecodeField reads one field of type ft from the front of src and returns
// the decoded value plus the number of bytes consumed.
func DecodeField(src []byte, ft types.FieldType) (types.Field, int, error) {
	if len(src) == 0 {
		return types.Field{}, 0, fmt.Errorf("codec: empty buffer")
	}
	if src[0] == tagNull {
		return types.NullField(), 1, nil
	}
	if src[0] != tagPresent {
		return types.Field{}, 0, fmt.Errorf("codec: bad null tag %x", src[0])
	}
	body := src[1:]
	switch ft {
	case types.FieldTypeUInt:
		v, n, err := readUint64(body)
		return types.UIntField(v), 1 + n, err
	case types.FieldTypeInt:
		v, n, err := readUint64(body)
		return types.IntField(unflipSign64(v)), 1 + n, err
	case types.FieldTypeFloat:
		v, n, err := readUint64(body)
		return types.FloatField(floatFromOrderKey(v)), 1 + n, err
	case types.FieldTypeBool:
		if len(body) < 1 {
			return types.Field{}, 0, fmt.Errorf("codec: short bool")
		}
		return types.BoolField(body[0] != 0), 2, nil
	case types.FieldTypeString, types.FieldTypeText, types.FieldTypeBson:
		s, n, err := readEscapedString(body)
		f := types.Field{Type: ft, Str: s}
		return f, 1 + n, err
	case types.FieldTypeBinary:
		b, n, err := readEscapedBytes(body)
		return types.BinaryField(b), 1 + n, err
	case types.FieldTypeDecimal:
		d, n, err := readDecimal(body)
		return types.DecimalField(d), 1 + n, err
	case types.FieldTypeTimestamp:
		ms, n, err := readUint64(body)
		if err != nil {
			return types.Field{}, 0, err
		}
		off, n2, err := readUint16(body[n:])
		if err != nil {
			return types.Field{}, 0, err
		}
		return types.TimestampField(types.Timestamp{UnixMilli: unflipSign64(ms), OffsetMinute: int16(off)}), 1 + n + n2, nil
	case types.FieldTypeDate:
		v, n, err := readUint32(body)
		return types.DateField(types.Date(unflipSign32(v))), 1 + n, err
	case types.FieldTypePoint:
		x, n1, err := readUint64(body)
		if err != nil {
			return types.Field{}, 0, err
		}
		y, n2, err := readUint64(body[n1:])
		if err != nil {
			return types.Field{}, 0, err
		}
		return types.PointField(types.Point{X: floatFromOrderKey(x), Y: floatFromOrderKey(y)}), 1 + n1 + n2, nil
	default:
		return types.Field{}, 0, fmt.Errorf("codec: undecodable field type %v", ft)
	}
}

// EncodeCounter renders a monotonic uint64 counter (surrogate record ids,
// sequence keys) as a fixed 8-byte big-endian key so ascending insertion
// order matches ascending byte order.
func EncodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeCounter is the inverse of EncodeCounter.
func DecodeCounter(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Reverse bitwise-complements every byte of an ascending-encoded field so
// that lexicographic byte order agrees with the reversed (descending)
// natural order. Used for descending index columns (spec.md §9).
func Reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = ^c
	}
	return out
}

// --- fixed-width helpers ---

func appendUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendUint16(dst []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

func readUint64(src []byte) (uint64, int, error) {
	if len(src) < 8 {
		return 0, 0, fmt.Errorf("codec: short uint64")
	}
	return binary.BigEndian.Uint64(src[:8]), 8, nil
}

func readUint32(src []byte) (uint32, int, error) {
	if len(src) < 4 {
		return 0, 0, fmt.Errorf("codec: short uint32")
	}
	return binary.BigEndian.Uint32(src[:4]), 4, nil
}

func readUint16(src []byte) (uint16, int, error) {
	if len(src) < 2 {
		return 0, 0, fmt.Errorf("codec: short uint16")
	}
	return binary.BigEndian.Uint16(src[:2]), 2, nil
}

// flipSign64 maps a signed int64 to a uint64 such that ascending unsigned
// byte order agrees with ascending signed order: flip the sign bit.
func flipSign64(v int64) uint64 { return uint64(v) ^ (1 << 63) }
func unflipSign64(v uint64) int64 { return int64(v ^ (1 << 63)) }

func flipSign32(v int32) uint32 { return uint32(v) ^ (1 << 31) }
func unflipSign32(v uint32) int32 { return int32(v ^ (1 << 31)) }

// floatOrderKey maps a NaN-free float64 to a uint64 whose unsigned order
// matches the float's natural order: for non-negative floats, set the
// sign bit; for negative floats, complement every bit. This is the
// standard IEEE-754 total-order-without-NaN trick.
func floatOrderKey(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func floatFromOrderKey(key uint64) float64 {
	if key&(1<<63) != 0 {
		return math.Float64frombits(key &^ (1 << 63))
	}
	return math.Float64frombits(^key)
}

// --- escaped variable-length encodings ---
//
// Raw bytes are copied through verbatim except 0x00, which is escaped as
// 0x00 0xFF; the run terminates with 0x00 0x00. This keeps the encoding
// self-delimiting while preserving byte-lexicographic order: the
// terminator (0x00 0x00) sorts before an escaped 0x00 (0x00 0xFF), which
// sorts before any non-zero continuation byte, so "a" < "a\x00" < "a\x01".

func appendEscapedString(dst []byte, s string) []byte {
	return appendEscapedBytes(dst, []byte(s))
}

func appendEscapedBytes(dst []byte, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, 0x00, 0x00)
}

func readEscapedString(src []byte) (string, int, error) {
	b, n, err := readEscapedBytes(src)
	return string(b), n, err
}

func readEscapedBytes(src []byte) ([]byte, int, error) {
	var out []byte
	i := 0
	for {
		if i >= len(src) {
			return nil, 0, fmt.Errorf("codec: unterminated escaped run")
		}
		if src[i] == 0x00 {
			if i+1 >= len(src) {
				return nil, 0, fmt.Errorf("codec: truncated escape sequence")
			}
			switch src[i+1] {
			case 0x00:
				return out, i + 2, nil
			case 0xFF:
				out = append(out, 0x00)
				i += 2
				continue
			default:
				return nil, 0, fmt.Errorf("codec: bad escape byte %x", src[i+1])
			}
		}
		out = append(out, src[i])
		i++
	}
}

// --- decimal ---
//
// Decimal is stored as a 128-bit signed magnitude (Hi:Lo as a two's
// complement 128-bit integer) plus an 8-bit scale. Ordering assumes a
// fixed scale per indexed column (the common case for a declared schema
// field), so comparing the 128-bit magnitude with the signed-flip trick
// (extended to 16 bytes) gives the correct order; the scale byte is
// appended unencoded after the magnitude for exact reconstruction.

func appendDecimal(dst []byte, d types.Decimal) []byte {
	hi := uint64(d.Hi) ^ (1 << 63)
	dst = appendUint64(dst, hi)
	dst = appendUint64(dst, d.Lo)
	return append(dst, d.Scale)
}

func readDecimal(src []byte) (types.Decimal, int, error) {
	if len(src) < 17 {
		return types.Decimal{}, 0, fmt.Errorf("codec: short decimal")
	}
	hi := binary.BigEndian.Uint64(src[:8])
	lo := binary.BigEndian.Uint64(src[8:16])
	scale := src[16]
	return types.Decimal{Hi: int64(hi ^ (1 << 63)), Lo: lo, Scale: scale}, 17, nil
}
