package codec

import "errors"

// ErrVarintOverflow indicates a variable-length integer that is truncated
// or longer than 64 bits.
var ErrVarintOverflow = errors.New("varint overflow")

// AppendUvarint appends v in unsigned LEB128 form.
func AppendUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Uvarint decodes an unsigned LEB128 value from buf, returning the value
// and the number of bytes consumed.
func Uvarint(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range buf {
		if shift >= 64 {
			return 0, 0, ErrVarintOverflow
		}
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrVarintOverflow
}

// ZigZag maps a signed value onto an unsigned one so that small magnitudes,
// of either sign, encode short.
func ZigZag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// UnZigZag inverts ZigZag.
func UnZigZag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// AppendVarint appends v zig-zag encoded.
func AppendVarint(dst []byte, v int64) []byte {
	return AppendUvarint(dst, ZigZag(v))
}

// Varint decodes a zig-zag encoded signed value from buf.
func Varint(buf []byte) (int64, int, error) {
	u, n, err := Uvarint(buf)
	if err != nil {
		return 0, 0, err
	}
	return UnZigZag(u), n, nil
}
