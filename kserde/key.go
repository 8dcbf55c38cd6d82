package kserde

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/birdayz/kviews/krow"
)

// Tags prefix every encoded value. Their order defines the byte order of
// values of different kinds.
const (
	tagNull  byte = 0x01
	tagInt   byte = 0x02
	tagFloat byte = 0x03
	tagText  byte = 0x04
)

// Text is escaped so the terminator never appears inside it:
// 0x00 becomes 0x00 0xFF, and the value ends with 0x00 0x01.
const (
	escape     byte = 0x00
	escapedNul byte = 0xFF
	terminator byte = 0x01
)

var ErrCorruptKey = errors.New("kserde: corrupt key encoding")

// AppendValue appends the order-preserving encoding of v to dst.
//
// The encoding is prefix-free: the encoding of a tuple is never a prefix of
// the encoding of a different tuple of the same length, so a tuple encoding
// can be used as a range-scan prefix.
func AppendValue(dst []byte, v krow.Value) []byte {
	switch v.Kind() {
	case krow.KindInt:
		dst = append(dst, tagInt)
		return binary.BigEndian.AppendUint64(dst, uint64(v.AsInt())^(1<<63))
	case krow.KindFloat:
		dst = append(dst, tagFloat)
		bits := math.Float64bits(v.AsFloat())
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(dst, bits)
	case krow.KindText:
		dst = append(dst, tagText)
		s := v.AsText()
		for i := 0; i < len(s); i++ {
			if s[i] == escape {
				dst = append(dst, escape, escapedNul)
				continue
			}
			dst = append(dst, s[i])
		}
		return append(dst, escape, terminator)
	default:
		return append(dst, tagNull)
	}
}

// EncodeKey encodes a tuple of values.
func EncodeKey(vals krow.Row) []byte {
	dst := make([]byte, 0, len(vals)*9)
	for _, v := range vals {
		dst = AppendValue(dst, v)
	}
	return dst
}

// KeyString is EncodeKey as a string, for use as a map key.
func KeyString(vals krow.Row) string {
	return string(EncodeKey(vals))
}

// DecodeValue decodes one value and returns the remaining bytes.
func DecodeValue(b []byte) (krow.Value, []byte, error) {
	if len(b) == 0 {
		return krow.Null(), nil, ErrCorruptKey
	}
	tag, b := b[0], b[1:]
	switch tag {
	case tagNull:
		return krow.Null(), b, nil
	case tagInt:
		if len(b) < 8 {
			return krow.Null(), nil, fmt.Errorf("%w: short int", ErrCorruptKey)
		}
		u := binary.BigEndian.Uint64(b) ^ (1 << 63)
		return krow.Int(int64(u)), b[8:], nil
	case tagFloat:
		if len(b) < 8 {
			return krow.Null(), nil, fmt.Errorf("%w: short float", ErrCorruptKey)
		}
		bits := binary.BigEndian.Uint64(b)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return krow.Float(math.Float64frombits(bits)), b[8:], nil
	case tagText:
		var s []byte
		for i := 0; i < len(b); i++ {
			if b[i] != escape {
				s = append(s, b[i])
				continue
			}
			if i+1 >= len(b) {
				break
			}
			switch b[i+1] {
			case terminator:
				return krow.Text(string(s)), b[i+2:], nil
			case escapedNul:
				s = append(s, escape)
				i++
			default:
				return krow.Null(), nil, fmt.Errorf("%w: bad escape 0x%02x", ErrCorruptKey, b[i+1])
			}
		}
		return krow.Null(), nil, fmt.Errorf("%w: unterminated text", ErrCorruptKey)
	default:
		return krow.Null(), nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorruptKey, tag)
	}
}

// DecodeKey decodes n values from b and returns the remaining bytes.
// A negative n decodes until b is exhausted.
func DecodeKey(b []byte, n int) (krow.Row, []byte, error) {
	var out krow.Row
	for n < 0 && len(b) > 0 || len(out) < n {
		v, rest, err := DecodeValue(b)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, v)
		b = rest
	}
	return out, b, nil
}

// Row encodes a whole row with the key encoding.
var Row = Serde[krow.Row]{
	Serializer: func(r krow.Row) ([]byte, error) {
		return EncodeKey(r), nil
	},
	Deserializer: func(b []byte) (krow.Row, error) {
		r, _, err := DecodeKey(b, -1)
		return r, err
	},
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
