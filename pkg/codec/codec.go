// Package codec provides protocol-agnostic binary value transforms:
// byte-order reordering, fixed-width decoding, bit-field extraction and
// scale/offset application. All functions are pure and never return an
// error; malformed inputs degrade to zero so a single bad field cannot
// abort a poll cycle.
package codec

import (
	"encoding/binary"
	"math"
)

// ByteOrder names the byte arrangement of a multi-register field using
// the ABCD convention: A is the most significant byte on the wire.
type ByteOrder uint8

const (
	// OrderABCD is big-endian (no reordering).
	OrderABCD ByteOrder = iota
	// OrderDCBA is little-endian (full byte reversal).
	OrderDCBA
	// OrderBADC swaps the bytes within each 16-bit word.
	OrderBADC
	// OrderCDAB swaps the 16-bit word order.
	OrderCDAB
)

func (o ByteOrder) String() string {
	switch o {
	case OrderABCD:
		return "ABCD"
	case OrderDCBA:
		return "DCBA"
	case OrderBADC:
		return "BADC"
	case OrderCDAB:
		return "CDAB"
	default:
		return "unknown"
	}
}

// ParseByteOrder maps a configuration tag to a ByteOrder. Unrecognized
// tags default to ABCD.
func ParseByteOrder(s string) ByteOrder {
	switch s {
	case "DCBA", "dcba":
		return OrderDCBA
	case "BADC", "badc":
		return OrderBADC
	case "CDAB", "cdab":
		return OrderCDAB
	default:
		return OrderABCD
	}
}

// Reorder returns a copy of data rearranged into big-endian byte order
// according to the named pattern. Two-byte inputs honor only the
// endianness of the pattern (DCBA and BADC swap, the rest do not).
// Longer even lengths generalize by 16-bit words: DCBA reverses all
// bytes, CDAB reverses the word order, BADC swaps within each word.
// Unsupported lengths are returned unchanged.
func Reorder(data []byte, order ByteOrder) []byte {
	out := make([]byte, len(data))
	copy(out, data)

	if len(data) == 2 {
		if order == OrderDCBA || order == OrderBADC {
			out[0], out[1] = out[1], out[0]
		}
		return out
	}
	if len(data) < 4 || len(data)%2 != 0 {
		return out
	}

	switch order {
	case OrderDCBA:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case OrderBADC:
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	case OrderCDAB:
		words := len(out) / 2
		for w := 0; w < words/2; w++ {
			x, y := 2*w, len(out)-2*(w+1)
			out[x], out[y] = out[y], out[x]
			out[x+1], out[y+1] = out[y+1], out[x+1]
		}
	}
	return out
}

// BytesToUint32 reorders data and decodes the first four bytes as an
// unsigned 32-bit integer. Short input yields zero.
func BytesToUint32(data []byte, order ByteOrder) uint32 {
	if len(data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(Reorder(data[:4], order))
}

// BytesToInt32 reorders data and decodes a signed 32-bit integer.
func BytesToInt32(data []byte, order ByteOrder) int32 {
	return int32(BytesToUint32(data, order))
}

// BytesToUint64 reorders data and decodes the first eight bytes as an
// unsigned 64-bit integer. Short input yields zero.
func BytesToUint64(data []byte, order ByteOrder) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(Reorder(data[:8], order))
}

// BytesToInt64 reorders data and decodes a signed 64-bit integer.
func BytesToInt64(data []byte, order ByteOrder) int64 {
	return int64(BytesToUint64(data, order))
}

// BytesToFloat32 reorders data and decodes an IEEE-754 single.
func BytesToFloat32(data []byte, order ByteOrder) float32 {
	return math.Float32frombits(BytesToUint32(data, order))
}

// BytesToFloat64 reorders data and decodes an IEEE-754 double.
func BytesToFloat64(data []byte, order ByteOrder) float64 {
	return math.Float64frombits(BytesToUint64(data, order))
}

// ExtractBits extracts a bit-aligned unsigned field from data using
// DBC/Intel numbering: bit 0 is the least significant bit of byte 0,
// bit 8 the least significant bit of byte 1, and so on. A start byte
// beyond the data, a zero length or a length over 64 all yield zero.
func ExtractBits(data []byte, startBit, bitLength uint32) uint64 {
	if bitLength == 0 || bitLength > 64 {
		return 0
	}
	base := int(startBit / 8)
	if base >= len(data) {
		return 0
	}

	var val uint64
	for i := 0; i < 8 && base+i < len(data); i++ {
		val |= uint64(data[base+i]) << (8 * uint(i))
	}
	off := startBit % 8
	val >>= off
	// An unaligned field can spill into a ninth byte; fold its low
	// bits into the vacated top of the window.
	if off > 0 && base+8 < len(data) {
		val |= uint64(data[base+8]) << (64 - off)
	}

	if bitLength < 64 {
		val &= (uint64(1) << bitLength) - 1
	}
	return val
}

// InsertBits writes the low bitLength bits of value into data, using
// the same bit numbering as ExtractBits. Fields that do not fit inside
// data are left unwritten.
func InsertBits(data []byte, startBit, bitLength uint32, value uint64) {
	if bitLength == 0 || bitLength > 64 {
		return
	}
	if (int(startBit)+int(bitLength)+7)/8 > len(data) {
		return
	}
	if startBit%8+bitLength > 64 {
		return
	}

	mask := ^uint64(0)
	if bitLength < 64 {
		mask = (uint64(1) << bitLength) - 1
	}
	value &= mask

	base := startBit / 8
	shift := startBit % 8
	value <<= shift
	mask <<= shift
	for i := uint32(0); i < 8 && int(base+i) < len(data); i++ {
		b := &data[base+i]
		*b = (*b &^ byte(mask>>(8*i))) | byte(value>>(8*i))
	}
}

// SignExtend interprets value as a two's-complement integer of the
// given bit width and returns it widened to int64. Widths outside
// 1..63 return the value reinterpreted unchanged.
func SignExtend(value uint64, bitLength uint32) int64 {
	if bitLength == 0 || bitLength >= 64 {
		return int64(value)
	}
	if value&(uint64(1)<<(bitLength-1)) != 0 {
		value |= ^uint64(0) << bitLength
	}
	return int64(value)
}

// SignalType is the wire representation of a decoded signal field.
type SignalType uint8

const (
	SignalBool SignalType = iota
	SignalInt
	SignalInt64
	SignalFloat32
	SignalFloat64
	SignalString
	SignalBytes
)

// Signal describes one extractable field inside a raw frame.
type Signal struct {
	StartBit  uint32
	BitLength uint32
	ByteOrder ByteOrder
	Type      SignalType
	Signed    bool
	Scale     float64
	Offset    float64
}

// ExtractSignal decodes one field from a raw frame and applies
// raw*scale+offset. Boolean and sub-32-bit integer fields use bit
// extraction with optional sign extension; 32- and 64-bit byte-aligned
// fields use byte-order decoding. String and bytes signals, and fields
// that fall outside the frame, yield zero.
func ExtractSignal(data []byte, sig Signal) float64 {
	scale := sig.Scale
	if scale == 0 {
		scale = 1
	}

	var raw float64
	switch sig.Type {
	case SignalBool:
		raw = float64(ExtractBits(data, sig.StartBit, 1))

	case SignalInt:
		if sig.BitLength >= 32 && sig.StartBit%8 == 0 {
			start := int(sig.StartBit / 8)
			if start+4 > len(data) {
				return 0
			}
			if sig.Signed {
				raw = float64(BytesToInt32(data[start:], sig.ByteOrder))
			} else {
				raw = float64(BytesToUint32(data[start:], sig.ByteOrder))
			}
			break
		}
		bits := ExtractBits(data, sig.StartBit, sig.BitLength)
		if sig.Signed {
			raw = float64(SignExtend(bits, sig.BitLength))
		} else {
			raw = float64(bits)
		}

	case SignalInt64:
		start := int(sig.StartBit / 8)
		if sig.StartBit%8 != 0 || start+8 > len(data) {
			return 0
		}
		if sig.Signed {
			raw = float64(BytesToInt64(data[start:], sig.ByteOrder))
		} else {
			raw = float64(BytesToUint64(data[start:], sig.ByteOrder))
		}

	case SignalFloat32:
		start := int(sig.StartBit / 8)
		if sig.StartBit%8 != 0 || start+4 > len(data) {
			return 0
		}
		raw = float64(BytesToFloat32(data[start:], sig.ByteOrder))

	case SignalFloat64:
		start := int(sig.StartBit / 8)
		if sig.StartBit%8 != 0 || start+8 > len(data) {
			return 0
		}
		raw = BytesToFloat64(data[start:], sig.ByteOrder)

	default:
		// String and bytes payloads carry no numeric value.
		return 0
	}

	return raw*scale + sig.Offset
}
