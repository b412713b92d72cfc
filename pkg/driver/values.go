package driver

import (
	"encoding/binary"
	"math"

	"github.com/opengrid/comsrv/pkg/codec"
)

// DecodeValue decodes the raw wire value of def from data, where data
// holds the registers starting at def.Register. Bit-packed fields go
// through signal extraction; register fields through byte-order
// decoding. Short data yields zero, matching the codec's permissive
// contract.
func DecodeValue(def PointDef, data []byte) float64 {
	if def.Signal.BitLength > 0 {
		return codec.ExtractSignal(data, def.Signal)
	}

	width := int(def.DataType.RegisterWidth()) * 2
	if len(data) < width {
		return 0
	}

	switch def.DataType {
	case TypeBool:
		if binary.BigEndian.Uint16(codec.Reorder(data[:2], def.ByteOrder)) != 0 {
			return 1
		}
		return 0
	case TypeU16:
		return float64(binary.BigEndian.Uint16(codec.Reorder(data[:2], def.ByteOrder)))
	case TypeS16:
		return float64(int16(binary.BigEndian.Uint16(codec.Reorder(data[:2], def.ByteOrder))))
	case TypeU32:
		return float64(codec.BytesToUint32(data, def.ByteOrder))
	case TypeS32:
		return float64(codec.BytesToInt32(data, def.ByteOrder))
	case TypeU64:
		return float64(codec.BytesToUint64(data, def.ByteOrder))
	case TypeS64:
		return float64(codec.BytesToInt64(data, def.ByteOrder))
	case TypeF32:
		return float64(codec.BytesToFloat32(data, def.ByteOrder))
	case TypeF64:
		return codec.BytesToFloat64(data, def.ByteOrder)
	default:
		return 0
	}
}

// EncodeValue encodes a raw wire value into register bytes for def,
// inverting the byte-order transform on the way out.
func EncodeValue(def PointDef, value float64) []byte {
	width := int(def.DataType.RegisterWidth()) * 2
	buf := make([]byte, width)

	switch def.DataType {
	case TypeBool:
		if value != 0 {
			binary.BigEndian.PutUint16(buf, 1)
		}
	case TypeU16, TypeS16:
		binary.BigEndian.PutUint16(buf, uint16(int64(value)))
	case TypeU32, TypeS32:
		binary.BigEndian.PutUint32(buf, uint32(int64(value)))
	case TypeU64, TypeS64:
		binary.BigEndian.PutUint64(buf, uint64(int64(value)))
	case TypeF32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(value)))
	case TypeF64:
		binary.BigEndian.PutUint64(buf, math.Float64bits(value))
	}

	// Reorder is its own inverse for all four patterns.
	return codec.Reorder(buf, def.ByteOrder)
}
