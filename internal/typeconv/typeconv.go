// Package typeconv decodes filtered chunk bytes into the reader's one
// canonical output shape: a flat []float32 buffer, with complex types
// contributing two interleaved floats (real, imag) per element.
//
// This is deliberately narrower than a general-purpose HDF5-to-Go
// converter: the public interface never hands back arbitrary Go types, so
// there is no need for the reflect/unsafe machinery a generic reader
// would want. Every decode is a fixed per-class byte computation.
package typeconv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cloudhdf5/reader/internal/errs"
	"github.com/cloudhdf5/reader/internal/message"
)

// DType is the reader's closed dtype enumeration.
type DType int

const (
	Unknown DType = iota
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	CFloat32
	CFloat64
	String
	CompoundN
)

// String renders the dtype the way datasets report it publicly, e.g.
// "int32", "cfloat64", "compoundN".
func (d DType) String() string {
	switch d {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case CFloat32:
		return "cfloat32"
	case CFloat64:
		return "cfloat64"
	case String:
		return "string"
	case CompoundN:
		return "compoundN"
	default:
		return "unknown"
	}
}

// IsComplex reports whether every element of d decodes to a real/imag pair.
func (d DType) IsComplex() bool { return d == CFloat32 || d == CFloat64 }

// Classify maps a parsed Datatype message to the reader's closed dtype
// enumeration. Compound detection keys on size alone: an 8-byte compound
// is reported as cfloat32, a 16-byte compound as cfloat64, anything else
// as compoundN with memberCount set to len(Members).
func Classify(dt *message.Datatype) (dtype DType, memberCount int) {
	if dt == nil {
		return Unknown, 0
	}
	switch dt.Class {
	case message.ClassFixedPoint:
		return classifyFixed(dt), 0
	case message.ClassFloatPoint:
		return classifyFloat(dt), 0
	case message.ClassString:
		return String, 0
	case message.ClassCompound:
		switch dt.Size {
		case 8:
			return CFloat32, len(dt.Members)
		case 16:
			return CFloat64, len(dt.Members)
		default:
			return CompoundN, len(dt.Members)
		}
	default:
		return Unknown, 0
	}
}

func classifyFixed(dt *message.Datatype) DType {
	switch dt.Size {
	case 1:
		if dt.Signed {
			return Int8
		}
		return Uint8
	case 2:
		if dt.Signed {
			return Int16
		}
		return Uint16
	case 4:
		if dt.Signed {
			return Int32
		}
		return Uint32
	case 8:
		if dt.Signed {
			return Int64
		}
		return Uint64
	default:
		return Unknown
	}
}

func classifyFloat(dt *message.Datatype) DType {
	switch dt.Size {
	case 2:
		return Float16
	case 4:
		return Float32
	case 8:
		return Float64
	default:
		return Unknown
	}
}

// ElementSize returns the on-disk byte width of one element of dt,
// matching message.Datatype.Size (spec invariant: bytesPerElement equals
// the size stated by the Datatype message).
func ElementSize(dt *message.Datatype) int { return int(dt.Size) }

// DecodeFloat32 reinterprets raw (already filter-decoded) chunk bytes
// through dt to the canonical float32 buffer. For complex dtypes the
// returned slice has two entries (real, imag) per source element.
func DecodeFloat32(dt *message.Datatype, raw []byte) ([]float32, error) {
	size := ElementSize(dt)
	if size <= 0 {
		return nil, errs.New(errs.KindUnsupported, "zero-size datatype")
	}
	if len(raw)%size != 0 {
		return nil, errs.New(errs.KindTruncated, fmt.Sprintf("chunk data length %d not a multiple of element size %d", len(raw), size))
	}
	n := len(raw) / size
	order := byteOrder(dt)

	kind, _ := Classify(dt)
	switch kind {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64:
		return decodeInt(kind, raw, n, order)
	case Float16:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float16ToFloat32(order.Uint16(raw[i*2:]))
		}
		return out, nil
	case Float32:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(order.Uint32(raw[i*4:]))
		}
		return out, nil
	case Float64:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(order.Uint64(raw[i*8:])))
		}
		return out, nil
	case CFloat32:
		out := make([]float32, n*2)
		for i := 0; i < n; i++ {
			out[2*i] = math.Float32frombits(order.Uint32(raw[i*8:]))
			out[2*i+1] = math.Float32frombits(order.Uint32(raw[i*8+4:]))
		}
		return out, nil
	case CFloat64:
		out := make([]float32, n*2)
		for i := 0; i < n; i++ {
			out[2*i] = float32(math.Float64frombits(order.Uint64(raw[i*16:])))
			out[2*i+1] = float32(math.Float64frombits(order.Uint64(raw[i*16+8:])))
		}
		return out, nil
	default:
		return nil, errs.New(errs.KindUnsupported, fmt.Sprintf("datatype class %d unsupported for numeric decode", dt.Class))
	}
}

func decodeInt(kind DType, raw []byte, n int, order binary.ByteOrder) ([]float32, error) {
	out := make([]float32, n)
	switch kind {
	case Int8:
		for i := 0; i < n; i++ {
			out[i] = float32(int8(raw[i]))
		}
	case Uint8:
		for i := 0; i < n; i++ {
			out[i] = float32(raw[i])
		}
	case Int16:
		for i := 0; i < n; i++ {
			out[i] = float32(int16(order.Uint16(raw[i*2:])))
		}
	case Uint16:
		for i := 0; i < n; i++ {
			out[i] = float32(order.Uint16(raw[i*2:]))
		}
	case Int32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(order.Uint32(raw[i*4:])))
		}
	case Uint32:
		for i := 0; i < n; i++ {
			out[i] = float32(order.Uint32(raw[i*4:]))
		}
	case Int64:
		for i := 0; i < n; i++ {
			out[i] = float32(int64(order.Uint64(raw[i*8:])))
		}
	case Uint64:
		for i := 0; i < n; i++ {
			out[i] = float32(order.Uint64(raw[i*8:]))
		}
	}
	return out, nil
}

func byteOrder(dt *message.Datatype) binary.ByteOrder {
	if dt.ByteOrder == message.OrderBE {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// float16ToFloat32 decodes an IEEE 754 half-precision value, including
// subnormals, infinities, and NaN.
func float16ToFloat32(bits uint16) float32 {
	sign := uint32(bits&0x8000) << 16
	exp := (bits >> 10) & 0x1F
	mant := uint32(bits & 0x3FF)

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: normalize by shifting the mantissa into place.
		e := int32(0)
		m := mant
		for m&0x400 == 0 {
			m <<= 1
			e--
		}
		m &= 0x3FF
		exp32 := uint32(int32(127-15+1) + e)
		return math.Float32frombits(sign | (exp32 << 23) | (m << 13))
	case exp == 0x1F:
		// Infinity or NaN.
		return math.Float32frombits(sign | 0xFF<<23 | (mant << 13))
	default:
		exp32 := uint32(int32(exp) - 15 + 127)
		return math.Float32frombits(sign | (exp32 << 23) | (mant << 13))
	}
}
