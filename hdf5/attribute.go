package hdf5

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/cloudhdf5/reader/internal/message"
	"github.com/cloudhdf5/reader/internal/typeconv"
)

// decodeAttributeValue turns an attribute's raw payload into a friendly Go
// value: a numeric scalar, a numeric slice, or a null-trimmed string.
// Classes other than fixed-point, float and string are returned as the raw
// byte payload so callers can still inspect them; a fixed-point or float
// payload that cannot be decoded returns an error.
func decodeAttributeValue(attr *message.Attribute) (interface{}, error) {
	dt := attr.Datatype
	if dt == nil {
		return nil, fmt.Errorf("attribute %q has no datatype", attr.Name)
	}

	if dt.Class == message.ClassString {
		return strings.TrimRight(strings.SplitN(string(attr.Data), "\x00", 2)[0], "\x00"), nil
	}

	scalar := attr.Dataspace == nil || attr.Dataspace.IsScalar() || attr.Dataspace.NumElements() == 1

	switch dt.Class {
	case message.ClassFixedPoint:
		vals, err := decodeIntValues(dt, attr.Data)
		if err != nil {
			return nil, err
		}
		if scalar && len(vals) == 1 {
			return vals[0], nil
		}
		return vals, nil

	case message.ClassFloatPoint:
		vals, err := decodeFloatValues(dt, attr.Data)
		if err != nil {
			return nil, err
		}
		if scalar && len(vals) == 1 {
			return vals[0], nil
		}
		return vals, nil

	default:
		// Compound, opaque, and friends: hand back the payload.
		return append([]byte(nil), attr.Data...), nil
	}
}

func attrByteOrder(dt *message.Datatype) binary.ByteOrder {
	if dt.ByteOrder == message.OrderBE {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func decodeIntValues(dt *message.Datatype, data []byte) ([]int64, error) {
	size := int(dt.Size)
	if size == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("integer attribute payload length %d not a multiple of element size %d", len(data), size)
	}
	order := attrByteOrder(dt)
	n := len(data) / size
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		chunk := data[i*size : (i+1)*size]
		switch size {
		case 1:
			if dt.Signed {
				out[i] = int64(int8(chunk[0]))
			} else {
				out[i] = int64(chunk[0])
			}
		case 2:
			if dt.Signed {
				out[i] = int64(int16(order.Uint16(chunk)))
			} else {
				out[i] = int64(order.Uint16(chunk))
			}
		case 4:
			if dt.Signed {
				out[i] = int64(int32(order.Uint32(chunk)))
			} else {
				out[i] = int64(order.Uint32(chunk))
			}
		case 8:
			out[i] = int64(order.Uint64(chunk))
		default:
			return nil, fmt.Errorf("unsupported integer attribute width %d", size)
		}
	}
	return out, nil
}

func decodeFloatValues(dt *message.Datatype, data []byte) ([]float64, error) {
	size := int(dt.Size)
	if size == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("float attribute payload length %d not a multiple of element size %d", len(data), size)
	}
	order := attrByteOrder(dt)
	n := len(data) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		chunk := data[i*size : (i+1)*size]
		switch size {
		case 2:
			// Route half-precision through the chunk decoder's float16
			// handling rather than duplicating the bit math here.
			vals, err := typeconv.DecodeFloat32(dt, chunk)
			if err != nil {
				return nil, err
			}
			out[i] = float64(vals[0])
		case 4:
			out[i] = float64(math.Float32frombits(order.Uint32(chunk)))
		case 8:
			out[i] = math.Float64frombits(order.Uint64(chunk))
		default:
			return nil, fmt.Errorf("unsupported float attribute width %d", size)
		}
	}
	return out, nil
}
