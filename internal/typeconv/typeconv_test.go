package typeconv

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cloudhdf5/reader/internal/message"
)

func fixedDatatype(size uint32, signed bool) *message.Datatype {
	return &message.Datatype{Class: message.ClassFixedPoint, Size: size, Signed: signed}
}

func floatDatatype(size uint32) *message.Datatype {
	return &message.Datatype{Class: message.ClassFloatPoint, Size: size}
}

func TestClassifyFixedPoint(t *testing.T) {
	tests := []struct {
		size   uint32
		signed bool
		want   DType
	}{
		{1, true, Int8}, {1, false, Uint8},
		{2, true, Int16}, {2, false, Uint16},
		{4, true, Int32}, {4, false, Uint32},
		{8, true, Int64}, {8, false, Uint64},
	}
	for _, tt := range tests {
		got, _ := Classify(fixedDatatype(tt.size, tt.signed))
		if got != tt.want {
			t.Errorf("Classify(size=%d signed=%v) = %v, want %v", tt.size, tt.signed, got, tt.want)
		}
	}
}

func TestClassifyCompoundSizeKeyed(t *testing.T) {
	dt8 := &message.Datatype{Class: message.ClassCompound, Size: 8, Members: make([]message.CompoundMember, 2)}
	if got, _ := Classify(dt8); got != CFloat32 {
		t.Errorf("8-byte compound classified as %v, want CFloat32", got)
	}

	dt16 := &message.Datatype{Class: message.ClassCompound, Size: 16, Members: make([]message.CompoundMember, 2)}
	if got, _ := Classify(dt16); got != CFloat64 {
		t.Errorf("16-byte compound classified as %v, want CFloat64", got)
	}

	dt12 := &message.Datatype{Class: message.ClassCompound, Size: 12, Members: make([]message.CompoundMember, 3)}
	got, n := Classify(dt12)
	if got != CompoundN || n != 3 {
		t.Errorf("12-byte compound classified as (%v, %d), want (CompoundN, 3)", got, n)
	}
}

func TestDecodeFloat32Int32(t *testing.T) {
	dt := fixedDatatype(4, true)
	raw := make([]byte, 8)
	negFive := int32(-5)
	binary.LittleEndian.PutUint32(raw[0:], uint32(negFive))
	binary.LittleEndian.PutUint32(raw[4:], 42)

	got, err := DecodeFloat32(dt, raw)
	if err != nil {
		t.Fatalf("DecodeFloat32: %v", err)
	}
	want := []float32{-5, 42}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeFloat32Float32Passthrough(t *testing.T) {
	dt := floatDatatype(4)
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(3.5))

	got, err := DecodeFloat32(dt, raw)
	if err != nil {
		t.Fatalf("DecodeFloat32: %v", err)
	}
	if got[0] != 3.5 {
		t.Errorf("got %v, want 3.5", got[0])
	}
}

func TestDecodeFloat32ComplexInterleaved(t *testing.T) {
	dt := &message.Datatype{Class: message.ClassCompound, Size: 8}
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(1.0))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-2.0))

	got, err := DecodeFloat32(dt, raw)
	if err != nil {
		t.Fatalf("DecodeFloat32: %v", err)
	}
	if len(got) != 2 || got[0] != 1.0 || got[1] != -2.0 {
		t.Fatalf("got %v, want [1 -2]", got)
	}
}

func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		name string
		bits uint16
		want float32
	}{
		{"zero", 0x0000, 0},
		{"negative zero", 0x8000, float32(math.Copysign(0, -1))},
		{"one", 0x3C00, 1.0},
		{"negative two", 0xC000, -2.0},
		{"infinity", 0x7C00, float32(math.Inf(1))},
		{"negative infinity", 0xFC00, float32(math.Inf(-1))},
		{"smallest subnormal", 0x0001, float32(5.9604645e-08)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := float16ToFloat32(tt.bits)
			if math.IsInf(float64(tt.want), 0) {
				if got != tt.want {
					t.Errorf("got %v, want %v", got, tt.want)
				}
				return
			}
			if math.Abs(float64(got-tt.want)) > 1e-10 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFloat16NaN(t *testing.T) {
	got := float16ToFloat32(0x7E00)
	if !math.IsNaN(float64(got)) {
		t.Errorf("got %v, want NaN", got)
	}
}

func TestDecodeFloat32TruncatedLength(t *testing.T) {
	dt := fixedDatatype(4, false)
	_, err := DecodeFloat32(dt, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for length not a multiple of element size")
	}
}
