package heap

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/cloudhdf5/reader/internal/bufreader"
)

type memProvider []byte

func (m memProvider) Reader(_ context.Context, offset uint64, _ int) (*bufreader.Reader, error) {
	return bufreader.New(m, 0, bufreader.Config{OffsetSize: 8, LengthSize: 8}).At(int64(offset)), nil
}

func TestLocalHeapGetString(t *testing.T) {
	h := NewLocalHeap([]byte("hello\x00world\x00test\x00\x00\x00"))

	tests := []struct {
		name   string
		offset uint64
		want   string
	}{
		{"first string", 0, "hello"},
		{"second string", 6, "world"},
		{"third string", 12, "test"},
		{"empty at end", 17, ""},
		{"out of bounds", 100, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.GetString(tt.offset); got != tt.want {
				t.Errorf("GetString(%d) = %q, want %q", tt.offset, got, tt.want)
			}
		})
	}
}

func TestLocalHeapGetStringEmpty(t *testing.T) {
	h := NewLocalHeap(nil)
	if got := h.GetString(0); got != "" {
		t.Errorf("expected empty string for empty heap, got %q", got)
	}
}

func TestLocalHeapGetStringNoNullTerminator(t *testing.T) {
	h := NewLocalHeap([]byte("noterm"))
	if got := h.GetString(0); got != "noterm" {
		t.Errorf("expected 'noterm', got %q", got)
	}
}

// buildHeapImage writes a HEAP header at headerOff and its data segment
// at dataOff inside one image.
func buildHeapImage(headerOff, dataOff uint64, data []byte) memProvider {
	img := make([]byte, dataOff+uint64(len(data)))

	var h []byte
	h = append(h, "HEAP"...)
	h = append(h, 0, 0, 0, 0)
	h = binary.LittleEndian.AppendUint64(h, uint64(len(data)))
	h = binary.LittleEndian.AppendUint64(h, uint64(len(data)))
	h = binary.LittleEndian.AppendUint64(h, dataOff)
	copy(img[headerOff:], h)
	copy(img[dataOff:], data)
	return memProvider(img)
}

func TestReadLocalHeap(t *testing.T) {
	data := []byte("\x00first\x00second\x00")
	p := buildHeapImage(0, 64, data)

	h, err := ReadLocalHeap(context.Background(), p, 0)
	if err != nil {
		t.Fatalf("ReadLocalHeap failed: %v", err)
	}
	if h.DataSize != uint64(len(data)) || h.DataAddress != 64 {
		t.Errorf("header = %+v", h)
	}
	if got := h.GetString(1); got != "first" {
		t.Errorf("GetString(1) = %q", got)
	}
	if got := h.GetString(7); got != "second" {
		t.Errorf("GetString(7) = %q", got)
	}
}

func TestReadLocalHeapInvalidSignature(t *testing.T) {
	img := make(memProvider, 128)
	copy(img, "XXXX")

	if _, err := ReadLocalHeap(context.Background(), img, 0); err == nil {
		t.Error("expected error for invalid signature")
	}
}

func TestReadLocalHeapUnsupportedVersion(t *testing.T) {
	img := make(memProvider, 128)
	copy(img, "HEAP")
	img[4] = 5

	if _, err := ReadLocalHeap(context.Background(), img, 0); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestReadLocalHeapOversizedSegment(t *testing.T) {
	var h []byte
	h = append(h, "HEAP"...)
	h = append(h, 0, 0, 0, 0)
	h = binary.LittleEndian.AppendUint64(h, 1<<40) // absurd data size
	h = binary.LittleEndian.AppendUint64(h, 0)
	h = binary.LittleEndian.AppendUint64(h, 64)
	img := make(memProvider, 128)
	copy(img, h)

	if _, err := ReadLocalHeap(context.Background(), img, 0); err == nil {
		t.Error("expected error for an oversized data segment")
	}
}
