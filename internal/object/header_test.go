package object

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/message"
)

func newReader(buf []byte) *bufreader.Reader {
	return bufreader.New(buf, 0, bufreader.Config{OffsetSize: 8, LengthSize: 8})
}

type testMsg struct {
	typ  uint16
	data []byte
}

// v1Image builds a version 1 object header image at offset 0.
func v1Image(msgs []testMsg) []byte {
	var body []byte
	for _, m := range msgs {
		pad := (8 - len(m.data)%8) % 8
		body = binary.LittleEndian.AppendUint16(body, m.typ)
		body = binary.LittleEndian.AppendUint16(body, uint16(len(m.data)+pad))
		body = append(body, 0, 0, 0, 0) // flags + reserved
		body = append(body, m.data...)
		body = append(body, make([]byte, pad)...)
	}

	var out []byte
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(msgs)))
	out = binary.LittleEndian.AppendUint32(out, 1)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, 0, 0, 0, 0) // pad to 16
	out = append(out, body...)
	return out
}

func dataspaceScalarBytes() []byte {
	return []byte{2, 0, 0, 0}
}

func TestReadV1Header(t *testing.T) {
	img := v1Image([]testMsg{{typ: 0x0001, data: dataspaceScalarBytes()}})

	hdr, err := Read(newReader(img), 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if hdr.Version != 1 {
		t.Errorf("version = %d", hdr.Version)
	}
	if hdr.Dataspace() == nil {
		t.Error("expected a dataspace message")
	}
}

func TestReadV1HeaderZeroMessages(t *testing.T) {
	hdr, err := Read(newReader(v1Image(nil)), 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(hdr.Messages) != 0 || len(hdr.Continuations) != 0 {
		t.Errorf("expected an empty header, got %+v", hdr)
	}
}

func TestReadV1HeaderCollectsContinuations(t *testing.T) {
	contData := binary.LittleEndian.AppendUint64(nil, 0x5000)
	contData = binary.LittleEndian.AppendUint64(contData, 128)

	hdr, err := Read(newReader(v1Image([]testMsg{{typ: 0x0010, data: contData}})), 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(hdr.Continuations) != 1 {
		t.Fatalf("expected 1 continuation, got %d", len(hdr.Continuations))
	}
	if hdr.Continuations[0].Offset != 0x5000 || hdr.Continuations[0].Length != 128 {
		t.Errorf("continuation = %+v", hdr.Continuations[0])
	}
	if len(hdr.Messages) != 0 {
		t.Errorf("continuation message leaked into Messages: %+v", hdr.Messages)
	}
}

func TestReadV1HeaderNeedMore(t *testing.T) {
	img := v1Image([]testMsg{{typ: 0x0001, data: dataspaceScalarBytes()}})

	// Hand Read a buffer that ends before the declared header size.
	_, err := Read(newReader(img[:18]), 0)
	var nm *NeedMoreError
	if !errors.As(err, &nm) {
		t.Fatalf("expected NeedMoreError, got %v", err)
	}
	if nm.Total != int64(len(img)) {
		t.Errorf("NeedMore total = %d, want %d", nm.Total, len(img))
	}
}

func TestReadV1Continuation(t *testing.T) {
	// A continuation block holding one dataspace message.
	data := dataspaceScalarBytes()
	pad := (8 - len(data)%8) % 8
	var block []byte
	block = binary.LittleEndian.AppendUint16(block, 0x0001)
	block = binary.LittleEndian.AppendUint16(block, uint16(len(data)+pad))
	block = append(block, 0, 0, 0, 0)
	block = append(block, data...)
	block = append(block, make([]byte, pad)...)

	// Place it at offset 64 in a larger buffer.
	buf := make([]byte, 64+len(block))
	copy(buf[64:], block)

	msgs, conts, err := ReadContinuation(newReader(buf), 64, uint64(len(block)), 1, false)
	if err != nil {
		t.Fatalf("ReadContinuation failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type() != message.TypeDataspace {
		t.Errorf("messages = %+v", msgs)
	}
	if len(conts) != 0 {
		t.Errorf("unexpected nested continuations: %+v", conts)
	}
}

// v2Image builds a version 2 object header with a configurable chunk-0
// size field width.
func v2Image(t *testing.T, sizeWidth int, msgs []testMsg) []byte {
	t.Helper()

	var body []byte
	for _, m := range msgs {
		body = append(body, uint8(m.typ))
		body = binary.LittleEndian.AppendUint16(body, uint16(len(m.data)))
		body = append(body, 0) // flags
		body = append(body, m.data...)
	}

	var flags uint8
	switch sizeWidth {
	case 1:
		flags = 0
	case 2:
		flags = 1
	case 4:
		flags = 2
	case 8:
		flags = 3
	default:
		t.Fatalf("bad size width %d", sizeWidth)
	}

	out := []byte("OHDR")
	out = append(out, 2, flags)
	switch sizeWidth {
	case 1:
		out = append(out, uint8(len(body)))
	case 2:
		out = binary.LittleEndian.AppendUint16(out, uint16(len(body)))
	case 4:
		out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	case 8:
		out = binary.LittleEndian.AppendUint64(out, uint64(len(body)))
	}
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, 0) // checksum, unverified
	return out
}

func TestReadV2HeaderAllChunkSizeWidths(t *testing.T) {
	for _, width := range []int{1, 2, 4, 8} {
		img := v2Image(t, width, []testMsg{{typ: 0x0001, data: dataspaceScalarBytes()}})

		hdr, err := Read(newReader(img), 0)
		if err != nil {
			t.Fatalf("width %d: Read failed: %v", width, err)
		}
		if hdr.Version != 2 {
			t.Errorf("width %d: version = %d", width, hdr.Version)
		}
		if hdr.Dataspace() == nil {
			t.Errorf("width %d: missing dataspace", width)
		}
	}
}

func TestReadV2HeaderCollectsContinuations(t *testing.T) {
	contData := binary.LittleEndian.AppendUint64(nil, 0x8000)
	contData = binary.LittleEndian.AppendUint64(contData, 256)

	hdr, err := Read(newReader(v2Image(t, 2, []testMsg{{typ: 0x0010, data: contData}})), 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(hdr.Continuations) != 1 || hdr.Continuations[0].Offset != 0x8000 {
		t.Errorf("continuations = %+v", hdr.Continuations)
	}
}

func TestReadV2ContinuationOCHK(t *testing.T) {
	data := dataspaceScalarBytes()
	var inner []byte
	inner = append(inner, 0x01)
	inner = binary.LittleEndian.AppendUint16(inner, uint16(len(data)))
	inner = append(inner, 0)
	inner = append(inner, data...)

	block := []byte("OCHK")
	block = append(block, inner...)
	block = binary.LittleEndian.AppendUint32(block, 0) // checksum

	buf := make([]byte, 32+len(block))
	copy(buf[32:], block)

	msgs, _, err := ReadContinuation(newReader(buf), 32, uint64(len(block)), 2, false)
	if err != nil {
		t.Fatalf("ReadContinuation failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type() != message.TypeDataspace {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestReadUnknownHeaderFormat(t *testing.T) {
	buf := make([]byte, 64)
	buf[0] = 99
	if _, err := Read(newReader(buf), 0); err == nil {
		t.Error("expected an error for an unknown header format")
	}
}

func TestHeaderGetMessage(t *testing.T) {
	h := &Header{
		Version: 2,
		Messages: []message.Message{
			&message.Dataspace{Rank: 2, Dimensions: []uint64{10, 20}},
			&message.Datatype{Class: message.ClassFixedPoint, Size: 4},
		},
	}

	if h.Dataspace() == nil || h.Datatype() == nil {
		t.Error("typed accessors failed")
	}
	if !h.IsDataset() {
		t.Error("header with dataspace+datatype should be a dataset")
	}
	if h.FilterPipeline() != nil {
		t.Error("expected nil for a missing filter pipeline")
	}
}

func TestHeaderGetMessages(t *testing.T) {
	h := &Header{
		Version: 2,
		Messages: []message.Message{
			&message.Attribute{Name: "attr1"},
			&message.Attribute{Name: "attr2"},
			&message.Dataspace{Rank: 1},
		},
	}

	if got := len(h.GetMessages(message.TypeAttribute)); got != 2 {
		t.Errorf("expected 2 attributes, got %d", got)
	}
}
