package object

import (
	"fmt"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/message"
)

/*
Version 2 Object Header Layout:
Offset  Size  Description
0       4     Signature ("OHDR")
4       1     Version (2)
5       1     Flags
          	  Bit 0-1: Size of chunk#0 size field (1 << value bytes)
          	  Bit 2: Track attribute creation order
          	  Bit 3: Index attribute creation order
          	  Bit 4: Store non-default attribute storage phase change values
          	  Bit 5: Store access, modification, change, birth times
6       var   Access time (4 bytes, if flag bit 5 set)
var     var   Modification time (4 bytes, if flag bit 5 set)
var     var   Change time (4 bytes, if flag bit 5 set)
var     var   Birth time (4 bytes, if flag bit 5 set)
var     var   Max compact attributes (2 bytes, if flag bit 4 set)
var     var   Min dense attributes (2 bytes, if flag bit 4 set)
var     1-8   Size of chunk#0 (1, 2, 4, or 8 bytes based on flag bits 0-1)
var     var   Header messages
var     4     Checksum

Each V2 Message (normal):
0       1     Message type
1       2     Size of message data
3       1     Flags
4       var   Creation order (2 bytes, if header flag bit 2 set)
var     var   Message data

Each V2 Message (extended, type byte = 0xFF):
0       1     0xFF marker
1       1     Message type
2       4     Size of message data (32-bit)
6       1     Flags
7       var   Creation order (2 bytes, if header flag bit 2 set)
var     var   Message data

Different writers disagree on padding between v2 messages; nothing here
assumes a fixed message-body alignment, only the declared sizes.
*/

func readV2(r *bufreader.Reader, address uint64) (*Header, error) {
	// Skip signature (already verified)
	r.Skip(4)

	version, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != 2 {
		return nil, fmt.Errorf("%w: expected version 2, got %d", ErrUnsupportedVersion, version)
	}

	flags, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	hdr := &Header{
		Version:            2,
		Address:            address,
		Flags:              flags,
		TrackCreationOrder: flags&0x04 != 0,
	}

	// Optional timestamps (flag bit 5)
	if flags&0x20 != 0 {
		hdr.AccessTime, _ = r.ReadUint32()
		hdr.ModTime, _ = r.ReadUint32()
		hdr.ChangeTime, _ = r.ReadUint32()
		hdr.BirthTime, _ = r.ReadUint32()
	}

	// Optional attribute phase change values (flag bit 4)
	if flags&0x10 != 0 {
		r.Skip(4) // max compact + min dense (2 + 2 bytes)
	}

	// Chunk 0 size (field width from flag bits 0-1)
	sizeFieldSize := 1 << (flags & 0x03)
	chunk0Size, err := r.ReadUintN(sizeFieldSize)
	if err != nil {
		return nil, err
	}

	// Declared chunk plus trailing checksum must fit the buffer.
	if !r.InBounds(int(chunk0Size) + 4) {
		return nil, &NeedMoreError{Total: r.Pos() - int64(address) + int64(chunk0Size) + 4}
	}

	chunkEnd := r.Pos() + int64(chunk0Size)
	msgs, conts := readV2Messages(r, chunkEnd, hdr.TrackCreationOrder)
	hdr.Messages = append(hdr.Messages, msgs...)
	hdr.Continuations = append(hdr.Continuations, conts...)

	return hdr, nil
}

func readV2Messages(r *bufreader.Reader, end int64, trackCreationOrder bool) ([]message.Message, []message.Continuation) {
	var msgs []message.Message
	var conts []message.Continuation

	for r.Pos() < end {
		msg, err := readV2Message(r, trackCreationOrder)
		if err != nil {
			break
		}
		if msg == nil {
			continue
		}
		if cont, ok := msg.(*message.Continuation); ok {
			conts = append(conts, *cont)
			continue
		}
		msgs = append(msgs, msg)
	}

	return msgs, conts
}

// readV2Continuation parses an OCHK continuation block: 4-byte signature,
// packed v2 messages, 4-byte trailing checksum.
func readV2Continuation(r *bufreader.Reader, offset, length uint64, trackCreationOrder bool) ([]message.Message, []message.Continuation, error) {
	cr := r.At(int64(offset))
	if !cr.InBounds(int(length)) {
		return nil, nil, bufreader.ErrTruncated
	}

	sig, err := cr.ReadBytes(4)
	if err != nil {
		return nil, nil, err
	}
	if string(sig) != "OCHK" {
		return nil, nil, fmt.Errorf("invalid continuation block signature: %q", sig)
	}

	chunkEnd := int64(offset) + int64(length) - 4
	msgs, conts := readV2Messages(cr, chunkEnd, trackCreationOrder)
	return msgs, conts, nil
}

func readV2Message(r *bufreader.Reader, trackCreationOrder bool) (message.Message, error) {
	firstByte, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	var msgType uint8
	var dataSize uint32

	if firstByte == 0xFF {
		// Extended format: 32-bit size
		msgType, err = r.ReadUint8()
		if err != nil {
			return nil, err
		}
		dataSize, err = r.ReadUint32()
		if err != nil {
			return nil, err
		}
	} else {
		// Normal format: 16-bit size
		msgType = firstByte
		size16, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		dataSize = uint32(size16)
	}

	flags, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	// Optional creation order
	if trackCreationOrder {
		r.Skip(2)
	}

	data, err := r.ReadBytes(int(dataSize))
	if err != nil {
		return nil, err
	}

	// Skip NIL messages
	if msgType == 0 {
		return nil, nil
	}

	return message.Parse(message.Type(msgType), data, flags, r)
}
