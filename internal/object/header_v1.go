package object

import (
	"fmt"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/message"
)

/*
Version 1 Object Header Layout:
Offset  Size  Description
0       1     Version (1)
1       1     Reserved
2       2     Number of header messages
4       4     Object reference count
8       4     Object header size (bytes of messages)
12      var   Header messages (8-byte aligned)

Each V1 Message:
0       2     Message type
2       2     Size of message data
4       1     Flags
5       3     Reserved
8       var   Message data
        pad   Padding to 8-byte boundary
*/

func readV1(r *bufreader.Reader, address uint64) (*Header, error) {
	version, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, fmt.Errorf("%w: expected version 1, got %d", ErrUnsupportedVersion, version)
	}

	r.Skip(1) // Reserved

	numMessages, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}

	refCount, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	headerSize, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	hdr := &Header{
		Version:  1,
		Address:  address,
		RefCount: refCount,
		Messages: make([]message.Message, 0, numMessages),
	}

	// Messages begin on an 8-byte boundary after the 12-byte prefix.
	r.Align(8)

	// The declared header size must fit inside the fetched buffer; if it
	// doesn't, report exactly how much a refetch needs.
	if !r.InBounds(int(headerSize)) {
		return nil, &NeedMoreError{Total: r.Pos() - int64(address) + int64(headerSize)}
	}

	messagesEnd := r.Pos() + int64(headerSize)
	msgs, conts := readV1Messages(r, messagesEnd)
	hdr.Messages = append(hdr.Messages, msgs...)
	hdr.Continuations = append(hdr.Continuations, conts...)

	return hdr, nil
}

// readV1Messages decodes packed v1 messages until end. A message that fails
// to decode is skipped; truncation of the packing itself ends the loop, as
// the caller has already verified the declared extent is buffered.
func readV1Messages(r *bufreader.Reader, end int64) ([]message.Message, []message.Continuation) {
	var msgs []message.Message
	var conts []message.Continuation

	for r.Pos() < end {
		msgType, err := r.ReadUint16()
		if err != nil {
			break
		}

		dataSize, err := r.ReadUint16()
		if err != nil {
			break
		}

		flags, err := r.ReadUint8()
		if err != nil {
			break
		}

		r.Skip(3) // Reserved

		data, err := r.ReadBytes(int(dataSize))
		if err != nil {
			break
		}

		r.Align(8)

		if msgType == 0 {
			continue
		}

		if message.Type(msgType) == message.TypeObjectHeaderContinuation {
			cont, err := message.ParseContinuation(data, r)
			if err != nil {
				continue
			}
			conts = append(conts, *cont)
			continue
		}

		msg, err := message.Parse(message.Type(msgType), data, flags, r)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}

	return msgs, conts
}

func readV1Continuation(r *bufreader.Reader, offset, length uint64) ([]message.Message, []message.Continuation, error) {
	cr := r.At(int64(offset))
	if !cr.InBounds(int(length)) {
		return nil, nil, bufreader.ErrTruncated
	}
	msgs, conts := readV1Messages(cr, int64(offset+length))
	return msgs, conts, nil
}
