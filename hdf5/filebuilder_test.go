package hdf5

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
)

// fileBuilder assembles minimal but structurally honest HDF5 files for
// tests: version 0 superblock, v1 object headers, v1 group B-trees with
// SNOD leaves and a local heap, v1 chunk B-trees, and v3 data layout
// messages. Offsets and lengths are 8 bytes throughout.
type fileBuilder struct {
	buf []byte
}

const undefAddr = 0xFFFFFFFFFFFFFFFF

func newFileBuilder() *fileBuilder {
	return &fileBuilder{}
}

// alloc reserves n zeroed bytes on an 8-byte boundary and returns the
// absolute offset.
func (b *fileBuilder) alloc(n int) uint64 {
	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
	off := uint64(len(b.buf))
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

// padTo extends the file with zeros so the next alloc lands at off.
func (b *fileBuilder) padTo(off uint64) {
	for uint64(len(b.buf)) < off {
		b.buf = append(b.buf, 0)
	}
}

func (b *fileBuilder) put(off uint64, data []byte) {
	copy(b.buf[off:], data)
}

func (b *fileBuilder) bytes() []byte { return b.buf }

// rec is a little-endian record writer.
type rec struct {
	b []byte
}

func (r *rec) u8(v uint8) *rec   { r.b = append(r.b, v); return r }
func (r *rec) u16(v uint16) *rec { r.b = binary.LittleEndian.AppendUint16(r.b, v); return r }
func (r *rec) u32(v uint32) *rec { r.b = binary.LittleEndian.AppendUint32(r.b, v); return r }
func (r *rec) u64(v uint64) *rec { r.b = binary.LittleEndian.AppendUint64(r.b, v); return r }
func (r *rec) raw(v []byte) *rec { r.b = append(r.b, v...); return r }
func (r *rec) str(s string) *rec { r.b = append(r.b, s...); return r }
func (r *rec) zeros(n int) *rec  { r.b = append(r.b, make([]byte, n)...); return r }

func (r *rec) pad8() *rec {
	for len(r.b)%8 != 0 {
		r.b = append(r.b, 0)
	}
	return r
}

// writeSuperblockV0 fills offset 0 with a version 0 superblock pointing
// at rootHdr. Call after the rest of the file is laid out so the EOF
// address is final.
func (b *fileBuilder) writeSuperblockV0(rootHdr uint64) {
	r := &rec{}
	r.raw([]byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'})
	r.u8(0)                   // superblock version
	r.u8(0)                   // free-space storage version
	r.u8(0)                   // root group symbol table entry version
	r.u8(0)                   // reserved
	r.u8(0)                   // shared header message format version
	r.u8(8)                   // size of offsets
	r.u8(8)                   // size of lengths
	r.u8(0)                   // reserved
	r.u16(4)                  // group leaf node K
	r.u16(16)                 // group internal node K
	r.u32(0)                  // file consistency flags
	r.u64(0)                  // base address
	r.u64(undefAddr)          // free-space info address
	r.u64(uint64(len(b.buf))) // EOF address
	r.u64(undefAddr)          // driver info block address
	// Root group symbol table entry.
	r.u64(0)       // link name offset
	r.u64(rootHdr) // object header address
	r.u32(0)       // cache type
	r.u32(0)       // reserved
	r.zeros(16)    // scratch pad
	b.put(0, r.b)
}

// v1msg is one packed message for a v1 object header.
type v1msg struct {
	typ  uint16
	data []byte
}

// v1HeaderBytes packs messages into a version 1 object header image.
func v1HeaderBytes(msgs []v1msg) []byte {
	body := &rec{}
	for _, m := range msgs {
		body.u16(m.typ)
		body.u16(uint16(len(m.data) + pad8len(len(m.data))))
		body.u8(0)    // flags
		body.zeros(3) // reserved
		body.raw(m.data)
		body.pad8()
	}

	hdr := &rec{}
	hdr.u8(1) // version
	hdr.u8(0) // reserved
	hdr.u16(uint16(len(msgs)))
	hdr.u32(1) // reference count
	hdr.u32(uint32(len(body.b)))
	hdr.zeros(4) // pad to the 8-byte message boundary
	hdr.raw(body.b)
	return hdr.b
}

func pad8len(n int) int {
	if n%8 == 0 {
		return 0
	}
	return 8 - n%8
}

// continuationBlockV1 packs messages as a raw v1 continuation block image.
func continuationBlockV1(msgs []v1msg) []byte {
	body := &rec{}
	for _, m := range msgs {
		body.u16(m.typ)
		body.u16(uint16(len(m.data) + pad8len(len(m.data))))
		body.u8(0)
		body.zeros(3)
		body.raw(m.data)
		body.pad8()
	}
	return body.b
}

// ---- message payloads ------------------------------------------------------

func dataspaceMsgV1(dims ...uint64) []byte {
	r := &rec{}
	r.u8(1) // version
	r.u8(uint8(len(dims)))
	r.u8(0)    // flags: no max dims
	r.zeros(5) // reserved
	for _, d := range dims {
		r.u64(d)
	}
	return r.b
}

func dataspaceScalarMsgV1() []byte {
	r := &rec{}
	r.u8(1).u8(0).u8(0).zeros(5)
	return r.b
}

func datatypeFixedMsg(size uint32, signed bool) []byte {
	bits := uint32(0) // little-endian
	if signed {
		bits |= 0x08
	}
	r := &rec{}
	r.u8(0x10 | 0) // version 1, class 0 fixed-point
	r.u8(uint8(bits)).u8(uint8(bits >> 8)).u8(uint8(bits >> 16))
	r.u32(size)
	r.u16(0)                // bit offset
	r.u16(uint16(size * 8)) // bit precision
	return r.b
}

func datatypeFloatMsg(size uint32) []byte {
	r := &rec{}
	r.u8(0x10 | 1) // version 1, class 1 float
	r.u8(0).u8(0).u8(0)
	r.u32(size)
	// Float properties: bit offset, precision, exponent/mantissa layout,
	// exponent bias. The reader only consumes the size, but honest values
	// keep the image valid.
	r.u16(0)
	r.u16(uint16(size * 8))
	switch size {
	case 4:
		r.u8(31).u8(8).u8(0).u8(23)
		r.u32(127)
	case 8:
		r.u8(63).u8(11).u8(0).u8(52)
		r.u32(1023)
	default:
		r.u8(0).u8(0).u8(0).u8(0)
		r.u32(0)
	}
	return r.b
}

func layoutContiguousMsgV3(addr, size uint64) []byte {
	r := &rec{}
	r.u8(3) // layout version
	r.u8(1) // contiguous
	r.u64(addr)
	r.u64(size)
	return r.b
}

// layoutChunkedMsgV3 records a chunked layout; dims must include the
// trailing element-size entry.
func layoutChunkedMsgV3(btreeAddr uint64, dims ...uint32) []byte {
	r := &rec{}
	r.u8(3) // layout version
	r.u8(2) // chunked
	r.u8(uint8(len(dims)))
	r.u64(btreeAddr)
	for _, d := range dims {
		r.u32(d)
	}
	return r.b
}

func symbolTableMsg(btreeAddr, heapAddr uint64) []byte {
	r := &rec{}
	r.u64(btreeAddr)
	r.u64(heapAddr)
	return r.b
}

func continuationMsg(offset, length uint64) []byte {
	r := &rec{}
	r.u64(offset)
	r.u64(length)
	return r.b
}

type filterSpec struct {
	id         uint16
	clientData []uint32
}

func filterPipelineMsgV1(filters ...filterSpec) []byte {
	r := &rec{}
	r.u8(1) // version
	r.u8(uint8(len(filters)))
	r.zeros(6)
	for _, f := range filters {
		r.u16(f.id)
		r.u16(0) // name length
		r.u16(0) // flags
		r.u16(uint16(len(f.clientData)))
		for _, cd := range f.clientData {
			r.u32(cd)
		}
		if len(f.clientData)%2 != 0 {
			r.zeros(4) // v1 pads odd client-data counts
		}
	}
	return r.b
}

// attrFloat64MsgV1 encodes a version 1 scalar float64 attribute.
func attrFloat64MsgV1(name string, value float64) []byte {
	dt := datatypeFloatMsg(8)
	ds := dataspaceScalarMsgV1()

	r := &rec{}
	r.u8(1) // version
	r.u8(0) // reserved
	r.u16(uint16(len(name) + 1))
	r.u16(uint16(len(dt)))
	r.u16(uint16(len(ds)))
	r.str(name).u8(0)
	r.pad8()
	r.raw(dt)
	r.pad8()
	r.raw(ds)
	r.pad8()
	r.u64(math.Float64bits(value))
	return r.b
}

// attrStringMsgV1 encodes a version 1 fixed-length string attribute; the
// payload is null-padded to size.
func attrStringMsgV1(name, value string, size int) []byte {
	dtr := &rec{}
	dtr.u8(0x10 | 3) // version 1, class 3 string
	dtr.u8(0).u8(0).u8(0)
	dtr.u32(uint32(size))
	dt := dtr.b
	ds := dataspaceScalarMsgV1()

	r := &rec{}
	r.u8(1)
	r.u8(0)
	r.u16(uint16(len(name) + 1))
	r.u16(uint16(len(dt)))
	r.u16(uint16(len(ds)))
	r.str(name).u8(0)
	r.pad8()
	r.raw(dt)
	r.pad8()
	r.raw(ds)
	r.pad8()
	payload := make([]byte, size)
	copy(payload, value)
	r.raw(payload)
	return r.b
}

// ---- group structures ------------------------------------------------------

// heapImage builds a local heap data segment and reports each name's
// offset. Offset 0 stays empty, matching how real writers reserve it.
func heapImage(names []string) (data []byte, offsets map[string]uint64) {
	offsets = make(map[string]uint64, len(names))
	data = []byte{0}
	for _, n := range names {
		offsets[n] = uint64(len(data))
		data = append(data, n...)
		data = append(data, 0)
	}
	for len(data)%8 != 0 {
		data = append(data, 0)
	}
	return data, offsets
}

// writeLocalHeap fills hdrOff and dataOff with a HEAP header and its
// segment.
func (b *fileBuilder) writeLocalHeap(hdrOff, dataOff uint64, data []byte) {
	r := &rec{}
	r.str("HEAP")
	r.u8(0) // version
	r.zeros(3)
	r.u64(uint64(len(data))) // data segment size
	r.u64(uint64(len(data))) // free list head: none
	r.u64(dataOff)
	b.put(hdrOff, r.b)
	b.put(dataOff, data)
}

const (
	groupBTreeNodeSize = 24 + 16 + 8 // header + one key/child pair + closing key
	snodEntrySize      = 40
)

// writeGroupBTree fills off with a single-leaf group TREE node pointing
// at snodOff.
func (b *fileBuilder) writeGroupBTree(off, snodOff uint64) {
	r := &rec{}
	r.str("TREE")
	r.u8(0) // node type: group
	r.u8(0) // level: leaf
	r.u16(1)
	r.u64(undefAddr) // left sibling
	r.u64(undefAddr) // right sibling
	r.u64(0)         // key 0
	r.u64(snodOff)
	r.u64(0) // closing key
	b.put(off, r.b)
}

type snodEntry struct {
	nameOffset uint64
	objAddr    uint64
}

func (b *fileBuilder) writeSNOD(off uint64, entries []snodEntry) {
	r := &rec{}
	r.str("SNOD")
	r.u8(1) // version
	r.u8(0)
	r.u16(uint16(len(entries)))
	for _, e := range entries {
		r.u64(e.nameOffset)
		r.u64(e.objAddr)
		r.u32(0) // cache type
		r.u32(0)
		r.zeros(16)
	}
	b.put(off, r.b)
}

// writeChunkBTree fills off with a single-leaf chunk TREE node. Each
// entry carries (size, mask, offsets..., addr); offsets must include the
// trailing element-size coordinate.
type chunkRef struct {
	size    uint32
	mask    uint32
	offsets []uint64
	addr    uint64
}

func chunkBTreeSize(ndimsPlus1, entries int) int {
	keySize := 8 + ndimsPlus1*8
	return 24 + entries*(keySize+8) + keySize
}

func (b *fileBuilder) writeChunkBTree(off uint64, ndimsPlus1 int, chunks []chunkRef) {
	r := &rec{}
	r.str("TREE")
	r.u8(1) // node type: chunk
	r.u8(0) // level: leaf
	r.u16(uint16(len(chunks)))
	r.u64(undefAddr)
	r.u64(undefAddr)
	for _, c := range chunks {
		r.u32(c.size)
		r.u32(c.mask)
		for i := 0; i < ndimsPlus1; i++ {
			var v uint64
			if i < len(c.offsets) {
				v = c.offsets[i]
			}
			r.u64(v)
		}
		r.u64(c.addr)
	}
	// Closing key.
	r.u32(0).u32(0)
	r.zeros(8 * ndimsPlus1)
	b.put(off, r.b)
}

// ---- helpers shared by the tests -------------------------------------------

func float32Bytes(vals ...float32) []byte {
	r := &rec{}
	for _, v := range vals {
		r.u32(math.Float32bits(v))
	}
	return r.b
}

func zlibCompress(data []byte) []byte {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	w.Write(data)
	w.Close()
	return out.Bytes()
}

// shuffleBytes applies the forward shuffle transform: byte j of element i
// moves to position j*numElems+i.
func shuffleBytes(data []byte, elemSize int) []byte {
	n := len(data) / elemSize
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		for j := 0; j < elemSize; j++ {
			out[j*n+i] = data[i*elemSize+j]
		}
	}
	return out
}

// buildChunkGridFile lays out /grid: a 1-D float32 dataset of 64
// elements in eight adjacent 8-element chunks, values 0..63.
func buildChunkGridFile() []byte {
	b := newFileBuilder()
	b.alloc(96)

	heapData, names := heapImage([]string{"grid"})
	rootHdr := b.alloc(16 + 8 + 16)
	rootBTree := b.alloc(groupBTreeNodeSize)
	rootSNOD := b.alloc(8 + snodEntrySize)
	rootHeapHdr := b.alloc(32)
	rootHeapSeg := b.alloc(len(heapData))

	const chunks = 8
	const chunkLen = 8
	var refs []chunkRef
	for i := 0; i < chunks; i++ {
		vals := make([]float32, chunkLen)
		for j := range vals {
			vals[j] = float32(i*chunkLen + j)
		}
		data := float32Bytes(vals...)
		addr := b.alloc(len(data))
		b.put(addr, data)
		refs = append(refs, chunkRef{
			size:    uint32(len(data)),
			offsets: []uint64{uint64(i * chunkLen), 0},
			addr:    addr,
		})
	}
	gridBTree := b.alloc(chunkBTreeSize(2, chunks))
	b.writeChunkBTree(gridBTree, 2, refs)

	gridMsgs := []v1msg{
		{0x0001, dataspaceMsgV1(64)},
		{0x0003, datatypeFloatMsg(4)},
		{0x0008, layoutChunkedMsgV3(gridBTree, chunkLen, 4)},
	}
	gridImage := v1HeaderBytes(gridMsgs)
	gridHdr := b.alloc(len(gridImage))
	b.put(gridHdr, gridImage)

	b.put(rootHdr, v1HeaderBytes([]v1msg{{0x0011, symbolTableMsg(rootBTree, rootHeapHdr)}}))
	b.writeGroupBTree(rootBTree, rootSNOD)
	b.writeSNOD(rootSNOD, []snodEntry{{nameOffset: names["grid"], objAddr: gridHdr}})
	b.writeLocalHeap(rootHeapHdr, rootHeapSeg, heapData)

	b.writeSuperblockV0(rootHdr)
	return b.bytes()
}

// buildContinuationFile puts the root group's symbol table message in a
// continuation block at 0x5000, past any small metadata prefix, with one
// dataset /far reachable only through it.
func buildContinuationFile() []byte {
	const contOff = 0x5000

	b := newFileBuilder()
	b.alloc(96)

	heapData, names := heapImage([]string{"far"})
	rootBTree := b.alloc(groupBTreeNodeSize)
	rootSNOD := b.alloc(8 + snodEntrySize)
	rootHeapHdr := b.alloc(32)
	rootHeapSeg := b.alloc(len(heapData))

	farData := b.alloc(4)
	binary.LittleEndian.PutUint32(b.buf[farData:], 7)
	farImage := v1HeaderBytes([]v1msg{
		{0x0001, dataspaceMsgV1(1)},
		{0x0003, datatypeFixedMsg(4, false)},
		{0x0008, layoutContiguousMsgV3(farData, 4)},
	})
	farHdr := b.alloc(len(farImage))
	b.put(farHdr, farImage)

	contBlock := continuationBlockV1([]v1msg{{0x0011, symbolTableMsg(rootBTree, rootHeapHdr)}})

	rootImage := v1HeaderBytes([]v1msg{{0x0010, continuationMsg(contOff, uint64(len(contBlock)))}})
	rootHdr := b.alloc(len(rootImage))
	b.put(rootHdr, rootImage)

	b.writeGroupBTree(rootBTree, rootSNOD)
	b.writeSNOD(rootSNOD, []snodEntry{{nameOffset: names["far"], objAddr: farHdr}})
	b.writeLocalHeap(rootHeapHdr, rootHeapSeg, heapData)

	b.padTo(contOff)
	off := b.alloc(len(contBlock))
	b.put(off, contBlock)

	b.writeSuperblockV0(rootHdr)
	return b.bytes()
}

// buildFilteredFile lays out /z: a chunked 4x4 float32 dataset whose one
// chunk is stored shuffle-then-deflate compressed. Returns the file and
// the expected decoded values.
func buildFilteredFile() ([]byte, []float32) {
	vals := make([]float32, 16)
	for i := range vals {
		vals[i] = float32(i) * 1.5
	}
	raw := float32Bytes(vals...)
	stored := zlibCompress(shuffleBytes(raw, 4))

	b := newFileBuilder()
	b.alloc(96)

	heapData, names := heapImage([]string{"z"})
	rootHdr := b.alloc(16 + 8 + 16)
	rootBTree := b.alloc(groupBTreeNodeSize)
	rootSNOD := b.alloc(8 + snodEntrySize)
	rootHeapHdr := b.alloc(32)
	rootHeapSeg := b.alloc(len(heapData))

	chunkAddr := b.alloc(len(stored))
	b.put(chunkAddr, stored)
	zBTree := b.alloc(chunkBTreeSize(3, 1))
	b.writeChunkBTree(zBTree, 3, []chunkRef{
		{size: uint32(len(stored)), offsets: []uint64{0, 0, 0}, addr: chunkAddr},
	})

	zImage := v1HeaderBytes([]v1msg{
		{0x0001, dataspaceMsgV1(4, 4)},
		{0x0003, datatypeFloatMsg(4)},
		{0x0008, layoutChunkedMsgV3(zBTree, 4, 4, 4)},
		{0x000B, filterPipelineMsgV1(
			filterSpec{id: 2, clientData: []uint32{4}}, // shuffle, element size 4
			filterSpec{id: 1, clientData: []uint32{6}}, // deflate, level 6
		)},
	})
	zHdr := b.alloc(len(zImage))
	b.put(zHdr, zImage)

	b.put(rootHdr, v1HeaderBytes([]v1msg{{0x0011, symbolTableMsg(rootBTree, rootHeapHdr)}}))
	b.writeGroupBTree(rootBTree, rootSNOD)
	b.writeSNOD(rootSNOD, []snodEntry{{nameOffset: names["z"], objAddr: zHdr}})
	b.writeLocalHeap(rootHeapHdr, rootHeapSeg, heapData)

	b.writeSuperblockV0(rootHdr)
	return b.bytes(), vals
}

// buildTwoDatasetFile lays out the scenario file: a root group holding
// /a (contiguous uint32 scalar-ish [1] = 42) and /b/c (chunked 2x2
// float32, one chunk [1,2,3,4]).
func buildTwoDatasetFile() []byte {
	b := newFileBuilder()
	b.alloc(96) // superblock

	// Root group structures.
	rootHeapData, rootNames := heapImage([]string{"a", "b"})
	rootHdr := b.alloc(16 + 8 + 16) // one symbol-table message
	rootBTree := b.alloc(groupBTreeNodeSize)
	rootSNOD := b.alloc(8 + 2*snodEntrySize)
	rootHeapHdr := b.alloc(32)
	rootHeapSeg := b.alloc(len(rootHeapData))

	// Dataset /a: contiguous uint32[1] = 42.
	aData := b.alloc(4)
	binary.LittleEndian.PutUint32(b.buf[aData:], 42)
	aMsgs := []v1msg{
		{0x0001, dataspaceMsgV1(1)},
		{0x0003, datatypeFixedMsg(4, false)},
		{0x0008, layoutContiguousMsgV3(aData, 4)},
		{0x000C, attrFloat64MsgV1("scale", 2.5)},
	}
	aImage := v1HeaderBytes(aMsgs)
	aHdr := b.alloc(len(aImage))
	b.put(aHdr, aImage)

	// Group /b with child dataset c.
	bHeapData, bNames := heapImage([]string{"c"})
	bHdr := b.alloc(16 + 8 + 16)
	bBTree := b.alloc(groupBTreeNodeSize)
	bSNOD := b.alloc(8 + snodEntrySize)
	bHeapHdr := b.alloc(32)
	bHeapSeg := b.alloc(len(bHeapData))

	// Dataset /b/c: chunked 2x2 float32, one chunk.
	chunkData := float32Bytes(1, 2, 3, 4)
	cChunk := b.alloc(len(chunkData))
	b.put(cChunk, chunkData)
	cBTree := b.alloc(chunkBTreeSize(3, 1))
	b.writeChunkBTree(cBTree, 3, []chunkRef{
		{size: uint32(len(chunkData)), offsets: []uint64{0, 0, 0}, addr: cChunk},
	})
	cMsgs := []v1msg{
		{0x0001, dataspaceMsgV1(2, 2)},
		{0x0003, datatypeFloatMsg(4)},
		{0x0008, layoutChunkedMsgV3(cBTree, 2, 2, 4)},
	}
	cImage := v1HeaderBytes(cMsgs)
	cHdr := b.alloc(len(cImage))
	b.put(cHdr, cImage)

	// Stitch the groups together.
	b.put(rootHdr, v1HeaderBytes([]v1msg{{0x0011, symbolTableMsg(rootBTree, rootHeapHdr)}}))
	b.writeGroupBTree(rootBTree, rootSNOD)
	b.writeSNOD(rootSNOD, []snodEntry{
		{nameOffset: rootNames["a"], objAddr: aHdr},
		{nameOffset: rootNames["b"], objAddr: bHdr},
	})
	b.writeLocalHeap(rootHeapHdr, rootHeapSeg, rootHeapData)

	b.put(bHdr, v1HeaderBytes([]v1msg{{0x0011, symbolTableMsg(bBTree, bHeapHdr)}}))
	b.writeGroupBTree(bBTree, bSNOD)
	b.writeSNOD(bSNOD, []snodEntry{{nameOffset: bNames["c"], objAddr: cHdr}})
	b.writeLocalHeap(bHeapHdr, bHeapSeg, bHeapData)

	b.writeSuperblockV0(rootHdr)
	return b.bytes()
}
