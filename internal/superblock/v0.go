package superblock

import (
	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/errs"
)

/*
Version 0 Superblock Layout:
Offset  Size  Description
0       8     Signature
8       1     Version (0)
9       1     Free-space storage version
10      1     Root group symbol table entry version
11      1     Reserved
12      1     Shared header message format version
13      1     Size of offsets
14      1     Size of lengths
15      1     Reserved
16      2     Group leaf node K
18      2     Group internal node K
20      4     File consistency flags
24      O     Base address
24+O    O     Free-space info address
24+2O   O     EOF address
24+3O   O     Driver info block address
24+4O   var   Root group symbol table entry

Where O = size of offsets.
*/

// readV0 parses a version 0 superblock. r must be positioned with base 0
// over the prefix buffer; offset is where the 8-byte signature begins.
func readV0(r *bufreader.Reader, offset int64) (*Superblock, error) {
	header, err := r.At(offset + 8).ReadBytes(16)
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v0 superblock header", err)
	}

	sb := &Superblock{
		Version:                 header[0],
		FreeSpaceManagerVersion: header[1],
		OffsetSize:              header[5],
		LengthSize:              header[6],
		GroupLeafNodeK:          uint16(header[8]) | uint16(header[9])<<8,
		GroupInternalNodeK:      uint16(header[10]) | uint16(header[11])<<8,
	}

	osize := int(sb.OffsetSize)
	cur := r.At(offset+24).WithSizes(osize, int(sb.LengthSize))

	base, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v0 base address", err)
	}
	sb.BaseAddress = base

	cur.Skip(int64(osize)) // free-space info address

	eof, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v0 EOF address", err)
	}
	sb.EOFAddress = eof

	cur.Skip(int64(osize)) // driver info block address
	cur.Skip(int64(osize)) // root group symbol table entry: link name offset

	rootAddr, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v0 root group address", err)
	}
	sb.RootGroupAddress = rootAddr
	sb.RootGroupSymbolTableAddress = rootAddr

	return sb, nil
}

// readV1 parses a version 1 superblock: identical to v0 but with an extra
// indexed-storage K value and 2 reserved bytes before the address block.
func readV1(r *bufreader.Reader, offset int64) (*Superblock, error) {
	header, err := r.At(offset + 8).ReadBytes(16)
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v1 superblock header", err)
	}

	sb := &Superblock{
		Version:                 header[0],
		FreeSpaceManagerVersion: header[1],
		OffsetSize:              header[5],
		LengthSize:              header[6],
		GroupLeafNodeK:          uint16(header[8]) | uint16(header[9])<<8,
		GroupInternalNodeK:      uint16(header[10]) | uint16(header[11])<<8,
	}

	kBuf, err := r.At(offset + 24).ReadBytes(2)
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v1 indexed storage K", err)
	}
	sb.IndexedStorageK = uint16(kBuf[0]) | uint16(kBuf[1])<<8

	osize := int(sb.OffsetSize)
	cur := r.At(offset+28).WithSizes(osize, int(sb.LengthSize))

	base, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v1 base address", err)
	}
	sb.BaseAddress = base

	cur.Skip(int64(osize)) // free-space info address

	eof, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v1 EOF address", err)
	}
	sb.EOFAddress = eof

	cur.Skip(int64(osize)) // driver info block address
	cur.Skip(int64(osize)) // root group symbol table entry: link name offset

	rootAddr, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v1 root group address", err)
	}
	sb.RootGroupAddress = rootAddr
	sb.RootGroupSymbolTableAddress = rootAddr

	return sb, nil
}
