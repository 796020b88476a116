package superblock

import (
	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/errs"
)

/*
Version 2/3 Superblock Layout:
Offset  Size  Description
0       8     Signature
8       1     Version (2 or 3)
9       1     Size of offsets
10      1     Size of lengths
11      1     File consistency flags
12      O     Base address
12+O    O     Superblock extension address
12+2O   O     EOF address
12+3O   O     Root group object header address
12+4O   4     Superblock checksum (lookup3)

Where O = size of offsets. Versions 2 and 3 share this layout; 3 only adds
meaning to additional consistency-flag bits.
*/

func readV2V3(r *bufreader.Reader, offset int64, version uint8) (*Superblock, error) {
	header, err := r.At(offset + 8).ReadBytes(4)
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading v2/v3 superblock header", err)
	}

	sb := &Superblock{
		Version:              header[0],
		OffsetSize:           header[1],
		LengthSize:           header[2],
		FileConsistencyFlags: header[3],
	}

	osize := int(sb.OffsetSize)
	cur := r.At(offset+12).WithSizes(osize, int(sb.LengthSize))

	base, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading base address", err)
	}
	sb.BaseAddress = base

	extAddr, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading superblock extension address", err)
	}
	sb.SuperblockExtensionAddress = extAddr

	eof, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading EOF address", err)
	}
	sb.EOFAddress = eof

	rootAddr, err := cur.ReadOffset()
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading root group address", err)
	}
	sb.RootGroupAddress = rootAddr

	checksumEnd := cur.Pos()
	checksumLen := int(checksumEnd - offset)
	checksumData, err := r.At(offset).ReadBytes(checksumLen)
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading superblock checksum region", err)
	}

	storedBuf, err := cur.ReadBytes(4)
	if err != nil {
		return nil, errs.Wrap(errs.KindTruncated, "reading stored checksum", err)
	}
	stored := bufreader.DecodeUint(storedBuf, 4)

	computed := bufreader.Lookup3Checksum(checksumData)
	if uint32(stored) != computed {
		return nil, errs.New(errs.KindUnsupported, "superblock checksum mismatch").WithOffset(offset)
	}

	return sb, nil
}
