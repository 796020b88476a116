// Package superblock handles parsing of HDF5 superblock structures.
//
// The superblock is the entry point for any HDF5 file, containing critical
// metadata like file version, offset/length sizes, and the root group
// address. It always lies within the first few kilobytes of the file, so a
// reader here works directly off the already-fetched metadata prefix buffer
// rather than issuing its own I/O.
package superblock

import (
	"encoding/binary"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/errs"
)

// Signature is the fixed 8-byte HDF5 magic: 0x89 H D F \r \n 0x1a \n.
var Signature = [8]byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// candidateOffsets lists the absolute file offsets searched, in order, for
// the signature, per the HDF5 spec's superblock-location algorithm.
var candidateOffsets = []int64{0, 512, 1024, 2048}

// Superblock contains the essential HDF5 file metadata.
type Superblock struct {
	Version                     uint8
	OffsetSize                  uint8
	LengthSize                  uint8
	FileConsistencyFlags        uint8
	BaseAddress                 uint64
	SuperblockExtensionAddress  uint64
	EOFAddress                  uint64
	RootGroupAddress            uint64
	GroupLeafNodeK              uint16
	GroupInternalNodeK          uint16
	IndexedStorageK             uint16
	FreeSpaceManagerVersion     uint8
	RootGroupSymbolTableAddress uint64

	ByteOrder binary.ByteOrder

	// FileOffset is the absolute offset at which the signature was found
	// (0 for ordinary files, non-zero for HDF5 embedded in a larger
	// container such as a NetCDF4 wrapper).
	FileOffset int64
}

// Read locates and parses the superblock out of a prefix buffer covering at
// least the first 2048+512 bytes of the file (prefix[0] is absolute file
// offset 0). Returns errs.KindInvalidSignature if no signature is found in
// that range, which usually means the prefix fetched so far was too short
// rather than that the file isn't HDF5 -- callers should grow the prefix
// and retry once before giving up.
func Read(prefix []byte) (*Superblock, error) {
	for _, offset := range candidateOffsets {
		if int64(len(prefix)) < offset+9 {
			continue
		}
		if [8]byte(prefix[offset:offset+8]) != Signature {
			continue
		}

		r := bufreader.New(prefix, 0, bufreader.DefaultConfig())
		cur := r.At(offset + 8)
		version, err := cur.ReadUint8()
		if err != nil {
			return nil, errs.Wrap(errs.KindTruncated, "reading superblock version", err)
		}

		var sb *Superblock
		switch version {
		case 0:
			sb, err = readV0(r, offset)
		case 1:
			sb, err = readV1(r, offset)
		case 2:
			sb, err = readV2V3(r, offset, 2)
		case 3:
			sb, err = readV2V3(r, offset, 3)
		default:
			return nil, errs.New(errs.KindUnsupported, "unsupported superblock version").WithOffset(offset)
		}
		if err != nil {
			return nil, err
		}

		sb.FileOffset = offset
		sb.ByteOrder = binary.LittleEndian
		return sb, nil
	}

	return nil, errs.New(errs.KindInvalidSignature, "HDF5 signature not found in prefix")
}

// ReaderConfig returns the bufreader.Config implied by this superblock's
// offset/length field widths.
func (sb *Superblock) ReaderConfig() bufreader.Config {
	return bufreader.Config{OffsetSize: int(sb.OffsetSize), LengthSize: int(sb.LengthSize)}
}
