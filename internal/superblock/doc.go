// Package superblock handles parsing of HDF5 superblock structures.
//
// The superblock is the entry point for any HDF5 file, containing critical
// metadata required to read the rest of the file. Every HDF5 file must have
// a superblock, which can be located at one of several standard offsets.
//
// # File Signature
//
// HDF5 files are identified by an 8-byte signature at the start of the
// superblock: 0x89 H D F \r \n 0x1a \n (hex: 89 48 44 46 0D 0A 1A 0A).
// [Read] searches for this signature at offsets 0, 512, 1024, and 2048
// within a caller-supplied prefix buffer.
//
// # Superblock Versions
//
//   - Version 0: Original format with fixed-size fields, symbol-table-entry
//     root group.
//   - Version 1: Like v0 with an added indexed-storage K value.
//   - Version 2: Compact format, root group referenced directly by object
//     header address, adds file consistency flags and a lookup3 checksum.
//   - Version 3: Same layout as v2, different consistency-flag semantics.
//
// # Usage
//
// Read operates on an in-memory prefix of the file (fetched once up front
// by the byte source), not a seekable handle:
//
//	sb, err := superblock.Read(prefix)
//	if errs.Is(err, errs.KindInvalidSignature) {
//	    // not HDF5, or prefix too short -- grow it and retry
//	}
//
//	cfg := sb.ReaderConfig()
//	root := bufreader.New(prefix, 0, cfg)
package superblock
