// Package bufreader provides a positional cursor over an in-memory byte
// slice for parsing HDF5 structures.
//
// Unlike a reader backed by io.ReaderAt, a bufreader.Reader never performs
// I/O itself: it addresses a buffer that has already been fetched (the
// initial metadata prefix, a continuation block, a B-tree node) and carries
// a base file offset so callers can keep working in absolute file
// coordinates. Every access is bounds-checked against the underlying slice;
// anything that would read past the end fails with ErrTruncated rather than
// panicking.
package bufreader

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a read would run past the end of the buffer.
var ErrTruncated = errors.New("bufreader: truncated")

// ErrInvalidSize is returned when an invalid offset/length size is configured.
var ErrInvalidSize = errors.New("bufreader: invalid offset/length size: must be 2, 4, or 8")

// Config holds the variable-width field sizes, typically derived from the
// superblock.
type Config struct {
	OffsetSize int // 2, 4, or 8 bytes
	LengthSize int // 2, 4, or 8 bytes
}

// DefaultConfig returns the configuration used before the superblock itself
// has been parsed (8-byte offsets/lengths, as the superblock spec requires).
func DefaultConfig() Config {
	return Config{OffsetSize: 8, LengthSize: 8}
}

// Reader is a little-endian cursor over a byte slice fetched starting at
// Base in the file. Pos() values are absolute file offsets; buf[0] is the
// byte at file offset Base.
type Reader struct {
	buf        []byte
	base       int64
	pos        int64
	offsetSize int
	lengthSize int
}

// New creates a reader over buf, where buf[0] corresponds to absolute file
// offset base.
func New(buf []byte, base int64, cfg Config) *Reader {
	return &Reader{buf: buf, base: base, pos: base, offsetSize: cfg.OffsetSize, lengthSize: cfg.LengthSize}
}

// At returns a new cursor over the same backing buffer, repositioned to the
// given absolute file offset. Fails lazily: an out-of-range At is only an
// error once something tries to read through it.
func (r *Reader) At(offset int64) *Reader {
	return &Reader{buf: r.buf, base: r.base, pos: offset, offsetSize: r.offsetSize, lengthSize: r.lengthSize}
}

// WithSizes returns a cursor at the same position with different
// offset/length sizes, used once the superblock has been parsed.
func (r *Reader) WithSizes(offsetSize, lengthSize int) *Reader {
	return &Reader{buf: r.buf, base: r.base, pos: r.pos, offsetSize: offsetSize, lengthSize: lengthSize}
}

// Pos returns the current absolute file position.
func (r *Reader) Pos() int64 { return r.pos }

// Base returns the absolute file offset of buf[0].
func (r *Reader) Base() int64 { return r.base }

// InBounds reports whether n bytes starting at the current position lie
// within the backing buffer.
func (r *Reader) InBounds(n int) bool {
	idx := r.pos - r.base
	return idx >= 0 && n >= 0 && idx+int64(n) <= int64(len(r.buf))
}

func (r *Reader) slice(n int) ([]byte, error) {
	if !r.InBounds(n) {
		return nil, ErrTruncated
	}
	idx := r.pos - r.base
	return r.buf[idx : idx+int64(n)], nil
}

// ReadBytes reads exactly n bytes from the current position and advances.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	b, err := r.slice(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	r.pos += int64(n)
	return out, nil
}

// Peek reads n bytes without advancing the position.
func (r *Reader) Peek(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	b, err := r.slice(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadUint8 reads an unsigned 8-bit integer.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian unsigned 16-bit integer.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian unsigned 32-bit integer.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian unsigned 64-bit integer.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadUintN reads an unsigned integer of n bytes (1, 2, 4, or 8).
func (r *Reader) ReadUintN(n int) (uint64, error) {
	b, err := r.ReadBytes(n)
	if err != nil {
		return 0, err
	}
	return DecodeUint(b, n), nil
}

// ReadOffset reads a file offset sized by the configured OffsetSize.
func (r *Reader) ReadOffset() (uint64, error) {
	b, err := r.ReadBytes(r.offsetSize)
	if err != nil {
		return 0, err
	}
	return DecodeUint(b, r.offsetSize), nil
}

// ReadLength reads a length sized by the configured LengthSize.
func (r *Reader) ReadLength() (uint64, error) {
	b, err := r.ReadBytes(r.lengthSize)
	if err != nil {
		return 0, err
	}
	return DecodeUint(b, r.lengthSize), nil
}

// DecodeUint decodes a little-endian variable-width unsigned integer.
func DecodeUint(buf []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		var v uint64
		for i := size - 1; i >= 0; i-- {
			v = (v << 8) | uint64(buf[i])
		}
		return v
	}
}

// IsUndefinedOffset reports whether offset is the HDF5 "undefined address"
// sentinel (all bits set) for the configured offset size.
func (r *Reader) IsUndefinedOffset(offset uint64) bool {
	return isUndefined(offset, r.offsetSize)
}

// IsUndefinedLength reports whether length is the HDF5 "undefined length"
// sentinel for the configured length size.
func (r *Reader) IsUndefinedLength(length uint64) bool {
	return isUndefined(length, r.lengthSize)
}

func isUndefined(v uint64, size int) bool {
	switch size {
	case 2:
		return v == 0xFFFF
	case 4:
		return v == 0xFFFFFFFF
	case 8:
		return v == 0xFFFFFFFFFFFFFFFF
	default:
		mask := uint64(1<<(uint(size)*8)) - 1
		return v == mask
	}
}

// Skip advances the position by n bytes without reading.
func (r *Reader) Skip(n int64) { r.pos += n }

// Align advances the position to the next multiple of alignment.
func (r *Reader) Align(alignment int64) {
	if alignment <= 1 {
		return
	}
	if rem := r.pos % alignment; rem != 0 {
		r.pos += alignment - rem
	}
}

// ByteOrder returns the byte order used for structural metadata, which HDF5
// fixes at little-endian regardless of a dataset's own element byte order.
func (r *Reader) ByteOrder() binary.ByteOrder { return binary.LittleEndian }

// OffsetSize returns the configured offset field width in bytes.
func (r *Reader) OffsetSize() int { return r.offsetSize }

// LengthSize returns the configured length field width in bytes.
func (r *Reader) LengthSize() int { return r.lengthSize }
