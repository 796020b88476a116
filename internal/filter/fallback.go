package filter

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"io"
)

// Result reports how a chunk's bytes were recovered.
type Result struct {
	// Data is the decoded payload. On total failure it aliases the raw
	// input: downstream decoding produces noise rather than the read
	// crashing.
	Data []byte

	// Salvaged is set when the bytes came from the fallback chain rather
	// than the recorded pipeline; callers should log a warning.
	Salvaged bool

	// Failed is set when every attempt failed and Data is the raw input.
	Failed bool
}

// DecodeChunk runs raw chunk bytes through the recorded pipeline. When no
// pipeline was recorded but the chunk is visibly shorter than its declared
// payload (the signature of a file whose filter message was stripped),
// it attempts a salvage chain: zlib first, unshuffling the inflated bytes
// with the datatype's element size when they are not the declared size but
// divide evenly into elements; then raw deflate when zlib does not parse.
// A chunk that defeats every attempt is surfaced as-is.
func DecodeChunk(p *Pipeline, raw []byte, filterMask uint32, elemSize, expectedSize int) (Result, error) {
	if p != nil && !p.Empty() {
		data, err := p.Decode(raw, filterMask)
		if err != nil {
			return Result{Data: raw, Failed: true}, err
		}
		return Result{Data: data}, nil
	}

	if expectedSize <= 0 || len(raw) >= expectedSize {
		return Result{Data: raw}, nil
	}

	// Obviously shorter than the declared chunk payload: assume a stripped
	// filter message and try to salvage.
	if data, err := inflateZlib(raw); err == nil {
		if len(data) == expectedSize {
			return Result{Data: data, Salvaged: true}, nil
		}
		// Inflated but with shuffle residue: unshuffle if the size fits.
		if elemSize > 1 && len(data)%elemSize == 0 {
			sh := &Shuffle{elemSize: elemSize}
			if out, err := sh.Decode(data); err == nil {
				return Result{Data: out, Salvaged: true}, nil
			}
		}
		return Result{Data: data, Salvaged: true}, nil
	}

	if data, err := inflateRaw(raw); err == nil {
		return Result{Data: data, Salvaged: true}, nil
	}

	return Result{Data: raw, Failed: true}, nil
}

func inflateZlib(input []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func inflateRaw(input []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(input))
	defer r.Close()
	return io.ReadAll(r)
}
