package hdf5

import (
	"context"
	"fmt"
	gopath "path"

	"github.com/cloudhdf5/reader/internal/errs"
	"github.com/cloudhdf5/reader/internal/filter"
	"github.com/cloudhdf5/reader/internal/message"
	"github.com/cloudhdf5/reader/internal/typeconv"
)

// LayoutClass names how a dataset's elements are stored.
type LayoutClass int

const (
	// LayoutCompact means the payload is inline in the object header.
	LayoutCompact LayoutClass = iota
	// LayoutContiguous means one linear block at a file offset.
	LayoutContiguous
	// LayoutChunked means fixed-shape chunks indexed by a v1 B-tree.
	LayoutChunked
)

func (c LayoutClass) String() string {
	switch c {
	case LayoutCompact:
		return "compact"
	case LayoutContiguous:
		return "contiguous"
	case LayoutChunked:
		return "chunked"
	default:
		return "unknown"
	}
}

// Dataset is one array discovered under the file's root group. It is
// created by the open-time walk and immutable afterwards; all read
// methods are safe for concurrent use.
type Dataset struct {
	r *Reader

	path    string
	address uint64

	shape    []uint64
	maxDims  []uint64
	dtype    typeconv.DType
	datatype *message.Datatype
	elemSize int

	layoutClass LayoutClass
	layoutVer   uint8

	// Compact payload, inline from the header.
	compactData []byte

	// Contiguous placement.
	dataAddress uint64
	dataSize    uint64

	// Chunked placement. chunkDims has the trailing element-size entry
	// already dropped, matching the dataspace rank.
	chunkDims []uint32
	btreeAddr uint64

	// unsupportedIndex marks a chunked dataset whose index family (layout
	// v4) cannot be walked; chunk reads fail with Unsupported.
	unsupportedIndex bool

	// unsupportedFilter marks a dataset whose recorded pipeline names a
	// filter this reader cannot decode.
	unsupportedFilter bool

	pipeline   *filter.Pipeline
	filterMsg  *message.FilterPipeline
	attributes map[string]interface{}
}

// DatasetInfo is the catalog row for one dataset.
type DatasetInfo struct {
	Path      string
	Shape     []uint64
	DType     string
	Layout    string
	Chunked   bool
	ChunkDims []uint32
	NumChunks uint64
}

// Path returns the dataset's absolute, slash-separated path.
func (d *Dataset) Path() string { return d.path }

// Name returns the last path component.
func (d *Dataset) Name() string { return gopath.Base(d.path) }

// Shape returns the dataspace dimensions.
func (d *Dataset) Shape() []uint64 { return d.shape }

// DType returns the dataset's element type in the reader's closed
// enumeration.
func (d *Dataset) DType() typeconv.DType { return d.dtype }

// BytesPerElement returns the on-disk element width.
func (d *Dataset) BytesPerElement() int { return d.elemSize }

// Chunked reports whether the dataset uses chunked storage.
func (d *Dataset) Chunked() bool { return d.layoutClass == LayoutChunked }

// ChunkDims returns the chunk shape (without the element-size entry the
// on-disk layout message carries), or nil for non-chunked datasets.
func (d *Dataset) ChunkDims() []uint32 { return d.chunkDims }

// Attributes returns the dataset's decoded attributes.
func (d *Dataset) Attributes() map[string]interface{} { return d.attributes }

// Info returns the catalog row for this dataset.
func (d *Dataset) Info() DatasetInfo {
	info := DatasetInfo{
		Path:    d.path,
		Shape:   d.shape,
		DType:   d.dtype.String(),
		Layout:  d.layoutClass.String(),
		Chunked: d.Chunked(),
	}
	if d.Chunked() {
		info.ChunkDims = d.chunkDims
		info.NumChunks = d.expectedChunks()
	}
	return info
}

// expectedChunks computes how many chunk slots the shape implies; sparse
// files may store fewer.
func (d *Dataset) expectedChunks() uint64 {
	if len(d.chunkDims) == 0 {
		return 0
	}
	n := uint64(1)
	for i, dim := range d.shape {
		if i >= len(d.chunkDims) || d.chunkDims[i] == 0 {
			return 0
		}
		c := uint64(d.chunkDims[i])
		n *= (dim + c - 1) / c
	}
	return n
}

// chunkPayloadSize is the decoded byte length of one full chunk. HDF5
// pads edge chunks to the full chunk shape, so every chunk decodes to
// this size.
func (d *Dataset) chunkPayloadSize() int {
	n := 1
	for _, c := range d.chunkDims {
		n *= int(c)
	}
	return n * d.elemSize
}

// decodeChunk reverse-applies the filter pipeline (or the salvage chain
// when no pipeline was recorded) and decodes the payload to the canonical
// float32 form.
func (d *Dataset) decodeChunk(raw []byte, filterMask uint32) ([]float32, error) {
	res, err := filter.DecodeChunk(d.pipeline, raw, filterMask, d.elemSize, d.chunkPayloadSize())
	if err != nil {
		return nil, err
	}
	if res.Salvaged {
		d.r.logger.Warn().Str("path", d.path).Msg("chunk decoded through salvage chain; no filter pipeline was recorded")
	}
	return typeconv.DecodeFloat32(d.datatype, res.Data)
}

// SmallResult is a whole small dataset, decoded.
type SmallResult struct {
	Data  []float32
	Shape []uint64
	DType typeconv.DType
}

// maxSmallRead bounds ReadSmall for contiguous data; anything larger must
// go through region reads.
const maxSmallRead = 64 * 1024

// ReadSmall reads an entire compact or small contiguous dataset. It
// returns (nil, nil) when the layout is not handled this way: chunked
// datasets, and contiguous data past the 64 KiB bound.
func (d *Dataset) ReadSmall(ctx context.Context) (*SmallResult, error) {
	if err := d.r.ready(); err != nil {
		return nil, err
	}

	var raw []byte
	switch d.layoutClass {
	case LayoutCompact:
		raw = d.compactData
	case LayoutContiguous:
		if d.dataSize == 0 || d.dataSize > maxSmallRead {
			return nil, nil
		}
		data, err := d.r.src.FetchBytes(ctx, int64(d.dataAddress), int64(d.dataSize))
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return nil, nil
	}

	decoded, err := typeconv.DecodeFloat32(d.datatype, raw)
	if err != nil {
		return nil, err
	}
	return &SmallResult{Data: decoded, Shape: d.shape, DType: d.dtype}, nil
}

// Endpoints are the first and last elements of a 1-D dataset, used to
// bound axis ranges without reading the middle.
type Endpoints struct {
	First  float32
	Last   float32
	Length uint64
}

// ReadEndpoints returns the first and last elements of a 1-D dataset, or
// (nil, nil) for shapes where endpoints are meaningless.
func (d *Dataset) ReadEndpoints(ctx context.Context) (*Endpoints, error) {
	if err := d.r.ready(); err != nil {
		return nil, err
	}
	if len(d.shape) != 1 || d.shape[0] == 0 {
		return nil, nil
	}
	length := d.shape[0]

	switch d.layoutClass {
	case LayoutCompact:
		decoded, err := typeconv.DecodeFloat32(d.datatype, d.compactData)
		if err != nil {
			return nil, err
		}
		if len(decoded) == 0 {
			return nil, nil
		}
		return &Endpoints{First: decoded[0], Last: decoded[len(decoded)-1], Length: length}, nil

	case LayoutContiguous:
		first, err := d.readContiguousElement(ctx, 0)
		if err != nil {
			return nil, err
		}
		last, err := d.readContiguousElement(ctx, length-1)
		if err != nil {
			return nil, err
		}
		return &Endpoints{First: first, Last: last, Length: length}, nil

	case LayoutChunked:
		first, err := d.readChunkedElement(ctx, 0)
		if err != nil {
			return nil, err
		}
		last, err := d.readChunkedElement(ctx, length-1)
		if err != nil {
			return nil, err
		}
		return &Endpoints{First: first, Last: last, Length: length}, nil
	}
	return nil, nil
}

func (d *Dataset) readContiguousElement(ctx context.Context, index uint64) (float32, error) {
	offset := int64(d.dataAddress) + int64(index)*int64(d.elemSize)
	raw, err := d.r.src.FetchData(ctx, offset, int64(d.elemSize))
	if err != nil {
		return 0, err
	}
	decoded, err := typeconv.DecodeFloat32(d.datatype, raw)
	if err != nil {
		return 0, err
	}
	if len(decoded) == 0 {
		return 0, errs.New(errs.KindTruncated, "empty element decode").WithPath(d.path)
	}
	return decoded[0], nil
}

func (d *Dataset) readChunkedElement(ctx context.Context, index uint64) (float32, error) {
	if len(d.chunkDims) == 0 || d.chunkDims[0] == 0 {
		return 0, errs.New(errs.KindNotChunked, "dataset has no chunk shape").WithPath(d.path)
	}
	chunkLen := uint64(d.chunkDims[0])
	chunkIdx := index / chunkLen
	data, err := d.ReadChunk(ctx, chunkIdx, 0)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil // sparse chunk reads as the zero fill
	}
	within := int(index % chunkLen)
	stride := 1
	if d.dtype.IsComplex() {
		stride = 2
	}
	if within*stride >= len(data) {
		return 0, errs.New(errs.KindTruncated, fmt.Sprintf("element %d outside decoded chunk", index)).WithPath(d.path)
	}
	return data[within*stride], nil
}
