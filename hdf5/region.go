package hdf5

import (
	"context"
	"fmt"

	"github.com/cloudhdf5/reader/internal/errs"
	"github.com/cloudhdf5/reader/internal/typeconv"
)

// Region is a dense row-major rectangle of decoded elements. For complex
// dtypes every element contributes two interleaved values, so Data holds
// Width*Height*2 floats.
type Region struct {
	Data   []float32
	Width  int
	Height int
}

// ReadRegion reads the rectangle of height x width elements whose
// top-left corner is (row, col). Pixels covered by sparse chunks read as
// zero. The result is deterministic: identical calls return identical
// buffers regardless of cache state.
func (d *Dataset) ReadRegion(ctx context.Context, row, col, height, width uint64) (*Region, error) {
	if err := d.r.ready(); err != nil {
		return nil, err
	}
	ctx, done := d.r.watchClose(ctx)
	defer done()

	if height == 0 || width == 0 {
		return nil, errs.New(errs.KindOutOfRange, "region height and width must be positive").WithPath(d.path)
	}

	rows, cols, err := d.planeExtent()
	if err != nil {
		return nil, err
	}
	if row+height > rows || col+width > cols {
		return nil, errs.New(errs.KindOutOfRange,
			fmt.Sprintf("region [%d:%d, %d:%d] exceeds dataset extent [%d, %d]",
				row, row+height, col, col+width, rows, cols)).WithPath(d.path)
	}

	switch d.layoutClass {
	case LayoutChunked:
		return d.readRegionChunked(ctx, row, col, height, width)
	case LayoutContiguous, LayoutCompact:
		return d.readRegionLinear(ctx, row, col, height, width, cols)
	default:
		return nil, errs.New(errs.KindUnsupported, "unhandled data layout").WithPath(d.path)
	}
}

// planeExtent maps the dataspace to the 2-D plane region reads operate
// on: rank 1 reads as a single column, rank >= 2 uses the leading two
// dimensions.
func (d *Dataset) planeExtent() (rows, cols uint64, err error) {
	switch len(d.shape) {
	case 0:
		return 0, 0, errs.New(errs.KindNotFound, "scalar dataset has no region extent").WithPath(d.path)
	case 1:
		return d.shape[0], 1, nil
	default:
		return d.shape[0], d.shape[1], nil
	}
}

func (d *Dataset) stride() int {
	if d.dtype.IsComplex() {
		return 2
	}
	return 1
}

func (d *Dataset) readRegionChunked(ctx context.Context, row, col, height, width uint64) (*Region, error) {
	c0 := uint64(d.chunkDims[0])
	c1 := uint64(1)
	if len(d.chunkDims) >= 2 {
		c1 = uint64(d.chunkDims[1])
	}
	if c0 == 0 || c1 == 0 {
		return nil, errs.New(errs.KindNotChunked, "zero-sized chunk shape").WithPath(d.path)
	}

	firstRow, lastRow := row/c0, (row+height-1)/c0
	firstCol, lastCol := col/c1, (col+width-1)/c1

	var coords []ChunkCoord
	for cr := firstRow; cr <= lastRow; cr++ {
		for cc := firstCol; cc <= lastCol; cc++ {
			coords = append(coords, ChunkCoord{Row: cr, Col: cc})
		}
	}

	chunks, err := d.ReadChunksBatch(ctx, coords)
	if err != nil {
		return nil, err
	}

	stride := d.stride()
	out := make([]float32, height*width*uint64(stride))

	for _, c := range coords {
		decoded := chunks[c.key()]
		if decoded == nil {
			continue // sparse: stays zero
		}

		// Intersection of this chunk with the requested rectangle, in
		// absolute element coordinates.
		chunkTop := c.Row * c0
		chunkLeft := c.Col * c1
		top := maxU64(row, chunkTop)
		left := maxU64(col, chunkLeft)
		bottom := minU64(row+height, chunkTop+c0)
		right := minU64(col+width, chunkLeft+c1)

		for r := top; r < bottom; r++ {
			srcBase := ((r-chunkTop)*c1 + (left - chunkLeft)) * uint64(stride)
			dstBase := ((r-row)*width + (left - col)) * uint64(stride)
			n := (right - left) * uint64(stride)
			if srcBase+n > uint64(len(decoded)) {
				d.r.logger.Warn().Str("path", d.path).Msg("decoded chunk shorter than chunk shape; truncating row copy")
				if srcBase >= uint64(len(decoded)) {
					break
				}
				n = uint64(len(decoded)) - srcBase
			}
			copy(out[dstBase:dstBase+n], decoded[srcBase:srcBase+n])
		}
	}

	return &Region{Data: out, Width: int(width), Height: int(height)}, nil
}

// readRegionLinear serves region reads against compact and contiguous
// layouts: one span from the first to the last requested element, sliced
// into rows locally.
func (d *Dataset) readRegionLinear(ctx context.Context, row, col, height, width, cols uint64) (*Region, error) {
	elem := uint64(d.elemSize)
	firstElem := row*cols + col
	lastElem := (row+height-1)*cols + col + width // exclusive

	var raw []byte
	switch d.layoutClass {
	case LayoutCompact:
		if lastElem*elem > uint64(len(d.compactData)) {
			return nil, errs.New(errs.KindTruncated, "compact payload shorter than dataspace").WithPath(d.path)
		}
		raw = d.compactData[firstElem*elem : lastElem*elem]
	case LayoutContiguous:
		offset := int64(d.dataAddress) + int64(firstElem*elem)
		length := int64((lastElem - firstElem) * elem)
		data, err := d.r.src.FetchData(ctx, offset, length)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	decoded, err := typeconv.DecodeFloat32(d.datatype, raw)
	if err != nil {
		return nil, err
	}

	stride := d.stride()
	out := make([]float32, height*width*uint64(stride))
	for r := uint64(0); r < height; r++ {
		srcBase := (r * cols) * uint64(stride)
		dstBase := (r * width) * uint64(stride)
		n := width * uint64(stride)
		if srcBase+n > uint64(len(decoded)) {
			return nil, errs.New(errs.KindTruncated, "decoded span shorter than requested region").WithPath(d.path)
		}
		copy(out[dstBase:dstBase+n], decoded[srcBase:srcBase+n])
	}

	return &Region{Data: out, Width: int(width), Height: int(height)}, nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
