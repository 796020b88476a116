package message

import (
	"fmt"

	binpkg "github.com/cloudhdf5/reader/internal/bufreader"
)

// LinkInfo is the v2-group link-info message (type 0x0002): it points at
// the fractal heap and v2 B-tree that hold a "new style" group's dense
// links, replacing the v1 local-heap-plus-symbol-table-B-tree pair.
type LinkInfo struct {
	Version                uint8
	Flags                  uint8
	MaxCreationIndex       uint64
	FractalHeapAddress     uint64
	NameBTreeAddress       uint64
	CreationOrderBTreeAddr uint64
}

func (m *LinkInfo) Type() Type { return TypeLinkInfo }

// HasDenseStorage reports whether the group's links live in the fractal
// heap (FractalHeapAddress is a real address) rather than compactly as
// Link messages directly in the object header.
func (m *LinkInfo) HasDenseStorage(undefined func(uint64) bool) bool {
	return !undefined(m.FractalHeapAddress)
}

func parseLinkInfo(data []byte, r *binpkg.Reader) (*LinkInfo, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("link info message too short")
	}
	li := &LinkInfo{Version: data[0], Flags: data[1]}
	offset := 2

	trackCreationOrder := li.Flags&0x01 != 0
	indexCreationOrder := li.Flags&0x02 != 0

	if trackCreationOrder {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("link info creation index truncated")
		}
		li.MaxCreationIndex = decodeUint(data[offset:offset+8], 8, r.ByteOrder())
		offset += 8
	}

	offsetSize := r.OffsetSize()
	if offset+offsetSize > len(data) {
		return nil, fmt.Errorf("link info fractal heap address truncated")
	}
	li.FractalHeapAddress = decodeUint(data[offset:offset+offsetSize], offsetSize, r.ByteOrder())
	offset += offsetSize

	if offset+offsetSize > len(data) {
		return nil, fmt.Errorf("link info name btree address truncated")
	}
	li.NameBTreeAddress = decodeUint(data[offset:offset+offsetSize], offsetSize, r.ByteOrder())
	offset += offsetSize

	if indexCreationOrder {
		if offset+offsetSize > len(data) {
			return nil, fmt.Errorf("link info creation order btree address truncated")
		}
		li.CreationOrderBTreeAddr = decodeUint(data[offset:offset+offsetSize], offsetSize, r.ByteOrder())
		offset += offsetSize
	}

	return li, nil
}
