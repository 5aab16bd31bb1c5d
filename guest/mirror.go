package guest

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Mirror is a process-local alias mapping of a guest region.
//
// The aligned mapping covers the page-aligned superset of the region (page
// protection and page-out operate on it); Bytes is the exact sub-range the
// mirror was created for. Both alias the same physical pages as the primary
// guest mapping, so a write through either side is visible through the other.
type Mirror struct {
	aligned mmap.MMap
	data    []byte
}

// CreateMirror maps the region a second time into the host process.
// The caller owns the returned mirror and must Close it.
func (r Region) CreateMirror() (*Mirror, error) {
	if !r.Valid() {
		return nil, ErrEmptyRegion
	}
	pageSize := uint64(os.Getpagesize())
	alignedOff := r.rng.Offset &^ (pageSize - 1)
	alignedEnd := (r.rng.End() + pageSize - 1) &^ (pageSize - 1)

	aligned, err := mmap.MapRegion(r.space.file, int(alignedEnd-alignedOff), mmap.RDWR, 0, int64(alignedOff))
	if err != nil {
		return nil, fmt.Errorf("guest: mapping mirror for [%#x, %#x): %w", r.rng.Offset, r.rng.End(), err)
	}

	sub := r.rng.Offset - alignedOff
	return &Mirror{
		aligned: aligned,
		data:    aligned[sub : sub+r.rng.Size],
	}, nil
}

// Bytes returns the exact mirrored sub-range.
func (m *Mirror) Bytes() []byte {
	return m.data
}

// Aligned returns the page-aligned superset mapping.
func (m *Mirror) Aligned() []byte {
	return m.aligned
}

// Close unmaps the mirror. The primary guest mapping is unaffected.
func (m *Mirror) Close() error {
	if m.aligned == nil {
		return nil
	}
	err := m.aligned.Unmap()
	m.aligned = nil
	m.data = nil
	return err
}
