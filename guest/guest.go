// Package guest models the emulated machine's GPU-addressable memory.
//
// An AddressSpace is a single contiguous memfd-backed mapping that stands in
// for the guest's physical memory. Because the backing is a file, arbitrary
// sub-ranges can be mapped a second time into the host process ("mirrors"),
// giving linear CPU access to a guest region through an alias that shares
// physical pages with the primary mapping.
package guest

// Range identifies a byte range inside an AddressSpace.
type Range struct {
	Offset uint64
	Size   uint64
}

// End returns the first offset past the range.
func (r Range) End() uint64 {
	return r.Offset + r.Size
}

// Contains reports whether other lies entirely within r.
func (r Range) Contains(other Range) bool {
	return other.Offset >= r.Offset && other.End() <= r.End()
}

// Overlaps reports whether r and other share at least one byte.
func (r Range) Overlaps(other Range) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

// Union returns the smallest range covering both r and other.
func (r Range) Union(other Range) Range {
	start := r.Offset
	if other.Offset < start {
		start = other.Offset
	}
	end := r.End()
	if other.End() > end {
		end = other.End()
	}
	return Range{Offset: start, Size: end - start}
}
