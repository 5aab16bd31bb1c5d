package guest

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// Address space errors.
var (
	// ErrSpaceClosed is returned when operating on a closed address space.
	ErrSpaceClosed = errors.New("guest: address space closed")

	// ErrOutOfRange is returned when a region lies outside the address space.
	ErrOutOfRange = errors.New("guest: region out of range")

	// ErrEmptyRegion is returned when a zero-sized region is requested.
	ErrEmptyRegion = errors.New("guest: empty region")
)

// AddressSpace is a contiguous guest memory area backed by a memfd.
//
// The primary mapping is what the emulated CPU reads and writes through the
// emulator's memory dispatch. Mirrors of sub-ranges can be created at any
// time; they alias the same physical pages.
type AddressSpace struct {
	mu     sync.Mutex
	file   *os.File
	mem    mmap.MMap
	size   uint64
	closed bool
}

// NewAddressSpace creates a guest address space of the given size.
// The size is rounded up to a whole number of host pages.
func NewAddressSpace(size uint64) (*AddressSpace, error) {
	if size == 0 {
		return nil, ErrEmptyRegion
	}
	pageSize := uint64(os.Getpagesize())
	size = (size + pageSize - 1) &^ (pageSize - 1)

	fd, err := unix.MemfdCreate("emubuf-guest", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("guest: memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "emubuf-guest")
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("guest: sizing guest memory: %w", err)
	}

	mem, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("guest: mapping guest memory: %w", err)
	}

	return &AddressSpace{file: f, mem: mem, size: size}, nil
}

// Size returns the size of the address space in bytes.
func (s *AddressSpace) Size() uint64 {
	return s.size
}

// Bytes returns the primary guest mapping.
// The slice aliases guest memory; writes through it are guest writes.
func (s *AddressSpace) Bytes() []byte {
	return s.mem
}

// Region returns a handle to the guest range [offset, offset+size).
func (s *AddressSpace) Region(offset, size uint64) (Region, error) {
	if size == 0 {
		return Region{}, ErrEmptyRegion
	}
	if offset+size > s.size || offset+size < offset {
		return Region{}, fmt.Errorf("%w: [%#x, %#x) in space of %#x bytes", ErrOutOfRange, offset, offset+size, s.size)
	}
	return Region{space: s, rng: Range{Offset: offset, Size: size}}, nil
}

// ReleaseRange returns the physical backing of a page-aligned guest range
// to the system. The range reads as zeroes afterwards; callers must only
// release ranges whose contents are no longer authoritative.
func (s *AddressSpace) ReleaseRange(r Range) error {
	if r.End() > s.size {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, r.Offset, r.End())
	}
	err := unix.Fallocate(int(s.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(r.Offset), int64(r.Size))
	if err != nil {
		return fmt.Errorf("guest: releasing [%#x, %#x): %w", r.Offset, r.End(), err)
	}
	return nil
}

// Close unmaps the primary mapping and releases the backing memfd.
// Outstanding mirrors must be closed by their owners first.
func (s *AddressSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.mem.Unmap(), s.file.Close())
}

// Region is a handle to a byte range of an AddressSpace.
// The zero Region is invalid.
type Region struct {
	space *AddressSpace
	rng   Range
}

// Valid reports whether the region refers to an address space.
func (r Region) Valid() bool {
	return r.space != nil
}

// Space returns the owning address space.
func (r Region) Space() *AddressSpace {
	return r.space
}

// Range returns the guest range this region covers.
func (r Region) Range() Range {
	return r.rng
}

// Size returns the region size in bytes.
func (r Region) Size() uint64 {
	return r.rng.Size
}

// Bytes returns the region's bytes in the primary guest mapping.
func (r Region) Bytes() []byte {
	return r.space.mem[r.rng.Offset:r.rng.End()]
}

// Contains reports whether other is a sub-range of r in the same space.
func (r Region) Contains(other Region) bool {
	return r.space == other.space && r.rng.Contains(other.rng)
}
