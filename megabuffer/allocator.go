// Package megabuffer provides a ring allocator for short-lived host buffer
// regions tied to a submission and its completion fence.
//
// Pushing data returns an allocation inside a large chunk buffer; the chunk
// is considered busy until the cycle associated with its last push signals,
// after which it is recycled. Allocations are a fast path that lets callers
// bind freshly copied data instead of recording GPU-side copy commands.
package megabuffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/emubuf/backend"
	"github.com/gogpu/emubuf/fence"
)

// Allocator errors.
var (
	// ErrExhausted is returned when no chunk can hold the allocation and the
	// chunk limit has been reached. Failing loudly beats corrupting live data.
	ErrExhausted = errors.New("megabuffer: allocator capacity exhausted")

	// ErrEmptyPush is returned when pushing an empty region.
	ErrEmptyPush = errors.New("megabuffer: empty source region")
)

const (
	// DefaultChunkSize is the default chunk buffer size (4 MiB).
	DefaultChunkSize = 4 << 20

	// DefaultMaxChunks is the default chunk count limit.
	DefaultMaxChunks = 16

	// allocationAlignment keeps allocations usable as uniform/storage
	// bindings on common hardware.
	allocationAlignment = 0x100
)

// Allocation is a region pushed into the megabuffer.
// The zero Allocation is invalid.
type Allocation struct {
	// Buffer is the chunk buffer holding the copy.
	Buffer backend.Buffer

	// Offset is the byte offset of the copy inside Buffer.
	Offset uint64

	// Region is the host-visible slice of the copy.
	Region []byte
}

// Valid reports whether the allocation refers to a chunk.
func (a Allocation) Valid() bool {
	return a.Buffer != nil
}

// chunk is one ring segment.
type chunk struct {
	buf   backend.Buffer
	head  uint64
	cycle *fence.Cycle
}

// free reports whether the chunk can be recycled.
func (c *chunk) free() bool {
	return c.cycle == nil || c.cycle.Poll()
}

// Allocator hands out short-lived regions from a ring of chunk buffers.
type Allocator struct {
	dev       backend.Device
	chunkSize uint64
	maxChunks int

	mu     sync.Mutex
	chunks []*chunk
	active int
}

// NewAllocator creates an allocator on the given device.
func NewAllocator(dev backend.Device) *Allocator {
	return &Allocator{
		dev:       dev,
		chunkSize: DefaultChunkSize,
		maxChunks: DefaultMaxChunks,
		active:    -1,
	}
}

// Push copies src into a fresh slot of the ring and associates the slot's
// chunk with cycle. The returned allocation stays valid until the cycle
// signals. When trackCompletion is set, the chunk buffer's lifetime is also
// attached to the cycle.
func (a *Allocator) Push(cycle *fence.Cycle, src []byte, trackCompletion bool) (Allocation, error) {
	if len(src) == 0 {
		return Allocation{}, ErrEmptyPush
	}
	size := uint64(len(src))

	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.reserve(size)
	if err != nil {
		return Allocation{}, err
	}

	offset := (c.head + allocationAlignment - 1) &^ (allocationAlignment - 1)
	c.head = offset + size
	c.cycle = cycle

	copy(c.buf.Bytes()[offset:offset+size], src)
	c.buf.Flush(offset, size)

	if trackCompletion && cycle != nil {
		cycle.AttachObject(c.buf)
	}

	return Allocation{
		Buffer: c.buf,
		Offset: offset,
		Region: c.buf.Bytes()[offset : offset+size],
	}, nil
}

// reserve returns a chunk with room for an aligned allocation of size bytes.
func (a *Allocator) reserve(size uint64) (*chunk, error) {
	if a.active >= 0 {
		c := a.chunks[a.active]
		if aligned := (c.head + allocationAlignment - 1) &^ (allocationAlignment - 1); aligned+size <= c.buf.Size() {
			return c, nil
		}
	}

	// Recycle a chunk whose work has completed.
	for i, c := range a.chunks {
		if i != a.active && c.free() && size <= c.buf.Size() {
			c.head = 0
			c.cycle = nil
			a.active = i
			return c, nil
		}
	}

	if len(a.chunks) >= a.maxChunks {
		return nil, fmt.Errorf("%w: %d chunks of %d bytes", ErrExhausted, len(a.chunks), a.chunkSize)
	}

	chunkSize := a.chunkSize
	if size > chunkSize {
		chunkSize = size
	}
	buf, err := a.dev.AllocateBuffer(chunkSize, fmt.Sprintf("megabuffer-chunk-%d", len(a.chunks)))
	if err != nil {
		return nil, fmt.Errorf("megabuffer: allocating chunk: %w", err)
	}
	a.chunks = append(a.chunks, &chunk{buf: buf})
	a.active = len(a.chunks) - 1
	return a.chunks[a.active], nil
}

// Close destroys all chunk buffers after their cycles signal.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		if c.cycle != nil {
			c.cycle.Wait()
		}
		c.buf.Destroy()
	}
	a.chunks = nil
	a.active = -1
}
