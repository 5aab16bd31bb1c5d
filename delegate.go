package emubuf

import "sync/atomic"

// BufferDelegate is the level of indirection between views and buffers.
// Every buffer owns exactly one delegate; when buffers are merged, the old
// buffers' delegates are linked to the new buffer's delegate and views
// resolve through the chain.
//
// Linking requires the content locks of both buffers involved, but
// resolution is lock-free: views race resolution against relinking and
// re-check after locking (see BufferView).
type BufferDelegate struct {
	buffer atomic.Pointer[Buffer]
	link   atomic.Pointer[BufferDelegate]
	offset atomic.Uint64
}

func newBufferDelegate(b *Buffer) *BufferDelegate {
	d := &BufferDelegate{}
	d.buffer.Store(b)
	return d
}

// GetBuffer returns the buffer this delegate currently resolves to,
// following the link chain to its owning end.
func (d *BufferDelegate) GetBuffer() *Buffer {
	for {
		next := d.link.Load()
		if next == nil {
			return d.buffer.Load()
		}
		d = next
	}
}

// GetOffset returns the accumulated offset of this delegate inside the
// buffer it resolves to.
func (d *BufferDelegate) GetOffset() uint64 {
	var off uint64
	for {
		next := d.link.Load()
		if next == nil {
			return off + d.offset.Load()
		}
		off += d.offset.Load()
		d = next
	}
}

// Link redirects this delegate to target, placed at offset bytes inside
// target's buffer. The delegate stops owning its buffer. Both buffers'
// content locks must be held. Linking an already linked delegate is a
// merge-ordering bug, so it panics.
func (d *BufferDelegate) Link(target *BufferDelegate, offset uint64) {
	if d.link.Load() != nil {
		panic("emubuf: delegate is already linked")
	}
	// Offset first: a racing GetOffset that observes the link must also
	// observe the offset it contributes. The buffer pointer is left in
	// place so a racing GetBuffer that missed the link still returns the
	// pre-merge buffer instead of nil; view locking re-resolves after
	// acquisition and converges on the linked target.
	d.offset.Store(offset)
	d.link.Store(target)
}
