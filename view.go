package emubuf

import (
	"github.com/gogpu/emubuf/fence"
	"github.com/gogpu/emubuf/megabuffer"
)

// BufferView is a persistent handle to a range of a buffer. Views survive
// buffer merges: they hold a delegate rather than the buffer itself and
// re-resolve on every lock. The zero BufferView is invalid.
//
// All operations except the lock family require the view's buffer content
// lock to be held.
type BufferView struct {
	delegate *BufferDelegate
	offset   uint64

	// Size is the extent of the view in bytes.
	Size uint64
}

// Valid reports whether the view refers to a buffer.
func (v *BufferView) Valid() bool {
	return v != nil && v.delegate != nil
}

// lockWith acquires the content lock of the view's current buffer using
// acquire, re-resolving and retrying if the view was merged into another
// buffer between resolution and acquisition. acquire returns false to
// abandon the attempt (TryLock losing the race to another holder).
func (v *BufferView) lockWith(acquire func(*Buffer) bool) bool {
	for {
		pre := v.delegate.GetBuffer()
		if !acquire(pre) {
			return false
		}
		if v.delegate.GetBuffer() == pre {
			break
		}
		// Merged while blocked on the lock; the target owns the contents now.
		pre.Unlock()
	}
	v.resolveDelegate()
	return true
}

// resolveDelegate compresses the view's delegate chain down to the owning
// delegate, folding the chain offsets into the view offset. Requires the
// content lock, which pins the chain.
func (v *BufferView) resolveDelegate() {
	v.offset += v.delegate.GetOffset()
	v.delegate = v.delegate.GetBuffer().delegate
}

// Lock acquires the content lock of the buffer the view resolves to.
func (v *BufferView) Lock() {
	v.lockWith(func(b *Buffer) bool {
		b.Lock()
		return true
	})
}

// TryLock attempts to acquire the content lock without blocking.
func (v *BufferView) TryLock() bool {
	return v.lockWith((*Buffer).TryLock)
}

// LockWithTag acquires the content lock with a context tag, returning
// whether this call actually took the lock rather than finding it already
// held with the same tag.
func (v *BufferView) LockWithTag(tag ContextTag) bool {
	first := false
	v.lockWith(func(b *Buffer) bool {
		first = b.LockWithTag(tag)
		return true
	})
	return first
}

// Unlock releases the content lock.
func (v *BufferView) Unlock() {
	v.delegate.GetBuffer().Unlock()
}

// GetBuffer returns the buffer the view currently resolves to.
func (v *BufferView) GetBuffer() *Buffer {
	return v.delegate.GetBuffer()
}

// GetOffset returns the view's byte offset inside the buffer it currently
// resolves to.
func (v *BufferView) GetOffset() uint64 {
	return v.offset + v.delegate.GetOffset()
}

// Read copies view contents at readOffset into dst.
func (v *BufferView) Read(isFirstUsage bool, flush func(), dst []byte, readOffset uint64) {
	v.GetBuffer().Read(isFirstUsage, flush, dst, v.GetOffset()+readOffset)
}

// Write performs an inline sequenced write of src at writeOffset, returning
// true when the caller must instead repeat the write once it can be
// sequenced on the GPU. See Buffer.Write.
func (v *BufferView) Write(isFirstUsage bool, flush func(), src []byte, writeOffset uint64, gpuCopy func()) bool {
	return v.GetBuffer().Write(isFirstUsage, flush, src, v.GetOffset()+writeOffset, gpuCopy)
}

// AcquireMegaBuffer pushes the view contents into the megabuffer and
// returns a binding for them, or an invalid binding when megabuffering is
// not worthwhile. sizeOverride, when non-zero, bounds how much of the view
// is pushed.
func (v *BufferView) AcquireMegaBuffer(cycle *fence.Cycle, allocator *megabuffer.Allocator, executionNumber uint64, sizeOverride uint64) BufferBinding {
	size := v.Size
	if sizeOverride > 0 {
		size = sizeOverride
	}
	return v.GetBuffer().TryMegaBufferView(cycle, allocator, executionNumber, v.GetOffset(), size)
}

// GetReadOnlyBackingSpan returns the view's current contents for read-only
// use while the content lock is held.
func (v *BufferView) GetReadOnlyBackingSpan(isFirstUsage bool, flush func()) []byte {
	backing := v.GetBuffer().GetReadOnlyBackingSpan(isFirstUsage, flush)
	off := v.GetOffset()
	return backing[off : off+v.Size]
}
