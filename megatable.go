package emubuf

import (
	"math/bits"

	"github.com/gogpu/emubuf/backend"
	"github.com/gogpu/emubuf/fence"
	"github.com/gogpu/emubuf/megabuffer"
)

// BufferBinding describes a range of a backend buffer ready to be bound for
// GPU consumption. The zero BufferBinding is invalid.
type BufferBinding struct {
	Buffer backend.Buffer
	Offset uint64
	Size   uint64
}

// Valid reports whether the binding refers to a buffer.
func (bb BufferBinding) Valid() bool {
	return bb.Buffer != nil
}

// megaBufferEntry caches one shard's megabuffer allocation. The allocation
// is reused only while the execution and the buffer contents it was copied
// from are both unchanged.
type megaBufferEntry struct {
	allocation      megabuffer.Allocation
	executionNumber uint64
	sequenceNumber  uint64
}

// megaBufferTableShift picks the shard granularity: the smallest power of
// two that covers the buffer with at most MegaBufferTableMaxEntries shards,
// floored at MegaBufferTableShiftMin.
func megaBufferTableShift(size uint64, opts *Options) uint {
	shift := opts.MegaBufferTableShiftMin
	if per := size / opts.MegaBufferTableMaxEntries; per > 1 {
		if s := uint(bits.Len64(per - 1)); s > shift {
			shift = s
		}
	}
	return shift
}

// megaBufferTableLen returns the shard count for a buffer of the given
// size. Always at least one so zero-extent views still have a slot.
func megaBufferTableLen(size uint64, shift uint) uint64 {
	n := (size + (1 << shift) - 1) >> shift
	if n == 0 {
		n = 1
	}
	return n
}

// TryMegaBufferView pushes the current contents of [offset, offset+size)
// into the megabuffer and returns a binding for them, reusing a cached
// allocation when the shard was already pushed for this execution with the
// same contents. Returns an invalid binding when megabuffering is not
// worthwhile for this buffer or would require blocking on pending host
// work. Requires the content lock.
func (b *Buffer) TryMegaBufferView(cycle *fence.Cycle, allocator *megabuffer.Allocator, executionNumber uint64, offset, size uint64) BufferBinding {
	if !b.SynchronizeGuest(false, true) {
		// Megabuffering the stale mirror of a GpuDirty buffer would bind
		// outdated contents.
		return BufferBinding{}
	}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	// Frequently synced buffers and buffers with inline updates benefit from
	// megabuffering since their backing keeps being invalidated anyway;
	// everything else binds the backing directly.
	if !b.everHadInlineUpdate && b.sequenceNumber < InitialSequenceNumber+b.opts.FrequentlySyncedThreshold {
		return BufferBinding{}
	}
	if size > b.opts.MegaBufferingDisableThreshold {
		return BufferBinding{}
	}

	entryIdx := offset >> b.megaTableShift
	shardOffset := entryIdx << b.megaTableShift
	viewOffset := offset - shardOffset
	entry := &b.megaTable[entryIdx]

	stale := !entry.allocation.Valid() ||
		entry.executionNumber != executionNumber ||
		entry.sequenceNumber != b.sequenceNumber ||
		uint64(len(entry.allocation.Region)) < viewOffset+size
	if stale {
		allocSize := viewOffset + size
		if prev := uint64(len(entry.allocation.Region)); prev > allocSize {
			// Keep the larger extent so earlier views of this shard stay
			// covered by the refreshed allocation.
			allocSize = prev
		}
		if limit := uint64(len(b.mirror.Bytes())) - shardOffset; allocSize > limit {
			allocSize = limit
		}

		alloc, err := allocator.Push(cycle, b.mirror.Bytes()[shardOffset:shardOffset+allocSize], true)
		if err != nil {
			logger().Warn("megabuffer push failed", "buffer", b.id, "size", allocSize, "err", err)
			return BufferBinding{}
		}
		entry.allocation = alloc
		entry.executionNumber = executionNumber
		entry.sequenceNumber = b.sequenceNumber
	}

	return BufferBinding{
		Buffer: entry.allocation.Buffer,
		Offset: entry.allocation.Offset + viewOffset,
		Size:   size,
	}
}
