package emubuf

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/gogpu/emubuf/backend"
	"github.com/gogpu/emubuf/guest"
	"github.com/gogpu/emubuf/trap"
)

// bufferEntry indexes one live buffer by its guest range. Entries in the
// manager's tree are always disjoint.
type bufferEntry struct {
	start, end uint64
	buf        *Buffer
}

func bufferEntryLess(a, b bufferEntry) bool {
	return a.start < b.start
}

// BufferManager tracks all guest-backed buffers of a device and hands out
// views over guest mappings. Mappings that overlap existing buffers cause
// the overlapped buffers to be merged into one enclosing buffer; views of
// the old buffers keep working through their delegates.
type BufferManager struct {
	dev   backend.Device
	space *guest.AddressSpace
	traps trap.Manager
	opts  []Option

	pageSize uint64
	nextTag  atomic.Uint64

	mu      sync.Mutex
	buffers *btree.BTreeG[bufferEntry]
	nextID  uint64
}

// NewBufferManager creates a manager for buffers mirroring space on dev.
func NewBufferManager(dev backend.Device, space *guest.AddressSpace, traps trap.Manager, opts ...Option) *BufferManager {
	return &BufferManager{
		dev:      dev,
		space:    space,
		traps:    traps,
		opts:     opts,
		pageSize: uint64(os.Getpagesize()),
		buffers:  btree.NewG(16, bufferEntryLess),
	}
}

// NextTag allocates a fresh non-zero context tag for lock tagging.
func (m *BufferManager) NextTag() ContextTag {
	return ContextTag(m.nextTag.Add(1))
}

// Count returns the number of live buffers.
func (m *BufferManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers.Len()
}

// overlapsLocked collects all buffers overlapping r. Requires m.mu.
func (m *BufferManager) overlapsLocked(r guest.Range) []bufferEntry {
	var out []bufferEntry
	// The entry preceding r may extend into it.
	m.buffers.DescendLessOrEqual(bufferEntry{start: r.Offset}, func(e bufferEntry) bool {
		if e.end > r.Offset {
			out = append(out, e)
		}
		return false
	})
	m.buffers.AscendGreaterOrEqual(bufferEntry{start: r.Offset + 1}, func(e bufferEntry) bool {
		if e.start >= r.End() {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// alignRange expands r to host page boundaries. Buffer guest ranges are
// page aligned so their access traps never share a page.
func (m *BufferManager) alignRange(r guest.Range) guest.Range {
	start := r.Offset &^ (m.pageSize - 1)
	end := (r.End() + m.pageSize - 1) &^ (m.pageSize - 1)
	return guest.Range{Offset: start, Size: end - start}
}

// FindOrCreate returns a view over the given guest mapping, creating or
// merging buffers as needed. The returned view is unlocked.
func (m *BufferManager) FindOrCreate(mapping guest.Region) (BufferView, error) {
	if !mapping.Valid() {
		return BufferView{}, guest.ErrEmptyRegion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	overlaps := m.overlapsLocked(mapping.Range())

	// Fast path: an existing buffer already contains the whole mapping.
	if len(overlaps) == 1 && overlaps[0].buf.GuestRegion().Contains(mapping) {
		buf := overlaps[0].buf
		buf.Lock()
		view := buf.TryGetView(mapping)
		buf.Unlock()
		return view, nil
	}

	buf, err := m.recreateLocked(mapping.Range(), overlaps)
	if err != nil {
		return BufferView{}, err
	}

	buf.Lock()
	view := buf.TryGetView(mapping)
	buf.Unlock()
	return view, nil
}

// recreateLocked replaces overlaps with one buffer enclosing them and r.
// Requires m.mu.
func (m *BufferManager) recreateLocked(r guest.Range, overlaps []bufferEntry) (*Buffer, error) {
	union := m.alignRange(r)
	for _, e := range overlaps {
		union = union.Union(guest.Range{Offset: e.start, Size: e.end - e.start})
	}
	region, err := m.space.Region(union.Offset, union.Size)
	if err != nil {
		return nil, fmt.Errorf("emubuf: resolving merged region: %w", err)
	}

	// Quiesce the old buffers: with content locks held, flush any GPU-side
	// data back to guest memory and drop their traps. Guest memory then
	// holds the authoritative contents of the whole union.
	hadInlineUpdate := false
	for _, e := range overlaps {
		e.buf.Lock()
		e.buf.SynchronizeGuest(true, false)
		e.buf.Invalidate()
		hadInlineUpdate = hadInlineUpdate || e.buf.everHadInlineUpdate
	}

	m.nextID++
	buf, err := NewBuffer(m.dev, m.traps, region, m.nextID, m.opts...)
	if err == nil {
		err = buf.SetupGuestMappings()
		if err != nil {
			buf.Destroy()
		}
	}
	if err != nil {
		for _, e := range overlaps {
			e.buf.Unlock()
		}
		return nil, err
	}
	buf.everHadInlineUpdate = hadInlineUpdate

	// Redirect the old buffers' delegates so outstanding views converge on
	// the new buffer, then retire the old entries.
	buf.Lock()
	for _, e := range overlaps {
		e.buf.delegate.Link(buf.delegate, e.start-union.Offset)
		m.buffers.Delete(e)
		e.buf.Unlock()
		// Nothing resolves to the old buffer anymore; release its backing
		// and mirror. Spans handed out from it died with the content locks
		// this merge took.
		e.buf.Destroy()
	}
	buf.Unlock()

	m.buffers.ReplaceOrInsert(bufferEntry{start: union.Offset, end: union.End(), buf: buf})
	logger().Debug("buffer recreated", "buffer", buf.ID(), "start", union.Offset, "size", union.Size, "merged", len(overlaps))
	return buf, nil
}

// Close destroys every live buffer. Outstanding views become invalid.
func (m *BufferManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers.Ascend(func(e bufferEntry) bool {
		e.buf.Destroy()
		return true
	})
	m.buffers.Clear(false)
}
