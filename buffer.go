// Package emubuf keeps an emulated machine's GPU-addressable memory and the
// host graphics device's buffer objects coherent.
//
// A Buffer owns one host backing resource and optionally mirrors a
// contiguous guest memory region. Guest CPU writes are observed through
// page-granularity traps; host GPU writes are tracked through fence cycles.
// A three-state dirty machine (Clean, CpuDirty, GpuDirty) records which side
// holds authoritative contents, and synchronization between the two sides is
// deferred until something actually needs the other view.
//
// Callers do not hold Buffers directly: they hold BufferViews, which resolve
// through a BufferDelegate so that buffers can be merged without
// invalidating outstanding handles.
package emubuf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/gogpu/emubuf/backend"
	"github.com/gogpu/emubuf/fence"
	"github.com/gogpu/emubuf/guest"
	"github.com/gogpu/emubuf/trap"
)

// InitialSequenceNumber is the sequence number all buffers start with.
const InitialSequenceNumber = 1

// ContextTag identifies the logical execution context holding a content
// lock. The zero tag disables tag-based lock elision.
type ContextTag uint64

// DirtyState describes which side holds authoritative buffer contents.
type DirtyState int

const (
	// Clean means guest mirror and host backing are in sync.
	Clean DirtyState = iota
	// CpuDirty means the guest mirror has modifications the backing lacks.
	CpuDirty
	// GpuDirty means the host backing has modifications the mirror lacks.
	GpuDirty
)

// String returns the string representation of a DirtyState.
func (s DirtyState) String() string {
	switch s {
	case Clean:
		return "Clean"
	case CpuDirty:
		return "CpuDirty"
	case GpuDirty:
		return "GpuDirty"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// BackingImmutability describes how the host backing may currently be
// accessed from the CPU.
type BackingImmutability int

const (
	// ImmutabilityNone allows free CPU reads and writes of the backing.
	ImmutabilityNone BackingImmutability = iota
	// ImmutabilitySequencedWrites forbids sequenced CPU writes to the
	// backing (it is being read directly on the GPU); non-sequenced writes
	// such as host synchronization may still occur.
	ImmutabilitySequencedWrites
	// ImmutabilityAllWrites forbids every CPU write to the backing; writes
	// must be sequenced on the GPU or delayed.
	ImmutabilityAllWrites
)

// String returns the string representation of a BackingImmutability.
func (i BackingImmutability) String() string {
	switch i {
	case ImmutabilityNone:
		return "None"
	case ImmutabilitySequencedWrites:
		return "SequencedWrites"
	case ImmutabilityAllWrites:
		return "AllWrites"
	default:
		return fmt.Sprintf("Unknown(%d)", int(i))
	}
}

// Buffer is the unit of guest/host coherency: one host backing resource,
// optionally mirroring a guest memory region.
//
// Locking protocol: the content lock (Lock/TryLock/LockWithTag/Unlock)
// serializes mutations of the buffer contents and must be held by callers
// of every operation below unless noted otherwise. The metadata lock
// guards the dirty state, backing immutability, fence cycle and sequence
// number; it is taken internally and is always acquired after (or
// independently of) the content lock, never the reverse. Trap callbacks
// only ever try-acquire either lock and release the metadata lock before
// attempting the content lock.
type Buffer struct {
	mu  sync.Mutex    // content lock
	tag atomic.Uint64 // ContextTag associated with the current content lock

	dev   backend.Device
	traps trap.Manager
	id    uint64

	backing backend.Buffer
	guest   guest.Region  // zero when host-only or invalidated
	mirror  *guest.Mirror // nil for host-only buffers

	trapHandle trap.Handle

	// stateMu is the metadata lock.
	stateMu      sync.Mutex
	dirtyState   DirtyState
	immutability BackingImmutability
	cycle        *fence.Cycle

	sequenceNumber      uint64
	everHadInlineUpdate bool

	megaTableShift uint
	megaTable      []megaBufferEntry

	delegate *BufferDelegate
	opts     Options
}

// NewBuffer creates a buffer mirroring the given guest region. The backing
// is sized to the region and the buffer starts CpuDirty: the guest holds
// the authoritative contents until the first host synchronization.
//
// Guest mappings are not live until SetupGuestMappings is called, so the
// buffer can be registered (and referenced weakly) before traps may fire.
func NewBuffer(dev backend.Device, traps trap.Manager, region guest.Region, id uint64, opts ...Option) (*Buffer, error) {
	if !region.Valid() {
		return nil, guest.ErrEmptyRegion
	}
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	backing, err := dev.AllocateBuffer(region.Size(), fmt.Sprintf("buffer-%d", id))
	if err != nil {
		return nil, fmt.Errorf("emubuf: allocating backing for buffer %d: %w", id, err)
	}

	b := &Buffer{
		dev:            dev,
		traps:          traps,
		id:             id,
		backing:        backing,
		guest:          region,
		dirtyState:     CpuDirty,
		sequenceNumber: InitialSequenceNumber,
		megaTableShift: megaBufferTableShift(region.Size(), &options),
		opts:           options,
	}
	b.megaTable = make([]megaBufferEntry, megaBufferTableLen(region.Size(), b.megaTableShift))
	b.delegate = newBufferDelegate(b)
	return b, nil
}

// NewHostOnlyBuffer creates a buffer with no guest mirror. It is always
// Clean: there is no guest side to ever be dirty against.
func NewHostOnlyBuffer(dev backend.Device, size uint64, id uint64, opts ...Option) (*Buffer, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	backing, err := dev.AllocateBuffer(size, fmt.Sprintf("buffer-%d", id))
	if err != nil {
		return nil, fmt.Errorf("emubuf: allocating backing for buffer %d: %w", id, err)
	}

	b := &Buffer{
		dev:            dev,
		id:             id,
		backing:        backing,
		dirtyState:     Clean,
		sequenceNumber: InitialSequenceNumber,
		opts:           options,
	}
	b.delegate = newBufferDelegate(b)
	return b, nil
}

// SetupGuestMappings creates the process-local mirror of the guest region
// and installs the access traps. Must be called once, after construction,
// before the buffer is used.
//
// The trap callbacks capture the buffer weakly: a trap firing after the
// buffer became unreachable is a no-op.
func (b *Buffer) SetupGuestMappings() error {
	mirror, err := b.guest.CreateMirror()
	if err != nil {
		return fmt.Errorf("emubuf: mirroring guest region for buffer %d: %w", b.id, err)
	}
	b.mirror = mirror

	w := weak.Make(b)
	handle, err := b.traps.CreateTrap(b.guest.Range(),
		func() {
			buf := w.Value()
			if buf == nil {
				return
			}
			buf.stateMu.Lock()
			blocked := buf.immutability == ImmutabilityAllWrites
			// The metadata lock must not be held while blocking on the
			// content lock, or other callbacks would deadlock behind it.
			buf.stateMu.Unlock()
			if blocked {
				// Serialize with in-progress GPU consumption of the backing
				// before the guest write is allowed to proceed. Acquiring the
				// content lock is the whole point; there is nothing to do
				// while holding it.
				buf.mu.Lock()
				buf.mu.Unlock() //nolint:staticcheck // empty critical section is intended
			}
		},
		func() trap.Result {
			buf := w.Value()
			if buf == nil {
				return trap.Handled
			}
			if !buf.stateMu.TryLock() {
				return trap.Retry
			}
			if buf.dirtyState != GpuDirty {
				// CpuDirty or Clean: the mirror is already readable.
				buf.stateMu.Unlock()
				return trap.Handled
			}
			if !buf.mu.TryLock() {
				buf.stateMu.Unlock()
				return trap.Retry
			}
			buf.synchronizeGuestLocked(true, false) // caller re-arms the trap
			buf.mu.Unlock()
			buf.stateMu.Unlock()
			return trap.Handled
		},
		func() trap.Result {
			buf := w.Value()
			if buf == nil {
				return trap.Handled
			}
			if !buf.stateMu.TryLock() {
				return trap.Retry
			}
			if buf.immutability != ImmutabilityAllWrites && buf.dirtyState != GpuDirty {
				// Fast path: nothing to copy, the guest simply becomes the
				// writer of record.
				buf.dirtyState = CpuDirty
				buf.stateMu.Unlock()
				return trap.Handled
			}
			if !buf.mu.TryLock() {
				buf.stateMu.Unlock()
				return trap.Retry
			}
			buf.waitOnFenceLocked()
			// Assume the buffer is dirty since what the guest writes is unknown.
			buf.synchronizeGuestLocked(true, false)
			buf.dirtyState = CpuDirty
			buf.mu.Unlock()
			buf.stateMu.Unlock()
			return trap.Handled
		},
	)
	if err != nil {
		mirror.Close()
		b.mirror = nil
		return fmt.Errorf("emubuf: installing trap for buffer %d: %w", b.id, err)
	}
	b.trapHandle = handle
	return nil
}

// ID returns the buffer's identifier.
func (b *Buffer) ID() uint64 {
	return b.id
}

// Backing returns the host backing resource of this buffer.
func (b *Buffer) Backing() backend.Buffer {
	return b.backing
}

// GuestRegion returns the mirrored guest region; the zero Region for
// host-only or invalidated buffers.
func (b *Buffer) GuestRegion() guest.Region {
	return b.guest
}

// GetBackingSpan returns the backing contents of a host-only buffer.
// Calling it on a guest-backed buffer is a contract violation since
// synchronization is handled internally for those.
func (b *Buffer) GetBackingSpan() []byte {
	if b.guest.Valid() {
		panic("emubuf: backing span requested on a guest-backed buffer")
	}
	return b.backing.Bytes()
}

// Lock acquires the content lock.
func (b *Buffer) Lock() {
	b.mu.Lock()
}

// TryLock attempts to acquire the content lock without blocking.
func (b *Buffer) TryLock() bool {
	return b.mu.TryLock()
}

// LockWithTag acquires the content lock and associates tag with it. If the
// lock is already tagged with an equal non-zero tag it is treated as held
// by the same logical context and LockWithTag returns false without
// blocking. All locks using the same tag must come from the same thread of
// control, since there will be only one corresponding Unlock.
func (b *Buffer) LockWithTag(tag ContextTag) bool {
	if tag != 0 && ContextTag(b.tag.Load()) == tag {
		return false
	}
	b.mu.Lock()
	b.tag.Store(uint64(tag))
	return true
}

// Unlock releases the content lock, clearing the lock tag and resetting
// the backing immutability.
func (b *Buffer) Unlock() {
	b.tag.Store(0)
	b.stateMu.Lock()
	b.immutability = ImmutabilityNone
	b.stateMu.Unlock()
	b.mu.Unlock()
}

// BlockSequencedCpuBackingWrites prevents sequenced CPU writes to the
// backing for the duration of the current context; they must be sequenced
// on the GPU instead. Requires the content lock.
func (b *Buffer) BlockSequencedCpuBackingWrites() {
	b.stateMu.Lock()
	if b.immutability == ImmutabilityNone {
		b.immutability = ImmutabilitySequencedWrites
	}
	b.stateMu.Unlock()
}

// BlockAllCpuBackingWrites prevents any CPU write to the backing for the
// duration of the current context. Requires the content lock.
func (b *Buffer) BlockAllCpuBackingWrites() {
	b.stateMu.Lock()
	b.immutability = ImmutabilityAllWrites
	b.stateMu.Unlock()
}

// SequencedCpuBackingWritesBlocked reports whether sequenced CPU writes to
// the backing are currently forbidden. Requires the content lock.
func (b *Buffer) SequencedCpuBackingWritesBlocked() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.sequencedWritesBlockedLocked()
}

// AllCpuBackingWritesBlocked reports whether every CPU write to the
// backing is currently forbidden. Requires the content lock.
func (b *Buffer) AllCpuBackingWritesBlocked() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.immutability == ImmutabilityAllWrites
}

// RequiresCycleAttach reports whether the orchestrator must attach its
// completion cycle to this buffer before ending the current submission.
// Alias of SequencedCpuBackingWritesBlocked, which is only ever set when
// the backing is consumed on the GPU in some form.
func (b *Buffer) RequiresCycleAttach() bool {
	return b.SequencedCpuBackingWritesBlocked()
}

// EverHadInlineUpdate reports whether the buffer ever received an inline
// Write. Requires the content lock.
func (b *Buffer) EverHadInlineUpdate() bool {
	return b.everHadInlineUpdate
}

func (b *Buffer) sequencedWritesBlockedLocked() bool {
	return b.immutability == ImmutabilitySequencedWrites || b.immutability == ImmutabilityAllWrites
}

// UpdateCycle attaches a new fence cycle for host work touching this
// buffer, chaining any previous cycle behind it so that waiting on the new
// cycle transitively waits on prior dependent work.
func (b *Buffer) UpdateCycle(newCycle *fence.Cycle) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	newCycle.ChainCycle(b.cycle)
	b.cycle = newCycle
}

// WaitOnFence blocks until any pending fence cycle signals, then clears
// it. Requires the content lock.
func (b *Buffer) WaitOnFence() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.waitOnFenceLocked()
}

func (b *Buffer) waitOnFenceLocked() {
	if b.cycle != nil {
		b.cycle.Wait()
		b.cycle = nil
	}
}

// PollFence polls any pending fence cycle, clearing it if signalled.
// Returns whether the buffer has no pending host work. Requires the
// content lock.
func (b *Buffer) PollFence() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.pollFenceLocked()
}

func (b *Buffer) pollFenceLocked() bool {
	if b.cycle == nil {
		return true
	}
	if b.cycle.Poll() {
		b.cycle = nil
		return true
	}
	return false
}

// Invalidate removes the guest mapping and deletes the trap backing this
// buffer. Outstanding views and delegates stay valid; only guest-side
// synchronization stops. Requires the content lock.
func (b *Buffer) Invalidate() {
	if b.trapHandle != 0 {
		b.traps.DeleteTrap(b.trapHandle)
		b.trapHandle = 0
	}
	// With no guest region every sync becomes a no-op, so a trap callback
	// that already fired but has not yet locked does nothing.
	b.guest = guest.Region{}
}

// Destroy tears the buffer down: the trap is removed, a final guest sync
// preserves any GPU-side data, the mirror is unmapped and the backing is
// released once pending host work completes.
func (b *Buffer) Destroy() {
	if b.trapHandle != 0 {
		b.traps.DeleteTrap(b.trapHandle)
		b.trapHandle = 0
	}
	b.SynchronizeGuest(true, false)
	b.guest = guest.Region{}
	if b.mirror != nil {
		if err := b.mirror.Close(); err != nil {
			logger().Warn("failed to unmap buffer mirror", "buffer", b.id, "err", err)
		}
		b.mirror = nil
	}
	b.WaitOnFence()
	b.backing.Destroy()
}

// GetView constructs a view over [offset, offset+size) of this buffer.
// Requires the content lock.
func (b *Buffer) GetView(offset, size uint64) BufferView {
	return BufferView{delegate: b.delegate, offset: offset, Size: size}
}

// TryGetView constructs a view over the given guest mapping if this
// buffer's guest region contains it, and an invalid view otherwise.
// Requires the content lock.
func (b *Buffer) TryGetView(mapping guest.Region) BufferView {
	if b.guest.Valid() && b.guest.Contains(mapping) {
		return b.GetView(mapping.Range().Offset-b.guest.Range().Offset, mapping.Size())
	}
	return BufferView{}
}
