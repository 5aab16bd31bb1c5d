package trap

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"

	"github.com/gogpu/emubuf/guest"
)

// Trap manager errors.
var (
	// ErrUnknownHandle is returned when a handle does not name a live trap.
	ErrUnknownHandle = errors.New("trap: unknown trap handle")

	// ErrOverlappingTrap is returned when a new trap overlaps an existing one.
	ErrOverlappingTrap = errors.New("trap: region overlaps an existing trap")
)

// regionTrap is the installed state for one trap.
type regionTrap struct {
	rng      guest.Range
	coherent func()
	read     func() Result
	write    func() Result
}

// GuestManager implements Manager over a single guest address space.
//
// Protection state is tracked per host page in two bitsets; the host-side
// primary mapping is mprotected to match so native accesses that bypass the
// emulator dispatch fault instead of silently racing the tracked state.
type GuestManager struct {
	space    *guest.AddressSpace
	pageSize uint64

	mu         sync.Mutex
	traps      map[Handle]*regionTrap
	readArmed  *bitset.BitSet
	writeArmed *bitset.BitSet
	nextHandle Handle
}

// NewGuestManager creates a trap manager over the given address space.
func NewGuestManager(space *guest.AddressSpace) *GuestManager {
	pageSize := uint64(os.Getpagesize())
	pages := uint(space.Size() / pageSize)
	return &GuestManager{
		space:      space,
		pageSize:   pageSize,
		traps:      make(map[Handle]*regionTrap),
		readArmed:  bitset.New(pages),
		writeArmed: bitset.New(pages),
		nextHandle: 1,
	}
}

// pageSpan returns the page-aligned extent of a range as [first, last) pages.
func (m *GuestManager) pageSpan(r guest.Range) (first, last uint64) {
	first = r.Offset / m.pageSize
	last = (r.End() + m.pageSize - 1) / m.pageSize
	return first, last
}

// alignedBytes returns the primary-mapping slice of the page-aligned extent.
func (m *GuestManager) alignedBytes(r guest.Range) []byte {
	first, last := m.pageSpan(r)
	return m.space.Bytes()[first*m.pageSize : last*m.pageSize]
}

// CreateTrap installs callbacks over a guest range. No protection is armed
// until the first TrapRegions call; a freshly trapped region behaves as
// CPU-owned memory.
func (m *GuestManager) CreateTrap(r guest.Range, coherent func(), read func() Result, write func() Result) (Handle, error) {
	if r.End() > m.space.Size() {
		return 0, fmt.Errorf("trap: range [%#x, %#x) exceeds guest memory", r.Offset, r.End())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.traps {
		if t.rng.Overlaps(r) {
			return 0, fmt.Errorf("%w: [%#x, %#x)", ErrOverlappingTrap, r.Offset, r.End())
		}
	}

	h := m.nextHandle
	m.nextHandle++
	m.traps[h] = &regionTrap{rng: r, coherent: coherent, read: read, write: write}
	return h, nil
}

// TrapRegions re-arms protection over the trap's pages.
func (m *GuestManager) TrapRegions(h Handle, writeOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.traps[h]
	if !ok {
		return ErrUnknownHandle
	}

	first, last := m.pageSpan(t.rng)
	for p := first; p < last; p++ {
		m.writeArmed.Set(uint(p))
		if writeOnly {
			m.readArmed.Clear(uint(p))
		} else {
			m.readArmed.Set(uint(p))
		}
	}

	prot := unix.PROT_READ
	if !writeOnly {
		prot = unix.PROT_NONE
	}
	if err := unix.Mprotect(m.alignedBytes(t.rng), prot); err != nil {
		return fmt.Errorf("trap: protecting [%#x, %#x): %w", t.rng.Offset, t.rng.End(), err)
	}
	return nil
}

// PageOutRegions releases the physical backing of the trap's pages.
func (m *GuestManager) PageOutRegions(h Handle) error {
	m.mu.Lock()
	t, ok := m.traps[h]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	first, last := m.pageSpan(t.rng)
	return m.space.ReleaseRange(guest.Range{Offset: first * m.pageSize, Size: (last - first) * m.pageSize})
}

// DeleteTrap removes a trap and restores full access to its pages.
// Removing an unknown handle is a no-op.
func (m *GuestManager) DeleteTrap(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.traps[h]
	if !ok {
		return
	}
	delete(m.traps, h)

	first, last := m.pageSpan(t.rng)
	for p := first; p < last; p++ {
		m.readArmed.Clear(uint(p))
		m.writeArmed.Clear(uint(p))
	}
	if err := unix.Mprotect(m.alignedBytes(t.rng), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		logger().Warn("failed to restore protection on trap delete",
			"offset", t.rng.Offset, "size", t.rng.Size, "err", err)
	}
}

// HandleAccess delivers a guest access at the given offset.
//
// Returns Handled when the access may proceed (including offsets with no
// trap or unarmed pages), Retry when the responsible callback hit lock
// contention and the access must be delivered again, and Fatal when the
// callback reported an unrecoverable defect.
func (m *GuestManager) HandleAccess(offset uint64, isWrite bool) Result {
	m.mu.Lock()
	var t *regionTrap
	for _, cand := range m.traps {
		if offset >= cand.rng.Offset && offset < cand.rng.End() {
			t = cand
			break
		}
	}
	if t == nil {
		m.mu.Unlock()
		return Handled
	}
	page := uint(offset / m.pageSize)
	armed := m.readArmed.Test(page)
	if isWrite {
		armed = m.writeArmed.Test(page)
	}
	if !armed {
		m.mu.Unlock()
		return Handled
	}
	coherent, callback := t.coherent, t.read
	if isWrite {
		callback = t.write
	}
	rng := t.rng
	m.mu.Unlock()

	// Callbacks take buffer locks; the manager lock must not be held here.
	coherent()
	res := callback()
	if res != Handled {
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := m.pageSpan(rng)
	prot := unix.PROT_READ | unix.PROT_WRITE
	for p := first; p < last; p++ {
		m.readArmed.Clear(uint(p))
		if isWrite {
			m.writeArmed.Clear(uint(p))
		} else if m.writeArmed.Test(uint(p)) {
			prot = unix.PROT_READ
		}
	}
	if err := unix.Mprotect(m.alignedBytes(rng), prot); err != nil {
		logger().Warn("failed to lower protection after handled fault",
			"offset", offset, "write", isWrite, "err", err)
	}
	return Handled
}
