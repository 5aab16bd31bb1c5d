package emubuf

// MarkGpuDirty marks the host backing as the authoritative copy: the GPU is
// about to write to it directly. Guest reads must fault and pull contents
// back, guest pages are released to the OS, and all CPU backing writes are
// blocked until the lock is released. Requires the content lock.
//
// No-op for host-only buffers and buffers that are already GpuDirty.
func (b *Buffer) MarkGpuDirty() {
	if !b.guest.Valid() {
		return
	}
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.dirtyState == GpuDirty {
		return
	}

	// Read+write traps first so the guest faults on any access from here on.
	if err := b.traps.TrapRegions(b.trapHandle, false); err != nil {
		logger().Warn("failed to trap guest region", "buffer", b.id, "err", err)
	}

	if b.dirtyState == CpuDirty {
		// Pending guest writes would be lost once the backing becomes
		// authoritative, flush them first.
		b.synchronizeHostLocked(true)
	}
	b.dirtyState = GpuDirty

	if err := b.traps.PageOutRegions(b.trapHandle); err != nil {
		logger().Warn("failed to page out guest region", "buffer", b.id, "err", err)
	}

	b.immutability = ImmutabilityAllWrites
	b.sequenceNumber++
}

// SynchronizeHost copies the guest mirror into the host backing if the
// buffer is CpuDirty. skipTrap leaves the guest trap state untouched for
// callers that manage it themselves. Requires the content lock.
func (b *Buffer) SynchronizeHost(skipTrap bool) {
	if !b.guest.Valid() {
		return
	}
	b.stateMu.Lock()
	b.synchronizeHostLocked(skipTrap)
	b.stateMu.Unlock()
}

// synchronizeHostLocked requires stateMu.
func (b *Buffer) synchronizeHostLocked(skipTrap bool) {
	if b.dirtyState != CpuDirty || !b.guest.Valid() {
		return
	}
	logger().Debug("synchronizing host", "buffer", b.id, "size", b.guest.Size())

	b.dirtyState = Clean
	// Writes to the backing must not race pending GPU reads of it.
	b.waitOnFenceLocked()
	b.sequenceNumber++

	// Re-arm the write trap before the copy: a guest write landing after the
	// copy must fault so it marks the buffer CpuDirty again. A write landing
	// between re-arm and copy re-faults and is simply copied twice.
	if !skipTrap {
		if err := b.traps.TrapRegions(b.trapHandle, true); err != nil {
			logger().Warn("failed to trap guest region", "buffer", b.id, "err", err)
		}
	}

	copy(b.backing.Bytes(), b.mirror.Bytes())
	b.backing.Flush(0, b.guest.Size())
}

// SynchronizeGuest copies the host backing into the guest mirror if the
// buffer is GpuDirty. With nonBlocking set the sync is abandoned (returning
// false) rather than waiting on an unsignalled fence. skipTrap leaves the
// guest trap state untouched. Returns whether the guest mirror holds
// up-to-date contents on return. Requires the content lock.
func (b *Buffer) SynchronizeGuest(skipTrap, nonBlocking bool) bool {
	if !b.guest.Valid() {
		return false
	}
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.synchronizeGuestLocked(skipTrap, nonBlocking)
}

// synchronizeGuestLocked requires stateMu.
func (b *Buffer) synchronizeGuestLocked(skipTrap, nonBlocking bool) bool {
	if !b.guest.Valid() {
		return false
	}
	if b.dirtyState != GpuDirty {
		// Nothing to copy back and the trap state already matches.
		return true
	}
	if nonBlocking && !b.pollFenceLocked() {
		return false
	}
	logger().Debug("synchronizing guest", "buffer", b.id, "size", b.guest.Size())

	b.waitOnFenceLocked()
	copy(b.mirror.Bytes(), b.backing.Bytes())
	b.dirtyState = Clean

	// Clean allows free guest reads again; only writes need to fault.
	if !skipTrap {
		if err := b.traps.TrapRegions(b.trapHandle, true); err != nil {
			logger().Warn("failed to trap guest region", "buffer", b.id, "err", err)
		}
	}
	return true
}

// SynchronizeGuestImmediate synchronizes the guest after flushing any
// recorded but unsubmitted host work touching this buffer. isFirstUsage
// signals that the buffer cannot appear in the pending submission, making
// the flush unnecessary. Requires the content lock.
func (b *Buffer) SynchronizeGuestImmediate(isFirstUsage bool, flush func()) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.synchronizeGuestImmediateLocked(isFirstUsage, flush)
}

// synchronizeGuestImmediateLocked requires stateMu.
func (b *Buffer) synchronizeGuestImmediateLocked(isFirstUsage bool, flush func()) {
	if !isFirstUsage && flush != nil {
		flush()
	}
	b.synchronizeGuestLocked(false, false)
}

// Read copies buffer contents at offset into dst, synchronizing the guest
// first if the backing is authoritative. Guest-backed buffers only.
// Requires the content lock.
func (b *Buffer) Read(isFirstUsage bool, flush func(), dst []byte, offset uint64) {
	if b.mirror == nil {
		panic("emubuf: Read on a buffer without guest mappings")
	}
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.dirtyState == GpuDirty {
		b.synchronizeGuestImmediateLocked(isFirstUsage, flush)
	}
	copy(dst, b.mirror.Bytes()[offset:])
}

// Write performs an inline sequenced write of src at offset. The mirror is
// always updated; the backing is updated directly when CPU writes are
// allowed and no host work is pending, via gpuCopy when a GPU-side copy can
// be sequenced instead, and otherwise the write must be repeated by the
// caller once it can be sequenced, indicated by a true return. Guest-backed
// buffers only. Requires the content lock.
func (b *Buffer) Write(isFirstUsage bool, flush func(), src []byte, offset uint64, gpuCopy func()) bool {
	if b.mirror == nil {
		panic("emubuf: Write on a buffer without guest mappings")
	}
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	// Any cached data derived from the old contents is now stale.
	b.sequenceNumber++
	b.everHadInlineUpdate = true

	if b.dirtyState == GpuDirty {
		b.synchronizeGuestImmediateLocked(isFirstUsage, flush)
	}
	if b.dirtyState == CpuDirty && b.sequencedWritesBlockedLocked() {
		// The backing is being read on the GPU, pending guest writes must
		// reach it before this write is sequenced on top of them. Trap state
		// is left to the current execution's epilogue.
		b.synchronizeHostLocked(true)
	}

	copy(b.mirror.Bytes()[offset:offset+uint64(len(src))], src)

	if b.dirtyState == CpuDirty && !b.sequencedWritesBlockedLocked() {
		// The mirror is authoritative and a host sync is already due; the
		// write is fully absorbed by the mirror update above.
		return false
	}

	if !b.sequencedWritesBlockedLocked() && b.pollFenceLocked() {
		copy(b.backing.Bytes()[offset:offset+uint64(len(src))], src)
		b.backing.Flush(offset, uint64(len(src)))
		return false
	}

	if gpuCopy != nil {
		gpuCopy()
		return false
	}
	return true
}

// GetReadOnlyBackingSpan returns the guest mirror contents after ensuring
// they are current, for read-only use while the content lock is held.
// Guest-backed buffers only.
func (b *Buffer) GetReadOnlyBackingSpan(isFirstUsage bool, flush func()) []byte {
	if b.mirror == nil {
		panic("emubuf: backing span requested on a buffer without guest mappings")
	}
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.dirtyState == GpuDirty {
		b.synchronizeGuestImmediateLocked(isFirstUsage, flush)
	}
	return b.mirror.Bytes()
}

// AdvanceSequence invalidates all cached copies of this buffer's contents.
// Requires the content lock.
func (b *Buffer) AdvanceSequence() {
	b.stateMu.Lock()
	b.sequenceNumber++
	b.stateMu.Unlock()
}

// AcquireCurrentSequence returns the buffer's sequence number together with
// the mirror contents it numbers, bringing both sides in sync first so the
// snapshot matches the backing too. Returns a zero sequence if that would
// require blocking on pending host work. Requires the content lock.
func (b *Buffer) AcquireCurrentSequence() (uint64, []byte) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if !b.synchronizeGuestLocked(false, true) {
		return 0, nil
	}
	// An unflushed CpuDirty mirror would desync from the snapshot the moment
	// the host sync happens, flush it now.
	b.synchronizeHostLocked(false)
	return b.sequenceNumber, b.mirror.Bytes()
}
