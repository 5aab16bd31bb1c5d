package emubuf

import (
	"bytes"
	"testing"

	"github.com/gogpu/emubuf/megabuffer"
)

func TestMegaBufferTableShift(t *testing.T) {
	opts := defaultOptions()
	tests := []struct {
		name string
		size uint64
		want uint
	}{
		{"tiny buffer floors at minimum", 0x100, DefaultMegaBufferTableShiftMin},
		{"64KiB still under entry cap", 64 << 10, DefaultMegaBufferTableShiftMin},
		{"exactly at cap", DefaultMegaBufferTableMaxEntries << DefaultMegaBufferTableShiftMin, DefaultMegaBufferTableShiftMin},
		{"2MiB widens shards", 2 << 20, 11},
		{"64MiB widens further", 64 << 20, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := megaBufferTableShift(tt.size, &opts); got != tt.want {
				t.Errorf("shift(%#x) = %d, want %d", tt.size, got, tt.want)
			}
		})
	}
}

func TestMegaBufferTableLen(t *testing.T) {
	if got := megaBufferTableLen(0, 8); got != 1 {
		t.Errorf("len(0) = %d, want 1", got)
	}
	if got := megaBufferTableLen(0x101, 8); got != 2 {
		t.Errorf("len(0x101) = %d, want 2", got)
	}
}

// megaEnv sets up a buffer that already qualifies for megabuffering: it has
// seen an inline update and its mirror holds a known pattern.
func megaEnv(t *testing.T, opts ...Option) (*testEnv, *Buffer, *megabuffer.Allocator) {
	t.Helper()
	env := newTestEnv(t)
	buf := env.newBuffer(t, 0, env.pageSize(), opts...)
	alloc := megabuffer.NewAllocator(env.dev)
	t.Cleanup(alloc.Close)

	pattern := make([]byte, env.pageSize())
	for i := range pattern {
		pattern[i] = byte(i)
	}
	buf.Lock()
	buf.Write(true, nil, pattern, 0, nil)
	buf.Unlock()
	return env, buf, alloc
}

func TestTryMegaBufferViewIneligibleWhenColdAndClean(t *testing.T) {
	env := newTestEnv(t)
	buf := env.newBuffer(t, 0, env.pageSize())
	alloc := megabuffer.NewAllocator(env.dev)
	defer alloc.Close()

	buf.Lock()
	defer buf.Unlock()
	if binding := buf.TryMegaBufferView(nil, alloc, 1, 0, 0x40); binding.Valid() {
		t.Fatal("cold buffer without inline updates was megabuffered")
	}
}

func TestTryMegaBufferViewBindsMirrorContents(t *testing.T) {
	_, buf, alloc := megaEnv(t)

	buf.Lock()
	defer buf.Unlock()

	binding := buf.TryMegaBufferView(nil, alloc, 1, 0x10, 0x40)
	if !binding.Valid() {
		t.Fatal("eligible buffer was not megabuffered")
	}
	if binding.Size != 0x40 {
		t.Fatalf("binding size = %#x, want 0x40", binding.Size)
	}
	got := binding.Buffer.Bytes()[binding.Offset : binding.Offset+binding.Size]
	if !bytes.Equal(got, buf.mirror.Bytes()[0x10:0x50]) {
		t.Fatal("binding contents do not match the mirror range")
	}
}

func TestTryMegaBufferViewReusesCache(t *testing.T) {
	_, buf, alloc := megaEnv(t)

	buf.Lock()
	defer buf.Unlock()

	first := buf.TryMegaBufferView(nil, alloc, 1, 0x10, 0x40)
	second := buf.TryMegaBufferView(nil, alloc, 1, 0x10, 0x40)
	if !first.Valid() || !second.Valid() {
		t.Fatal("expected valid bindings")
	}
	if first.Buffer != second.Buffer || first.Offset != second.Offset {
		t.Fatal("identical request did not reuse the cached allocation")
	}

	// A smaller view of the same shard also fits the cached allocation.
	sub := buf.TryMegaBufferView(nil, alloc, 1, 0x20, 0x10)
	if !sub.Valid() || sub.Buffer != first.Buffer {
		t.Fatal("contained request did not reuse the cached allocation")
	}
}

func TestTryMegaBufferViewInvalidation(t *testing.T) {
	tests := []struct {
		name string
		poke func(t *testing.T, buf *Buffer) (executionNumber, offset, size uint64)
	}{
		{"new execution", func(t *testing.T, buf *Buffer) (uint64, uint64, uint64) {
			return 2, 0x10, 0x40
		}},
		{"sequence advanced", func(t *testing.T, buf *Buffer) (uint64, uint64, uint64) {
			buf.AdvanceSequence()
			return 1, 0x10, 0x40
		}},
		{"larger extent", func(t *testing.T, buf *Buffer) (uint64, uint64, uint64) {
			return 1, 0x10, 0x80
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, buf, alloc := megaEnv(t)
			buf.Lock()
			defer buf.Unlock()

			first := buf.TryMegaBufferView(nil, alloc, 1, 0x10, 0x40)
			if !first.Valid() {
				t.Fatal("initial binding invalid")
			}

			exec, off, size := tt.poke(t, buf)
			refreshed := buf.TryMegaBufferView(nil, alloc, exec, off, size)
			if !refreshed.Valid() {
				t.Fatal("refreshed binding invalid")
			}
			if refreshed.Buffer == first.Buffer && refreshed.Offset == first.Offset {
				t.Fatal("stale cache entry was reused")
			}
			got := refreshed.Buffer.Bytes()[refreshed.Offset : refreshed.Offset+size]
			if !bytes.Equal(got, buf.mirror.Bytes()[off:off+size]) {
				t.Fatal("refreshed binding does not match the mirror")
			}
		})
	}
}

func TestTryMegaBufferViewSizeThreshold(t *testing.T) {
	_, buf, alloc := megaEnv(t, WithMegaBufferingDisableThreshold(0x40))

	buf.Lock()
	defer buf.Unlock()

	if binding := buf.TryMegaBufferView(nil, alloc, 1, 0, 0x41); binding.Valid() {
		t.Fatal("view above the disable threshold was megabuffered")
	}
	if binding := buf.TryMegaBufferView(nil, alloc, 1, 0, 0x40); !binding.Valid() {
		t.Fatal("view at the disable threshold was rejected")
	}
}

func TestTryMegaBufferViewFrequentSyncEligibility(t *testing.T) {
	env := newTestEnv(t)
	buf := env.newBuffer(t, 0, env.pageSize(), WithFrequentlySyncedThreshold(2))
	alloc := megabuffer.NewAllocator(env.dev)
	defer alloc.Close()

	// Host syncs of guest writes bump the sequence; enough of them make the
	// buffer eligible without any inline update.
	for i := 0; i < 3; i++ {
		env.guestWrite(t, 0, []byte{byte(i)})
		buf.Lock()
		buf.SynchronizeHost(false)
		buf.Unlock()
	}

	buf.Lock()
	defer buf.Unlock()
	if buf.EverHadInlineUpdate() {
		t.Fatal("no inline update was performed")
	}
	if binding := buf.TryMegaBufferView(nil, alloc, 1, 0, 0x10); !binding.Valid() {
		t.Fatal("frequently synced buffer was not megabuffered")
	}
}

func TestTryMegaBufferViewBailsWhenUnsyncable(t *testing.T) {
	env, buf, alloc := megaEnv(t)

	buf.Lock()
	defer buf.Unlock()
	buf.SynchronizeHost(false)
	cycle, f := env.newPendingCycle(t)
	buf.UpdateCycle(cycle)
	buf.MarkGpuDirty()

	if binding := buf.TryMegaBufferView(nil, alloc, 1, 0, 0x10); binding.Valid() {
		t.Fatal("GpuDirty buffer with a pending fence was megabuffered")
	}
	f.Signal()
	if binding := buf.TryMegaBufferView(nil, alloc, 1, 0, 0x10); !binding.Valid() {
		t.Fatal("buffer was not megabuffered after the fence signalled")
	}
}
