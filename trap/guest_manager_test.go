package trap

import (
	"errors"
	"os"
	"testing"

	"github.com/gogpu/emubuf/guest"
)

func newManager(t *testing.T) (*GuestManager, *guest.AddressSpace, uint64) {
	t.Helper()
	pageSize := uint64(os.Getpagesize())
	space, err := guest.NewAddressSpace(8 * pageSize)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	t.Cleanup(func() { space.Close() })
	return NewGuestManager(space), space, pageSize
}

// countingTrap records callback invocations and answers with fixed results.
type countingTrap struct {
	coherent, reads, writes int
	readResult              Result
	writeResult             Result
}

func (c *countingTrap) install(t *testing.T, m *GuestManager, r guest.Range) Handle {
	t.Helper()
	h, err := m.CreateTrap(r,
		func() { c.coherent++ },
		func() Result { c.reads++; return c.readResult },
		func() Result { c.writes++; return c.writeResult },
	)
	if err != nil {
		t.Fatalf("CreateTrap: %v", err)
	}
	return h
}

func TestCreateTrapRejectsOverlap(t *testing.T) {
	m, _, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Handled}
	ct.install(t, m, guest.Range{Offset: 0, Size: 2 * pageSize})

	_, err := m.CreateTrap(guest.Range{Offset: pageSize, Size: pageSize}, func() {}, nil, nil)
	if !errors.Is(err, ErrOverlappingTrap) {
		t.Fatalf("err = %v, want ErrOverlappingTrap", err)
	}
}

func TestCreateTrapRejectsOutOfRange(t *testing.T) {
	m, space, _ := newManager(t)
	_, err := m.CreateTrap(guest.Range{Offset: space.Size(), Size: 1}, func() {}, nil, nil)
	if err == nil {
		t.Fatal("expected error for trap past end of guest memory")
	}
}

func TestAccessWithoutTrapIsHandled(t *testing.T) {
	m, _, pageSize := newManager(t)
	if res := m.HandleAccess(3*pageSize, true); res != Handled {
		t.Fatalf("HandleAccess = %v, want Handled", res)
	}
}

func TestUnarmedTrapDoesNotFire(t *testing.T) {
	m, _, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Handled}
	ct.install(t, m, guest.Range{Offset: 0, Size: pageSize})

	if res := m.HandleAccess(0, true); res != Handled {
		t.Fatalf("HandleAccess = %v, want Handled", res)
	}
	if ct.writes != 0 || ct.coherent != 0 {
		t.Fatalf("unarmed trap fired: coherent=%d writes=%d", ct.coherent, ct.writes)
	}
}

func TestWriteOnlyArmingLeavesReadsFree(t *testing.T) {
	m, _, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Handled}
	h := ct.install(t, m, guest.Range{Offset: 0, Size: pageSize})

	if err := m.TrapRegions(h, true); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}

	if res := m.HandleAccess(0, false); res != Handled {
		t.Fatalf("read access = %v, want Handled", res)
	}
	if ct.reads != 0 {
		t.Fatalf("read callback fired %d times under write-only arming", ct.reads)
	}

	if res := m.HandleAccess(0, true); res != Handled {
		t.Fatalf("write access = %v, want Handled", res)
	}
	if ct.writes != 1 || ct.coherent != 1 {
		t.Fatalf("write delivery: coherent=%d writes=%d, want 1/1", ct.coherent, ct.writes)
	}
}

func TestHandledWriteDisarms(t *testing.T) {
	m, _, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Handled}
	h := ct.install(t, m, guest.Range{Offset: 0, Size: pageSize})

	if err := m.TrapRegions(h, false); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if res := m.HandleAccess(0x10, true); res != Handled {
		t.Fatalf("HandleAccess = %v, want Handled", res)
	}
	// A handled write lowers both protections; the next access is free.
	if res := m.HandleAccess(0x20, true); res != Handled {
		t.Fatalf("second HandleAccess = %v, want Handled", res)
	}
	if ct.writes != 1 {
		t.Fatalf("write callback fired %d times, want 1", ct.writes)
	}
}

func TestHandledReadKeepsWriteArmed(t *testing.T) {
	m, _, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Handled}
	h := ct.install(t, m, guest.Range{Offset: 0, Size: pageSize})

	if err := m.TrapRegions(h, false); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if res := m.HandleAccess(0, false); res != Handled {
		t.Fatalf("read access = %v, want Handled", res)
	}
	if ct.reads != 1 {
		t.Fatalf("read callback fired %d times, want 1", ct.reads)
	}

	// Writes must still be intercepted after the read was served.
	if res := m.HandleAccess(0, true); res != Handled {
		t.Fatalf("write access = %v, want Handled", res)
	}
	if ct.writes != 1 {
		t.Fatalf("write callback fired %d times, want 1", ct.writes)
	}
}

func TestRetryPropagatesWithoutDisarming(t *testing.T) {
	m, _, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Retry}
	h := ct.install(t, m, guest.Range{Offset: 0, Size: pageSize})

	if err := m.TrapRegions(h, true); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if res := m.HandleAccess(0, true); res != Retry {
		t.Fatalf("HandleAccess = %v, want Retry", res)
	}

	// The retry left the trap armed; a later delivery fires again.
	ct.writeResult = Handled
	if res := m.HandleAccess(0, true); res != Handled {
		t.Fatalf("HandleAccess after retry = %v, want Handled", res)
	}
	if ct.writes != 2 {
		t.Fatalf("write callback fired %d times, want 2", ct.writes)
	}
}

func TestDeleteTrapRestoresAccess(t *testing.T) {
	m, space, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Handled}
	h := ct.install(t, m, guest.Range{Offset: 0, Size: pageSize})

	if err := m.TrapRegions(h, false); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	m.DeleteTrap(h)

	if res := m.HandleAccess(0, true); res != Handled {
		t.Fatalf("HandleAccess = %v, want Handled", res)
	}
	if ct.writes != 0 {
		t.Fatalf("deleted trap fired %d times", ct.writes)
	}
	// The page protection was restored too: direct access must not fault.
	space.Bytes()[0] = 0xAA

	if err := m.TrapRegions(h, false); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("TrapRegions on deleted handle = %v, want ErrUnknownHandle", err)
	}
}

func TestPageOutReleasesContents(t *testing.T) {
	m, space, pageSize := newManager(t)
	ct := &countingTrap{readResult: Handled, writeResult: Handled}
	h := ct.install(t, m, guest.Range{Offset: pageSize, Size: pageSize})

	copy(space.Bytes()[pageSize:], []byte{1, 2, 3, 4})
	if err := m.PageOutRegions(h); err != nil {
		t.Fatalf("PageOutRegions: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if space.Bytes()[pageSize+i] != 0 {
			t.Fatalf("byte %d survived page-out", i)
		}
	}
}

func TestResultString(t *testing.T) {
	tests := []struct {
		res  Result
		want string
	}{
		{Handled, "Handled"},
		{Retry, "Retry"},
		{Fatal, "Fatal"},
	}
	for _, tt := range tests {
		if got := tt.res.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.res), got, tt.want)
		}
	}
}
