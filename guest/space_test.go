package guest

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func newSpace(t *testing.T, size uint64) *AddressSpace {
	t.Helper()
	s, err := NewAddressSpace(size)
	if err != nil {
		t.Fatalf("NewAddressSpace(%d): %v", size, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewAddressSpaceRoundsToPages(t *testing.T) {
	pageSize := uint64(os.Getpagesize())
	s := newSpace(t, pageSize+1)
	if s.Size() != 2*pageSize {
		t.Fatalf("size = %d, want %d", s.Size(), 2*pageSize)
	}
	if uint64(len(s.Bytes())) != s.Size() {
		t.Fatalf("len(Bytes()) = %d, want %d", len(s.Bytes()), s.Size())
	}
}

func TestNewAddressSpaceEmpty(t *testing.T) {
	if _, err := NewAddressSpace(0); !errors.Is(err, ErrEmptyRegion) {
		t.Fatalf("err = %v, want ErrEmptyRegion", err)
	}
}

func TestRegionBounds(t *testing.T) {
	s := newSpace(t, 1<<16)

	tests := []struct {
		name         string
		offset, size uint64
		wantErr      error
	}{
		{"whole space", 0, s.Size(), nil},
		{"interior", 0x100, 0x200, nil},
		{"empty", 0x100, 0, ErrEmptyRegion},
		{"past end", s.Size() - 1, 2, ErrOutOfRange},
		{"overflow", ^uint64(0) - 1, 4, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := s.Region(tt.offset, tt.size)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Region(%#x, %#x) err = %v, want %v", tt.offset, tt.size, err, tt.wantErr)
			}
			if err == nil && !r.Valid() {
				t.Fatal("valid region reported invalid")
			}
		})
	}
}

func TestRangeArithmetic(t *testing.T) {
	a := Range{Offset: 0x1000, Size: 0x1000}
	b := Range{Offset: 0x1800, Size: 0x1000}

	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Error("overlapping ranges reported disjoint")
	}
	if a.Overlaps(Range{Offset: 0x2000, Size: 1}) {
		t.Error("adjacent ranges reported overlapping")
	}
	if !a.Contains(Range{Offset: 0x1800, Size: 0x800}) {
		t.Error("contained range reported outside")
	}
	if got, want := a.Union(b), (Range{Offset: 0x1000, Size: 0x1800}); got != want {
		t.Errorf("Union = %+v, want %+v", got, want)
	}
}

func TestMirrorAliasesGuestMemory(t *testing.T) {
	pageSize := uint64(os.Getpagesize())
	s := newSpace(t, 4*pageSize)

	// Deliberately not page aligned: the mirror must still alias exactly.
	r, err := s.Region(pageSize+0x30, 0x100)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	m, err := r.CreateMirror()
	if err != nil {
		t.Fatalf("CreateMirror: %v", err)
	}
	defer m.Close()

	if uint64(len(m.Bytes())) != r.Size() {
		t.Fatalf("mirror size = %d, want %d", len(m.Bytes()), r.Size())
	}

	copy(r.Bytes(), []byte("written via guest"))
	if !bytes.Equal(m.Bytes()[:17], []byte("written via guest")) {
		t.Error("guest write not visible through mirror")
	}

	copy(m.Bytes(), []byte("written via mirror"))
	if !bytes.Equal(r.Bytes()[:18], []byte("written via mirror")) {
		t.Error("mirror write not visible through guest mapping")
	}
}

func TestReleaseRangeZeroes(t *testing.T) {
	pageSize := uint64(os.Getpagesize())
	s := newSpace(t, 4*pageSize)

	copy(s.Bytes()[pageSize:], []byte("doomed"))
	if err := s.ReleaseRange(Range{Offset: pageSize, Size: pageSize}); err != nil {
		t.Fatalf("ReleaseRange: %v", err)
	}
	for i := uint64(0); i < 6; i++ {
		if s.Bytes()[pageSize+i] != 0 {
			t.Fatalf("byte %d not zeroed after release", i)
		}
	}
}

func TestReleaseRangeOutOfRange(t *testing.T) {
	s := newSpace(t, 1<<16)
	if err := s.ReleaseRange(Range{Offset: s.Size(), Size: 1}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}
