package shm

import "testing"

func TestOwnerSetBoundaries(t *testing.T) {
	var s ownerSet
	for _, i := range []int32{0, 1, 63, 64, 127, 500, MaxSlotOwners - 1} {
		if s.IsSet(i) {
			t.Fatalf("bit %d set in zero set", i)
		}
		s.Set(i)
		if !s.IsSet(i) {
			t.Fatalf("bit %d not set after Set", i)
		}
	}
	if got := s.Popcount(); got != 7 {
		t.Fatalf("popcount = %d, want 7", got)
	}

	s.Clear(64)
	if s.IsSet(64) {
		t.Fatal("bit 64 still set after Clear")
	}
	if !s.IsSet(63) || !s.IsSet(127) {
		t.Fatal("Clear(64) disturbed neighboring words")
	}
	if got := s.Popcount(); got != 6 {
		t.Fatalf("popcount after clear = %d, want 6", got)
	}

	s.ClearAll()
	if got := s.Popcount(); got != 0 {
		t.Fatalf("popcount after ClearAll = %d, want 0", got)
	}
}

func TestOwnerSetClearIsIdempotent(t *testing.T) {
	var s ownerSet
	s.Set(10)
	s.Clear(10)
	s.Clear(10)
	if s.Popcount() != 0 {
		t.Fatalf("popcount = %d, want 0", s.Popcount())
	}
}
