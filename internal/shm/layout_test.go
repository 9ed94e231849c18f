package shm

import "testing"

func TestAlign32(t *testing.T) {
	cases := []struct{ in, want int32 }{
		{0, 0}, {1, 32}, {31, 32}, {32, 32}, {33, 64}, {4096, 4096},
	}
	for _, c := range cases {
		if got := Align32(c.in); got != c.want {
			t.Errorf("Align32(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestBufferStrideKeepsPrefixAligned(t *testing.T) {
	for _, slotSize := range []int32{1, 31, 32, 100, 4096} {
		stride := BufferStride(slotSize)
		if stride%32 != 0 {
			t.Errorf("BufferStride(%d) = %d, not 32-byte aligned", slotSize, stride)
		}
		if stride < int64(PrefixSize)+int64(slotSize) {
			t.Errorf("BufferStride(%d) = %d, too small for prefix plus payload", slotSize, stride)
		}
	}
}

func TestCheckGeometry(t *testing.T) {
	if err := CheckGeometry(256, 16); err != nil {
		t.Fatalf("valid geometry rejected: %v", err)
	}
	for _, c := range []struct{ slotSize, numSlots int32 }{
		{0, 16}, {256, 0}, {-1, 16}, {256, -1},
	} {
		if err := CheckGeometry(c.slotSize, c.numSlots); err == nil {
			t.Errorf("CheckGeometry(%d, %d) accepted", c.slotSize, c.numSlots)
		}
	}
}

func TestCCBSizeCoversSlotArray(t *testing.T) {
	if got := CCBSize(0); got != ccbHeaderSize {
		t.Fatalf("CCBSize(0) = %d, want %d", got, ccbHeaderSize)
	}
	if got := CCBSize(16); got != ccbHeaderSize+16*slotStructSize {
		t.Fatalf("CCBSize(16) = %d", got)
	}
}
