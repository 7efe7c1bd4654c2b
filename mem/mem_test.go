package mem

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(0x1000, 4)
	if got := a.FreeCount(); got != 4 {
		t.Fatalf("FreeCount() = %d, want 4", got)
	}

	pa, ok := a.Alloc()
	if !ok {
		t.Fatal("Alloc() failed on a fresh allocator")
	}
	if pa%PGSIZE != 0 {
		t.Fatalf("Alloc() returned unaligned address %#x", pa)
	}
	if got := a.RefCount(pa); got != 1 {
		t.Fatalf("RefCount() = %d, want 1", got)
	}
	if !a.SingleRef(pa) {
		t.Fatal("SingleRef() = false right after Alloc()")
	}

	a.Free(pa)
	if got := a.FreeCount(); got != 4 {
		t.Fatalf("FreeCount() after Free() = %d, want 4", got)
	}
}

func TestIncRefDefersFree(t *testing.T) {
	a := NewAllocator(0x1000, 2)
	pa, ok := a.Alloc()
	if !ok {
		t.Fatal("Alloc() failed")
	}
	a.IncRef(pa)
	if a.SingleRef(pa) {
		t.Fatal("SingleRef() = true after a second IncRef")
	}

	a.Free(pa)
	if got := a.FreeCount(); got != 1 {
		t.Fatalf("FreeCount() after first Free() = %d, want 1 (frame still referenced)", got)
	}
	if !a.SingleRef(pa) {
		t.Fatal("SingleRef() = false after dropping one of two references")
	}

	a.Free(pa)
	if got := a.FreeCount(); got != 2 {
		t.Fatalf("FreeCount() after second Free() = %d, want 2", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator(0x1000, 1)
	if _, ok := a.Alloc(); !ok {
		t.Fatal("first Alloc() should succeed")
	}
	if _, ok := a.Alloc(); ok {
		t.Fatal("second Alloc() on a one-frame pool should fail")
	}
}

func TestFreeBelowZeroPanics(t *testing.T) {
	a := NewAllocator(0x1000, 1)
	pa, _ := a.Alloc()
	a.Free(pa)

	defer func() {
		if recover() == nil {
			t.Fatal("Free() of an already-free frame should panic")
		}
	}()
	a.Free(pa)
}

func TestAllocPoisonsFrame(t *testing.T) {
	a := NewAllocator(0x1000, 1)
	pa, _ := a.Alloc()
	frame := a.Frame(pa)
	for i, b := range frame {
		if b != allocPoison {
			t.Fatalf("frame[%d] = %#x, want alloc poison %#x", i, b, allocPoison)
		}
	}
	a.Free(pa)
	for i, b := range frame {
		if b != freePoison {
			t.Fatalf("frame[%d] = %#x, want free poison %#x", i, b, freePoison)
		}
	}
}

func TestFrameIsALiveView(t *testing.T) {
	a := NewAllocator(0x1000, 1)
	pa, _ := a.Alloc()
	a.Frame(pa)[0] = 0x42
	if got := a.Frame(pa)[0]; got != 0x42 {
		t.Fatalf("Frame() did not alias the backing store: got %#x", got)
	}
}

func TestMisalignedAddressPanics(t *testing.T) {
	a := NewAllocator(0x1000, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("misaligned address should panic")
		}
	}()
	a.IncRef(0x1001)
}
