package pagetable

import (
	"testing"

	"github.com/useredsa/deiso-uvm/mem"
)

func newPM(t *testing.T, frames int) *mem.Allocator {
	t.Helper()
	return mem.NewAllocator(0x10000, frames)
}

func TestMapAndGetPA(t *testing.T) {
	pm := newPM(t, 8)
	pt, ok := New(pm)
	if !ok {
		t.Fatal("New() failed")
	}
	frame, ok := pm.Alloc()
	if !ok {
		t.Fatal("Alloc() failed")
	}
	va := uint64(0x2000)
	if !Map(pm, pt, va, frame, PTE_R|PTE_W) {
		t.Fatal("Map() failed")
	}
	got, ok := GetPA(pm, pt, va)
	if !ok {
		t.Fatal("GetPA() reports no mapping after Map()")
	}
	if got != frame {
		t.Fatalf("GetPA() = %#x, want %#x", got, frame)
	}
}

func TestGetPARefusesSupervisorLeaf(t *testing.T) {
	pm := newPM(t, 8)
	pt, _ := New(pm)
	frame, _ := pm.Alloc()
	va := uint64(0x2000)
	pte, ok := Walk(pm, pt, va, true)
	if !ok {
		t.Fatal("Walk() failed")
	}
	*pte = PA2PTE(frame) | PTE_V | PTE_R // no PTE_U
	if _, ok := GetPA(pm, pt, va); ok {
		t.Fatal("GetPA() should refuse a supervisor-only leaf")
	}
}

func TestMapRemapPanics(t *testing.T) {
	pm := newPM(t, 8)
	pt, _ := New(pm)
	frame, _ := pm.Alloc()
	va := uint64(0x2000)
	if !Map(pm, pt, va, frame, PTE_R) {
		t.Fatal("first Map() failed")
	}
	frame2, _ := pm.Alloc()
	defer func() {
		if recover() == nil {
			t.Fatal("remapping a valid leaf should panic")
		}
	}()
	Map(pm, pt, va, frame2, PTE_R)
}

func TestUnmapDeallocFreesFrame(t *testing.T) {
	pm := newPM(t, 8)
	pt, _ := New(pm)
	frame, _ := pm.Alloc()
	va := uint64(0x3000)
	Map(pm, pt, va, frame, PTE_R|PTE_W)

	before := pm.FreeCount()
	DeallocUnmap(pm, pt, va, va+PGSIZE)
	after := pm.FreeCount()
	if after != before+1 {
		t.Fatalf("FreeCount() after DeallocUnmap = %d, want %d", after, before+1)
	}
	if _, ok := GetPA(pm, pt, va); ok {
		t.Fatal("GetPA() should fail after DeallocUnmap")
	}
}

func TestAllocMapRollsBackOnFailure(t *testing.T) {
	// Deliberately too few frames to satisfy the whole range: New()
	// takes one for the root table, leaving only enough for the
	// interior tables plus a single leaf page.
	pm := newPM(t, 4)
	pt, _ := New(pm)

	vaStart := uint64(0x4000)
	vaEnd := vaStart + 16*PGSIZE
	ok := AllocMap(pm, pt, vaStart, vaEnd, PTE_R|PTE_W)
	if ok {
		t.Fatal("AllocMap() should fail when it runs out of frames")
	}
	// Every leaf page AllocMap managed to install before failing must
	// have been rolled back (dealloc'd) — the range must read back as
	// entirely unmapped, even though any interior tables it had to
	// allocate along the way are, per spec, not freed.
	for va := vaStart; va < vaEnd; va += PGSIZE {
		if _, ok := GetPA(pm, pt, va); ok {
			t.Fatalf("GetPA(%#x) still mapped after a rolled-back AllocMap()", va)
		}
	}
}

func TestCloneSharesAndProtectsWrite(t *testing.T) {
	pm := newPM(t, 16)
	src, _ := New(pm)
	dst, _ := New(pm)

	va := uint64(0x5000)
	if !AllocMap(pm, src, va, va+PGSIZE, PTE_R|PTE_W) {
		t.Fatal("AllocMap() failed")
	}
	srcPA, _ := GetPA(pm, src, va)

	if !Clone(pm, src, dst, va, va+PGSIZE) {
		t.Fatal("Clone() failed")
	}

	srcPTE, _ := Walk(pm, src, va, false)
	if *srcPTE&PTE_W != 0 {
		t.Fatal("Clone() must clear W on the source leaf")
	}
	dstPA, ok := GetPA(pm, dst, va)
	if !ok || dstPA != srcPA {
		t.Fatalf("Clone() destination maps %#x, want shared frame %#x", dstPA, srcPA)
	}
	if got := pm.RefCount(srcPA); got != 2 {
		t.Fatalf("RefCount() after Clone() = %d, want 2", got)
	}
}

func TestFreeOfLiveLeafPanics(t *testing.T) {
	pm := newPM(t, 8)
	pt, _ := New(pm)
	frame, _ := pm.Alloc()
	Map(pm, pt, 0x6000, frame, PTE_R)

	defer func() {
		if recover() == nil {
			t.Fatal("Free() of a table with a live leaf should panic")
		}
	}()
	Free(pm, pt)
}

func TestWalkPanicsOnOutOfRangeVA(t *testing.T) {
	pm := newPM(t, 4)
	pt, _ := New(pm)
	defer func() {
		if recover() == nil {
			t.Fatal("Walk() of an out-of-range VA should panic")
		}
	}()
	Walk(pm, pt, MAXVA, false)
}
