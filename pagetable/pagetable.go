// Package pagetable implements the Sv39-shaped three-level page-table
// primitives (spec component B): walking, installing, clearing,
// cloning and freeing page tables. It knows nothing about VMAs, files
// or the meaning of a flag beyond MMU semantics.
package pagetable

import (
	"unsafe"

	"github.com/useredsa/deiso-uvm/mem"
)

// PTE is a single 64-bit page-table entry.
type PTE uint64

// PTESHIFT is where the physical page number begins inside a PTE,
// leaving room below it for the flag bits.
const PTESHIFT = 10

// Flag bits, mirroring the RISC-V Sv39 PTE layout this subsystem
// targets.
const (
	PTE_V PTE = 1 << 0 // valid
	PTE_R PTE = 1 << 1 // readable
	PTE_W PTE = 1 << 2 // writable
	PTE_X PTE = 1 << 3 // executable
	PTE_U PTE = 1 << 4 // user-accessible
)

// flagMask covers every bit below PTESHIFT, i.e. every flag bit.
const flagMask PTE = (1 << PTESHIFT) - 1

// PROT_READ, PROT_WRITE and PROT_EXECUTE alias the MMU's R/W/X bits —
// a VMA's requested permission set is expressed in exactly these bits.
const (
	PROT_READ    = PTE_R
	PROT_WRITE   = PTE_W
	PROT_EXECUTE = PTE_X
)

// PGSIZE and PGSHIFT are re-exported from mem for callers that only
// import pagetable.
const (
	PGSIZE  = mem.PGSIZE
	PGSHIFT = mem.PGSHIFT
)

// MAXVA is one past the highest virtual address this MMU model can
// address — Sv39 caps out at 1<<38 once the top PTE level's sign
// extension requirement is accounted for.
const MAXVA = 1 << 38

// TRAMPOLINE and TRAPFRAME are the two supervisor-only pages mapped at
// the top of every user address space.
const (
	TRAMPOLINE = MAXVA - PGSIZE
	TRAPFRAME  = TRAMPOLINE - PGSIZE
)

// PageTable names the physical frame holding a table's 512 PTEs.
type PageTable = mem.PhysAddr

// PA2PTE packs a page-aligned physical address into the PTE address
// field (the caller ORs in flags separately).
func PA2PTE(pa mem.PhysAddr) PTE {
	return PTE(pa>>PGSHIFT) << PTESHIFT
}

// PTE2PA extracts the physical address a PTE refers to.
func PTE2PA(pte PTE) mem.PhysAddr {
	return mem.PhysAddr(pte>>PTESHIFT) << PGSHIFT
}

// PTEFlags extracts the flag bits of a PTE.
func PTEFlags(pte PTE) PTE {
	return pte & flagMask
}

// pageRoundDown rounds a down to the start of its containing page.
func pageRoundDown(a uint64) uint64 {
	return a &^ (PGSIZE - 1)
}

// PageRoundUp rounds a up to the start of the next page, unless it is
// already page-aligned.
func PageRoundUp(a uint64) uint64 {
	return pageRoundDown(a + PGSIZE - 1)
}

// PageRoundDown rounds a down to the start of its containing page.
func PageRoundDown(a uint64) uint64 {
	return pageRoundDown(a)
}

// px extracts the 9-bit index for the given level (2, 1 or 0) out of a
// virtual address.
func px(level int, va uint64) uint64 {
	shift := uint(PGSHIFT + 9*level)
	return (va >> shift) & 0x1ff
}

// table returns a live [512]PTE view over the frame at pt. The view
// aliases the allocator's backing store: writes to it are writes to
// the simulated page table.
func table(pm *mem.Allocator, pt PageTable) *[512]PTE {
	b := pm.Frame(pt)
	return (*[512]PTE)(unsafe.Pointer(&b[0]))
}

// New reserves and zeroes a fresh, empty page table (pgt_new).
func New(pm *mem.Allocator) (PageTable, bool) {
	pa, ok := pm.Alloc()
	if !ok {
		return 0, false
	}
	pm.Zero(pa)
	return pa, true
}

// Free recursively frees a page table (pgt_free). Every leaf mapping
// must already have been removed: encountering a leaf PTE here is a
// fatal invariant violation, not a normal error.
func Free(pm *mem.Allocator, pt PageTable) {
	tbl := table(pm, pt)
	for i := range tbl {
		pte := tbl[i]
		if pte&PTE_V == 0 {
			continue
		}
		if pte&(PTE_R|PTE_W|PTE_X) == 0 {
			Free(pm, PTE2PA(pte))
			tbl[i] = 0
			continue
		}
		panic("pagetable: leaf found during Free")
	}
	pm.Free(pt)
}

// Walk descends the three levels of pt to find the address of the
// level-0 PTE slot for va. When alloc is set, it allocates and
// installs zeroed child tables for any missing interior level; when it
// is clear, it returns ok == false instead. It panics if va is outside
// the addressable range.
func Walk(pm *mem.Allocator, pt PageTable, va uint64, alloc bool) (pte *PTE, ok bool) {
	if va >= MAXVA {
		panic("pagetable: walk of out-of-range virtual address")
	}
	for level := 2; level > 0; level-- {
		tbl := table(pm, pt)
		slot := &tbl[px(level, va)]
		if *slot&PTE_V != 0 {
			pt = PTE2PA(*slot)
			continue
		}
		if !alloc {
			return nil, false
		}
		child, ok := pm.Alloc()
		if !ok {
			return nil, false
		}
		pm.Zero(child)
		*slot = PA2PTE(child) | PTE_V
		pt = child
	}
	tbl := table(pm, pt)
	return &tbl[px(0, va)], true
}

// GetPA is the public user-page lookup: it walks without allocating
// and returns the physical address backing va only when the leaf is
// both valid and user-accessible, refusing supervisor-only leaves like
// the trampoline and trapframe.
func GetPA(pm *mem.Allocator, pt PageTable, va uint64) (mem.PhysAddr, bool) {
	if va >= MAXVA {
		return 0, false
	}
	pte, ok := Walk(pm, pt, va, false)
	if !ok || *pte&PTE_V == 0 || *pte&PTE_U == 0 {
		return 0, false
	}
	return PTE2PA(*pte), true
}

// Map installs a leaf PTE for the page-aligned va, pointing at the
// page-aligned pa with the given flags. The caller donates one
// reference on pa: Map accounts for it by installing the PTE, it does
// not itself call IncRef. Mapping an already-valid leaf is a fatal
// invariant violation ("remap").
func Map(pm *mem.Allocator, pt PageTable, va uint64, pa mem.PhysAddr, flags PTE) bool {
	if va >= MAXVA || va%PGSIZE != 0 || uint64(pa)%PGSIZE != 0 {
		panic("pagetable: Map of a misaligned address")
	}
	pte, ok := Walk(pm, pt, va, true)
	if !ok {
		return false
	}
	if *pte&PTE_V != 0 {
		panic("pagetable: remap")
	}
	*pte = PA2PTE(pa) | flags | PTE_V | PTE_U
	return true
}

// ClearUBit clears the U bit of the leaf mapping va, used to mark the
// trampoline, trapframe and a stack guard page as kernel-only.
func ClearUBit(pm *mem.Allocator, pt PageTable, va uint64) {
	pte, ok := Walk(pm, pt, va, false)
	if !ok {
		panic("pagetable: ClearUBit of an unmapped address")
	}
	*pte &^= PTE_U
}

// AllocMap allocates, zeroes and maps a fresh frame for every page in
// [vaStart, vaEnd). On any failure it rolls back every page it had
// already installed and reports false.
func AllocMap(pm *mem.Allocator, pt PageTable, vaStart, vaEnd uint64, flags PTE) bool {
	checkRange(vaStart, vaEnd)
	for va := vaStart; va < vaEnd; va += PGSIZE {
		pa, ok := pm.Alloc()
		if !ok {
			DeallocUnmap(pm, pt, vaStart, va)
			return false
		}
		pm.Zero(pa)
		if !Map(pm, pt, va, pa, flags) {
			pm.Free(pa)
			DeallocUnmap(pm, pt, vaStart, va)
			return false
		}
	}
	return true
}

func checkRange(vaStart, vaEnd uint64) {
	if vaEnd > MAXVA || vaEnd < vaStart || vaStart%PGSIZE != 0 || vaEnd%PGSIZE != 0 {
		panic("pagetable: invalid virtual address range")
	}
}

func unmapImpl(pm *mem.Allocator, pt PageTable, vaStart, vaEnd uint64, dealloc bool) {
	checkRange(vaStart, vaEnd)
	for va := vaStart; va < vaEnd; va += PGSIZE {
		pte, ok := Walk(pm, pt, va, false)
		if !ok || *pte&PTE_V == 0 {
			continue
		}
		if PTEFlags(*pte) == PTE_V {
			panic("pagetable: unmap found an interior entry where a leaf was expected")
		}
		if dealloc {
			pm.Free(PTE2PA(*pte))
		}
		*pte = 0
	}
}

// Unmap clears every leaf PTE in [vaStart, vaEnd) without freeing the
// underlying physical frames. Absent or already-invalid entries are
// skipped. It does not free now-empty interior tables.
func Unmap(pm *mem.Allocator, pt PageTable, vaStart, vaEnd uint64) {
	unmapImpl(pm, pt, vaStart, vaEnd, false)
}

// DeallocUnmap is Unmap plus releasing the backing frame of every
// cleared leaf through the allocator.
func DeallocUnmap(pm *mem.Allocator, pt PageTable, vaStart, vaEnd uint64) {
	unmapImpl(pm, pt, vaStart, vaEnd, true)
}

// Clone installs the copy-on-write sharing protocol for [vaStart,
// vaEnd): for every page valid in src, it clears W in the source leaf
// (so either side's next write faults), copies the now-write-cleared
// leaf into dst, and increments the shared frame's reference count. On
// failure to allocate an interior table in dst, it rolls back the
// portion of dst already written and reports an error.
func Clone(pm *mem.Allocator, src, dst PageTable, vaStart, vaEnd uint64) bool {
	checkRange(vaStart, vaEnd)
	va := vaStart
	for ; va < vaEnd; va += PGSIZE {
		srcPTE, ok := Walk(pm, src, va, false)
		if !ok || *srcPTE&PTE_V == 0 {
			continue
		}
		dstPTE, ok := Walk(pm, dst, va, true)
		if !ok {
			DeallocUnmap(pm, dst, vaStart, va)
			return false
		}
		*srcPTE &^= PTE_W
		pa := PTE2PA(*srcPTE)
		*dstPTE = *srcPTE
		pm.IncRef(pa)
	}
	return true
}
