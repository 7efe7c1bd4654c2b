// Package uvm implements the user address space (spec component D): one
// page table plus a bounded set of VMAs, and the operations exec, fork
// and exit drive it through — map, unmap, grow the heap, duplicate,
// and free. The on-demand page-fault resolution (component E) lives in
// fault.go and the cross-domain copy routines (component F) in copy.go
// so that uvm.go stays the lifecycle/bookkeeping half of the package.
package uvm

import (
	"github.com/useredsa/deiso-uvm/fs"
	"github.com/useredsa/deiso-uvm/mem"
	"github.com/useredsa/deiso-uvm/pagetable"
	"github.com/useredsa/deiso-uvm/vma"
)

// StartVMAsAddr is the lowest virtual address getfreevrange-style
// searches consider for a fresh mapping. It is arbitrary — any base
// above the null page works — chosen here to match the demand-zero
// walkthrough's convention of mapping the first VMA at this address.
const StartVMAsAddr = 0x10000

// UVM is one process's address space.
type UVM struct {
	pm    *mem.Allocator
	vpool *vma.Pool
	tx    fs.TxManager

	table pagetable.PageTable
	slots []*vma.VMA
	heap  *vma.VMA
}

// New allocates a fresh page table and installs the trampoline and
// trapframe pages as supervisor-only mappings at the top of the
// address space. trampoline and trapframe are frames the caller owns
// (the trampoline is shared kernel text, the trapframe belongs to the
// process struct); uvm neither takes a reference on them via the
// allocator nor ever frees them — Free only unmaps the PTEs.
func New(pm *mem.Allocator, vpool *vma.Pool, tx fs.TxManager, slotCapacity int, trampoline, trapframe mem.PhysAddr) (*UVM, bool) {
	pt, ok := pagetable.New(pm)
	if !ok {
		return nil, false
	}
	if !pagetable.Map(pm, pt, pagetable.TRAMPOLINE, trampoline, pagetable.PROT_READ|pagetable.PROT_EXECUTE) {
		pagetable.Free(pm, pt)
		return nil, false
	}
	pagetable.ClearUBit(pm, pt, pagetable.TRAMPOLINE)

	if !pagetable.Map(pm, pt, pagetable.TRAPFRAME, trapframe, pagetable.PROT_READ|pagetable.PROT_WRITE) {
		pagetable.Unmap(pm, pt, pagetable.TRAMPOLINE, pagetable.TRAMPOLINE+pagetable.PGSIZE)
		pagetable.Free(pm, pt)
		return nil, false
	}
	pagetable.ClearUBit(pm, pt, pagetable.TRAPFRAME)

	return &UVM{
		pm:    pm,
		vpool: vpool,
		tx:    tx,
		table: pt,
		slots: make([]*vma.VMA, slotCapacity),
	}, true
}

// Table returns the address space's page table, for callers (the
// scheduler) that need to program satp.
func (u *UVM) Table() pagetable.PageTable {
	return u.table
}

// Heap returns the address space's distinguished heap VMA, or nil if
// none has been designated yet.
func (u *UVM) Heap() *vma.VMA {
	return u.heap
}

// SetHeap designates v, which must already be one of u's slots, as the
// heap VMA.
func (u *UVM) SetHeap(v *vma.VMA) {
	u.heap = v
}

// Free tears down every VMA, then the trampoline/trapframe mappings
// (left in place, not deallocated — uvm never owned those frames),
// then the page table itself.
func (u *UVM) Free() {
	for _, v := range u.slots {
		if v != nil {
			u.Unmap(v.Start, v.Length)
		}
	}
	pagetable.Unmap(u.pm, u.table, pagetable.TRAMPOLINE, pagetable.TRAMPOLINE+pagetable.PGSIZE)
	pagetable.Unmap(u.pm, u.table, pagetable.TRAPFRAME, pagetable.TRAPFRAME+pagetable.PGSIZE)
	pagetable.Free(u.pm, u.table)
	u.table = 0
}

// VMAFor returns the VMA containing va, or nil.
func (u *UVM) VMAFor(va uint64) *vma.VMA {
	for _, v := range u.slots {
		if v != nil && v.Start <= va && va < v.End() {
			return v
		}
	}
	return nil
}

// IsRangeFree reports whether the page-rounded range [start, start+length)
// overlaps no live VMA.
func (u *UVM) IsRangeFree(start, length uint64) bool {
	probe := vma.VMA{Start: start, Length: length}
	for _, v := range u.slots {
		if v != nil && vma.Intersect(&probe, v) {
			return false
		}
	}
	return true
}

// FreeVRange finds the lowest address at or above StartVMAsAddr at
// which length bytes fit without overlapping any existing VMA,
// without exceeding MAXVA. It returns ok == false if no such range
// exists.
func (u *UVM) FreeVRange(length uint64) (uint64, bool) {
	addr := uint64(StartVMAsAddr)
	if addr+length < addr || addr+length > pagetable.MAXVA {
		return 0, false
	}
	for {
		if u.IsRangeFree(addr, length) {
			return addr, true
		}
		previous := addr
		next := uint64(pagetable.MAXVA)
		found := false
		for _, v := range u.slots {
			if v == nil {
				continue
			}
			end := pagetable.PageRoundUp(v.End())
			if end > previous && end < next {
				next = end
				found = true
			}
		}
		if !found {
			return 0, false
		}
		addr = pagetable.PageRoundUp(next)
		if addr+length > pagetable.MAXVA {
			return 0, false
		}
	}
}

// Map declares a new VMA: [addr, addr+length) with the given
// permissions and backing. It rejects an anonymous (inode == nil)
// mapping requesting Shared, and any range overlapping an existing
// VMA. No physical frames are reserved and no leaf PTEs installed —
// pages are materialized lazily by the fault engine.
func (u *UVM) Map(addr, length uint64, perm pagetable.PTE, flags vma.Sharing, inode fs.Inode, offset, filesz uint64) (uint64, bool) {
	if inode == nil && flags != vma.Private {
		return 0, false
	}
	if !u.IsRangeFree(addr, length) {
		return 0, false
	}
	slot := u.freeSlot()
	if slot < 0 {
		return 0, false
	}
	v := u.vpool.Init(addr, length, perm, flags, inode, offset, filesz)
	if v == nil {
		return 0, false
	}
	u.slots[slot] = v
	return addr, true
}

func (u *UVM) freeSlot() int {
	for i, v := range u.slots {
		if v == nil {
			return i
		}
	}
	return -1
}

func (u *UVM) slotOf(v *vma.VMA) int {
	for i, s := range u.slots {
		if s == v {
			return i
		}
	}
	return -1
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Unmap removes [addr, addr+length) from the VMA that contains it.
// The range must be a prefix, a suffix, or the VMA's entire extent —
// interior unmaps are rejected with a panic, as is an addr with no
// enclosing VMA: both are programmer errors, not user-triggerable
// faults, by the time a caller reaches this layer.
func (u *UVM) Unmap(addr, length uint64) {
	v := u.VMAFor(addr)
	if v == nil {
		panic("uvm: Unmap: address is not in any vma")
	}
	whole := addr == v.Start && addr+length == v.End()
	prefix := addr == v.Start && addr+length < v.End()
	suffix := addr != v.Start && addr+length == v.End()
	if !whole && !prefix && !suffix {
		panic("uvm: Unmap: range is not a prefix, suffix or whole of its vma")
	}

	if v.Flags == vma.Shared && v.Inode != nil {
		u.writeBack(v, addr, length)
	}

	if whole {
		pagetable.DeallocUnmap(u.pm, u.table, pagetable.PageRoundDown(addr), pagetable.PageRoundUp(addr+length))
		if i := u.slotOf(v); i >= 0 {
			u.slots[i] = nil
		}
		if u.heap == v {
			u.heap = nil
		}
		u.freeVMA(v)
	} else if prefix {
		pagetable.DeallocUnmap(u.pm, u.table, pagetable.PageRoundDown(addr), pagetable.PageRoundDown(addr+length))
		v.Start += length
		v.Offset += length
		v.Length -= length
		if v.FileSz > length {
			v.FileSz -= length
		} else {
			v.FileSz = 0
		}
	} else {
		pagetable.DeallocUnmap(u.pm, u.table, pagetable.PageRoundUp(addr), pagetable.PageRoundUp(addr+length))
		v.Length -= length
		v.FileSz = min(v.FileSz, v.Length)
	}
}

// freeVMA releases v back to the pool, bracketing the inode-reference
// drop in a filesystem transaction when v holds one (vma_free).
func (u *UVM) freeVMA(v *vma.VMA) {
	if v.Inode != nil {
		u.tx.BeginOp()
		u.vpool.Free(v)
		u.tx.EndOp()
		return
	}
	u.vpool.Free(v)
}

// writeBack flushes every committed page in [addr, addr+length) of a
// shared file-backed VMA to its inode, clipped to the VMA's filesz.
// It runs inside one filesystem transaction with the inode locked, per
// the inode-lock-then-page-table-mutation ordering the fault and
// unmap paths share.
func (u *UVM) writeBack(v *vma.VMA, addr, length uint64) {
	u.tx.BeginOp()
	v.Inode.Lock()
	for va := pagetable.PageRoundDown(addr); va < pagetable.PageRoundUp(addr+length); va += pagetable.PGSIZE {
		pa, ok := pagetable.GetPA(u.pm, u.table, va)
		if !ok {
			continue
		}
		va0 := max(va, addr)
		va1 := min(va+pagetable.PGSIZE, addr+length)
		va1 = min(va1, v.Start+v.FileSz)
		if va1 <= va0 {
			continue
		}
		frame := u.pm.Frame(pa)
		chunk := frame[va0-va : va1-va]
		n, err := v.Inode.WriteAt(chunk, int64(v.Offset+(va0-v.Start)))
		if err != nil || n != len(chunk) {
			panic("uvm: Unmap: write-back to inode failed")
		}
	}
	v.Inode.Unlock()
	u.tx.EndOp()
}

// GrowHeap extends (n > 0) or shrinks (n < 0) the heap VMA by |n|
// bytes. Growing fails if it would overlap another VMA or run into
// the trapframe. Shrinking always leaves at least one page in the
// heap, so the heap VMA is never entirely removed by GrowHeap alone —
// matching the reference kernel's convention of keeping a single
// unused trailing page rather than letting the heap VMA vanish.
func (u *UVM) GrowHeap(n int64) bool {
	heap := u.heap
	if heap == nil {
		panic("uvm: GrowHeap: no heap vma")
	}
	if n > 0 {
		grow := uint64(n)
		end := heap.End()
		if end+grow < end || end+grow > pagetable.TRAPFRAME {
			return false
		}
		heap.Length += grow
		for _, v := range u.slots {
			if v == nil || v == heap {
				continue
			}
			if vma.Intersect(heap, v) {
				heap.Length -= grow
				return false
			}
		}
		return true
	}
	if n < 0 {
		shrink := uint64(-n)
		if heap.Length < pagetable.PGSIZE || heap.Length-pagetable.PGSIZE < shrink {
			return false
		}
		u.Unmap(heap.End()-shrink, shrink)
		return true
	}
	return true
}

// Dup clones every VMA of u into child, cloning the underlying
// page-table COW sharing for each range. On any failure it unwinds
// every child VMA already cloned and reports false, leaving child
// with no partial state.
func (u *UVM) Dup(child *UVM) bool {
	for i, v := range u.slots {
		if v == nil {
			continue
		}
		cv := u.vpool.Dup(v)
		if cv == nil {
			child.unwind()
			return false
		}
		child.slots[i] = cv
		vaStart := pagetable.PageRoundDown(v.Start)
		vaEnd := pagetable.PageRoundUp(v.End())
		if !pagetable.Clone(u.pm, u.table, child.table, vaStart, vaEnd) {
			child.freeVMA(cv)
			child.slots[i] = nil
			child.unwind()
			return false
		}
		if v == u.heap {
			child.heap = cv
		}
	}
	return true
}

// unwind removes every VMA currently installed in child, used to roll
// back a failed Dup.
func (u *UVM) unwind() {
	for i, v := range u.slots {
		if v != nil {
			u.Unmap(v.Start, v.Length)
			u.slots[i] = nil
		}
	}
}
