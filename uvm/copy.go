package uvm

import (
	"github.com/useredsa/deiso-uvm/mem"
	"github.com/useredsa/deiso-uvm/pagetable"
)

// CopyOut copies src into the address space at dstva, faulting pages
// in on demand through CompleteMap. It rejects ranges that wrap or
// exceed MAXVA, returning ok == false; it never panics on a
// user-supplied address.
func (u *UVM) CopyOut(dstva uint64, src []byte) bool {
	remaining := uint64(len(src))
	if dstva+remaining < dstva || dstva+remaining > pagetable.MAXVA {
		return false
	}
	for remaining > 0 {
		va0 := pagetable.PageRoundDown(dstva)
		pte, walked := pagetable.Walk(u.pm, u.table, va0, false)
		var pa0 mem.PhysAddr
		if !walked || *pte&pagetable.PTE_V == 0 || *pte&pagetable.PTE_W == 0 {
			p, ok := u.CompleteMap(va0, pagetable.PROT_WRITE)
			if !ok {
				return false
			}
			pa0 = p
		} else {
			pa0 = pagetable.PTE2PA(*pte)
		}

		n := min(pagetable.PGSIZE-(dstva-va0), remaining)
		frame := u.pm.Frame(pa0)
		copy(frame[dstva-va0:dstva-va0+n], src[:n])

		remaining -= n
		src = src[n:]
		dstva = va0 + pagetable.PGSIZE
	}
	return true
}

// CopyIn copies len(dst) bytes from srcva into dst, faulting pages in
// on demand.
func (u *UVM) CopyIn(dst []byte, srcva uint64) bool {
	remaining := uint64(len(dst))
	for remaining > 0 {
		va0 := pagetable.PageRoundDown(srcva)
		pa0, ok := pagetable.GetPA(u.pm, u.table, va0)
		if !ok {
			p, completed := u.CompleteMap(va0, pagetable.PROT_READ)
			if !completed {
				return false
			}
			pa0 = p
		}
		n := min(pagetable.PGSIZE-(srcva-va0), remaining)
		frame := u.pm.Frame(pa0)
		copy(dst[:n], frame[srcva-va0:srcva-va0+n])

		remaining -= n
		dst = dst[n:]
		srcva = va0 + pagetable.PGSIZE
	}
	return true
}

// CopyInStr copies a NUL-terminated string of at most max bytes
// (including the terminator) from srcva into dst, which must have
// capacity at least max. It reports ok == false if no NUL byte was
// found within max bytes; on success it returns the string length
// excluding the terminator.
func (u *UVM) CopyInStr(dst []byte, srcva uint64, max int) (n int, ok bool) {
	written := 0
	for max > 0 {
		va0 := pagetable.PageRoundDown(srcva)
		pa0, got := pagetable.GetPA(u.pm, u.table, va0)
		if !got {
			p, completed := u.CompleteMap(va0, pagetable.PROT_READ)
			if !completed {
				return 0, false
			}
			pa0 = p
		}
		frame := u.pm.Frame(pa0)
		off := srcva - va0
		avail := int(min(pagetable.PGSIZE-off, uint64(max)))
		for i := 0; i < avail; i++ {
			b := frame[int(off)+i]
			if b == 0 {
				return written, true
			}
			dst[written] = b
			written++
			max--
		}
		srcva = va0 + pagetable.PGSIZE
	}
	return 0, false
}
