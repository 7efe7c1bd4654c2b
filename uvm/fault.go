package uvm

import (
	"github.com/useredsa/deiso-uvm/mem"
	"github.com/useredsa/deiso-uvm/pagetable"
)

// CompleteMap is the fault engine's single entry point (uvm_completemap).
// va must be page-aligned and below MAXVA; missingPerm is one of
// PROT_READ, PROT_WRITE, PROT_EXECUTE identifying the access that
// faulted. It returns the physical address the access may now proceed
// against, or ok == false if the fault is not one this subsystem can
// resolve — the caller (trap handler) must then kill the process.
func (u *UVM) CompleteMap(va uint64, missingPerm pagetable.PTE) (pa mem.PhysAddr, ok bool) {
	if va%pagetable.PGSIZE != 0 || va >= pagetable.MAXVA {
		return 0, false
	}
	v := u.VMAFor(va)
	if v == nil || v.Perm&missingPerm == 0 {
		return 0, false
	}

	pte, walked := pagetable.Walk(u.pm, u.table, va, true)
	if !walked {
		return 0, false
	}

	// Case A: leaf not valid yet — demand-zero, optionally backed by a
	// file read-in.
	if *pte&pagetable.PTE_V == 0 {
		frame, allocated := u.pm.Alloc()
		if !allocated {
			return 0, false
		}
		u.pm.Zero(frame)
		*pte = pagetable.PA2PTE(frame) | v.Perm | pagetable.PTE_V | pagetable.PTE_U

		if v.Inode != nil {
			eof := v.Start + v.FileSz
			if va < eof {
				readsz := min(eof-va, pagetable.PGSIZE)
				u.tx.BeginOp()
				v.Inode.Lock()
				n, err := v.Inode.ReadAt(u.pm.Frame(frame)[:readsz], int64(v.Offset+(va-v.Start)))
				v.Inode.Unlock()
				u.tx.EndOp()
				if err != nil || uint64(n) != readsz {
					panic("uvm: CompleteMap: short read filling a file-backed page")
				}
			}
		}
		return frame, true
	}

	// Case B: a valid leaf the user may not touch (trampoline,
	// trapframe, stack guard).
	if *pte&pagetable.PTE_U == 0 {
		return 0, false
	}

	// Case C: write fault against a COW leaf.
	if missingPerm == pagetable.PROT_WRITE && *pte&pagetable.PTE_W == 0 {
		pa := pagetable.PTE2PA(*pte)
		if u.pm.SingleRef(pa) {
			*pte |= pagetable.PTE_W
			return pa, true
		}
		fresh, allocated := u.pm.Alloc()
		if !allocated {
			return 0, false
		}
		copy(u.pm.Frame(fresh), u.pm.Frame(pa))
		*pte = pagetable.PA2PTE(fresh) | pagetable.PTEFlags(*pte) | pagetable.PTE_W
		u.pm.Free(pa)
		return fresh, true
	}

	// Case D: benign re-entry — the access bit the fault asked for is
	// already satisfied.
	return pagetable.PTE2PA(*pte), true
}
