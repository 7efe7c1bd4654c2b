// Package vma implements the fixed-capacity virtual-memory-area pool
// (spec component C): the records describing which ranges of an
// address space are mapped, with what permissions, and backed by what
// (anonymous memory, a private file mapping, or a shared file
// mapping).
package vma

import (
	"sync"

	"github.com/useredsa/deiso-uvm/fs"
	"github.com/useredsa/deiso-uvm/pagetable"
)

// Sharing distinguishes a VMA's copy semantics across fork and its
// write-back behavior.
type Sharing int

const (
	// Private mappings are copy-on-write across fork and never write
	// back to their backing inode.
	Private Sharing = iota
	// Shared mappings write their committed pages back to the backing
	// inode on unmap. Across fork they are cloned copy-on-write like
	// Private ones, so a later write gives the writer its own frame.
	Shared
)

// VMA describes one mapped region of an address space. A zero-value
// VMA is unused; Used reports whether the slot currently holds a live
// mapping.
type VMA struct {
	Used   bool
	Start  uint64
	Length uint64
	Perm   pagetable.PTE
	Flags  Sharing

	// Inode and Offset/FileSz are meaningful only for file-backed
	// mappings (Inode != nil); an anonymous mapping leaves them zero.
	Inode  fs.Inode
	Offset uint64
	FileSz uint64
}

// End returns the address one past the VMA's last byte.
func (v *VMA) End() uint64 {
	return v.Start + v.Length
}

// Intersect reports whether v and w overlap once both ranges are
// rounded out to whole pages (vma_intersect): a VMA's start/length need
// not be page-aligned, but the pages it occupies are what actually get
// mapped, so two VMAs that share a page must be treated as overlapping
// even when their raw byte ranges are disjoint.
func Intersect(v, w *VMA) bool {
	l := pagetable.PageRoundDown(v.Start)
	if pagetable.PageRoundDown(w.Start) > l {
		l = pagetable.PageRoundDown(w.Start)
	}
	r := pagetable.PageRoundUp(v.End())
	if pagetable.PageRoundUp(w.End()) < r {
		r = pagetable.PageRoundUp(w.End())
	}
	return l < r
}

// Pool is a fixed-capacity set of VMA slots guarded by a single mutex,
// mirroring the reference kernel's global vma table and its lock_vmas
// spinlock. A Pool has no notion of which address space a slot belongs
// to — that association lives in the uvm package, which holds *VMA
// pointers returned by this pool.
type Pool struct {
	mu    sync.Mutex
	slots []VMA
}

// NewPool allocates a pool with room for capacity simultaneous VMAs.
func NewPool(capacity int) *Pool {
	return &Pool{slots: make([]VMA, capacity)}
}

// alloc reserves and returns a free slot, already marked Used. The
// pool's lock is released before the caller initializes the slot's
// fields: a freshly allocated VMA is visible to other lookups (e.g. a
// concurrent fault on an adjoining VMA scanning the same address
// space) before Start/Length are set, so callers must finish Init
// before any other goroutine can legitimately observe the owning
// address space's slot table.
func (p *Pool) alloc() *VMA {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if !p.slots[i].Used {
			p.slots[i].Used = true
			return &p.slots[i]
		}
	}
	return nil
}

// Init allocates a fresh VMA and populates it with the given fields.
// It returns nil if the pool is exhausted. Init takes its own
// reference on inode (via Dup) when inode is non-nil.
func (p *Pool) Init(start, length uint64, perm pagetable.PTE, flags Sharing, inode fs.Inode, offset, fileSz uint64) *VMA {
	v := p.alloc()
	if v == nil {
		return nil
	}
	v.Start = start
	v.Length = length
	v.Perm = perm
	v.Flags = flags
	v.Offset = offset
	v.FileSz = fileSz
	if inode != nil {
		v.Inode = inode.Dup()
	}
	return v
}

// Dup allocates a new VMA that is a copy of src, taking its own
// reference on src's inode if any. It returns nil if the pool is
// exhausted.
func (p *Pool) Dup(src *VMA) *VMA {
	return p.Init(src.Start, src.Length, src.Perm, src.Flags, src.Inode, src.Offset, src.FileSz)
}

// Free releases v's inode reference, if any, and returns the slot to
// the pool. Freeing an already-free VMA is a fatal invariant
// violation.
func (p *Pool) Free(v *VMA) {
	if v.Inode != nil {
		v.Inode.Put()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !v.Used {
		panic("vma: Free of an already-free VMA")
	}
	*v = VMA{}
}
