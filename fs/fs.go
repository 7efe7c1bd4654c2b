// Package fs declares the filesystem contracts this subsystem consumes
// but does not implement: inode handles and the begin_op/end_op
// transaction bracket described in spec.md §6 ("Outbound calls to
// collaborators"). The filesystem layer proper — directories, the
// log, on-disk layout — is explicitly out of this subsystem's scope;
// callers inject a concrete Inode/TxManager the way the reference
// kernel links against fs.c's begin_op/ilock/iunlock/idup/iput/readi
// /writei.
package fs

// Inode is the handle a file-backed VMA holds for the lifetime of its
// mapping. Dup/Put mirror idup/iput: Dup is called once when a VMA
// takes its own reference (at vma_init and again at vma_dup), Put once
// when that reference is released (at vma_free). Lock/Unlock mirror
// ilock/iunlock and must be held across ReadAt/WriteAt.
type Inode interface {
	Lock()
	Unlock()
	Dup() Inode
	Put()

	// ReadAt reads into p starting at the file offset off, returning
	// the number of bytes copied. It mirrors readi: a short read
	// (n < len(p) with err == nil, before EOF) is a fault the caller
	// must treat as fatal, matching the reference's readi contract.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes p at the file offset off, returning the number
	// of bytes written. It mirrors writei: a short write is fatal to
	// the caller, per spec.md's "a partial write is fatal".
	WriteAt(p []byte, off int64) (n int, err error)
}

// TxManager brackets filesystem transactions: BeginOp/EndOp mirror
// begin_op/end_op. Any code path that locks an inode and calls ReadAt
// or WriteAt must run inside one of these transactions.
type TxManager interface {
	BeginOp()
	EndOp()
}
