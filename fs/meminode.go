package fs

import (
	"fmt"
	"sync"
)

// MemInode is a minimal in-memory Inode, useful for tests and for any
// caller that wants a file-backed mapping without a real filesystem
// underneath it. It is not a filesystem: there is no directory, no
// log, no on-disk representation — just a growable byte buffer and a
// reference count, matching the subset of inode behavior this
// subsystem actually relies on.
type MemInode struct {
	mu    sync.Mutex
	data  []byte
	refs  int
	held  bool
}

// NewMemInode creates a single-reference inode backed by a copy of
// data.
func NewMemInode(data []byte) *MemInode {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &MemInode{data: buf, refs: 1}
}

// Lock implements Inode.
func (m *MemInode) Lock() {
	m.mu.Lock()
	if m.held {
		panic("fs: MemInode: recursive Lock")
	}
	m.held = true
}

// Unlock implements Inode.
func (m *MemInode) Unlock() {
	if !m.held {
		panic("fs: MemInode: Unlock without Lock")
	}
	m.held = false
	m.mu.Unlock()
}

// Dup implements Inode: idup.
func (m *MemInode) Dup() Inode {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
	return m
}

// Put implements Inode: iput.
func (m *MemInode) Put() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs <= 0 {
		panic("fs: MemInode: Put of an unreferenced inode")
	}
	m.refs--
}

// Refs reports the inode's current reference count, for tests.
func (m *MemInode) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// ReadAt implements Inode.
func (m *MemInode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("fs: MemInode.ReadAt: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

// WriteAt implements Inode, growing the backing buffer as needed.
func (m *MemInode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("fs: MemInode.WriteAt: negative offset %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:end], p), nil
}

// Bytes returns a copy of the inode's current contents, for tests.
func (m *MemInode) Bytes() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// NopTxManager is a TxManager with no transactional behavior, suitable
// for tests and for any caller whose underlying storage needs no
// logging/commit protocol.
type NopTxManager struct{}

// BeginOp implements TxManager.
func (NopTxManager) BeginOp() {}

// EndOp implements TxManager.
func (NopTxManager) EndOp() {}
