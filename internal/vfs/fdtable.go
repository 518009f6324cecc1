package vfs

import (
	"sync"

	"pebblekern/internal/defs"
)

// firstFileFD is the first descriptor number available for files; 0 and 1
// are reserved for console I/O (spec §3: "entries 0 and 1 reserved for
// console I/O").
const firstFileFD = 2

// maxFDs bounds the fixed-size per-process descriptor array (spec §3:
// "a process-local fixed array of file handles indexed by small integer
// file descriptor").
const maxFDs = 128

// FDTable is a process-local open-file registry.
type FDTable struct {
	mu    sync.Mutex
	slots [maxFDs]*File
}

// NewFDTable creates an empty descriptor table.
func NewFDTable() *FDTable {
	return &FDTable{}
}

// Install assigns f to the lowest free descriptor number and returns it.
func (t *FDTable) Install(f *File) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := firstFileFD; i < maxFDs; i++ {
		if t.slots[i] == nil {
			t.slots[i] = f
			return i, 0
		}
	}
	return 0, defs.ENOHEAP
}

// Get returns the file installed at fd.
func (t *FDTable) Get(fd int) (*File, defs.Err_t) {
	if fd < firstFileFD || fd >= maxFDs {
		return nil, defs.EBADF
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.slots[fd]
	if f == nil {
		return nil, defs.EBADF
	}
	return f, 0
}

// Release removes fd from the table without closing the underlying file
// (the caller has already closed it or wants to keep it alive under a
// different owner, e.g. a reopened mmap handle).
func (t *FDTable) Release(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= firstFileFD && fd < maxFDs {
		t.slots[fd] = nil
	}
}

// CloseFD closes and removes fd.
func (t *FDTable) CloseFD(fd int) defs.Err_t {
	f, err := t.Get(fd)
	if err != 0 {
		return err
	}
	t.Release(fd)
	return f.Close()
}
