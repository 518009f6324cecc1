package vfs

import (
	"sync"

	"pebblekern/internal/defs"
	"pebblekern/internal/disk"
	"pebblekern/internal/inode"
)

// Seek whence values, mirroring the syscall-layer seek/tell pair named in
// spec §6.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// File is a per-open cursor over an inode (spec §3 File layer: "per-open-file
// cursor and write-deny bit over an inode").
type File struct {
	fs    *Fs
	inode *inode.Memory

	mu     sync.Mutex
	offset int
	closed bool
}

// Filesize returns the file's length in bytes.
func (f *File) Filesize() int {
	return int(f.inode.Data().Length)
}

// Tell reports the current cursor position.
func (f *File) Tell() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Seek repositions the cursor. A result past the end is clamped to size; a
// negative result returns EINVAL and leaves the cursor unchanged.
func (f *File) Seek(off int, whence int) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sz := f.Filesize()
	var n int
	switch whence {
	case SeekSet:
		n = off
	case SeekCur:
		n = f.offset + off
	case SeekEnd:
		n = sz + off
	default:
		return 0, defs.EINVAL
	}
	if n < 0 {
		return 0, defs.EINVAL
	}
	if n > sz {
		n = sz
	}
	f.offset = n
	return n, 0
}

// Read copies up to len(buf) bytes starting at the cursor into buf,
// advancing the cursor by the number of bytes actually read.
func (f *File) Read(buf []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, defs.EBADF
	}
	od := f.inode.Data()
	remain := int(od.Length) - f.offset
	if remain <= 0 {
		return 0, 0
	}
	n := len(buf)
	if n > remain {
		n = remain
	}
	got := 0
	sec := make([]byte, disk.SectorSize)
	for got < n {
		abs := f.offset + got
		secIdx := int(od.Start) + abs/disk.SectorSize
		secOff := abs % disk.SectorSize
		if err := f.fs.disk.ReadSector(secIdx, sec); err != nil {
			return got, defs.EFAULT
		}
		c := disk.SectorSize - secOff
		if c > n-got {
			c = n - got
		}
		copy(buf[got:got+c], sec[secOff:secOff+c])
		got += c
	}
	f.offset += got
	return got, 0
}

// Write copies len(buf) bytes from buf to the cursor position, advancing
// the cursor. Spec Non-goals forbid file growth, so a write that would run
// past the inode's fixed length is short-written, matching the spec's
// instruction that operation-local failures are surfaced rather than
// silently extending the file.
func (f *File) Write(buf []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, defs.EBADF
	}
	if f.inode.WriteDenied() {
		return 0, defs.EBADF
	}
	od := f.inode.Data()
	remain := int(od.Length) - f.offset
	if remain <= 0 {
		return 0, 0
	}
	n := len(buf)
	if n > remain {
		n = remain
	}
	did := 0
	sec := make([]byte, disk.SectorSize)
	for did < n {
		abs := f.offset + did
		secIdx := int(od.Start) + abs/disk.SectorSize
		secOff := abs % disk.SectorSize
		if secOff != 0 || n-did < disk.SectorSize {
			if err := f.fs.disk.ReadSector(secIdx, sec); err != nil {
				return did, defs.EFAULT
			}
		}
		c := disk.SectorSize - secOff
		if c > n-did {
			c = n - did
		}
		copy(sec[secOff:secOff+c], buf[did:did+c])
		if err := f.fs.disk.WriteSector(secIdx, sec); err != nil {
			return did, defs.EFAULT
		}
		did += c
	}
	f.offset += did
	return did, 0
}

// ReadAt reads len(buf) bytes starting at absolute offset off (fewer if the
// file ends first), without disturbing the cursor — the primitive file-backed mmap's lazy
// loader uses (spec §4.4 "seek to aux.offset, read exactly read_bytes").
func (f *File) ReadAt(buf []byte, off int) (int, defs.Err_t) {
	f.mu.Lock()
	saved := f.offset
	f.offset = off
	f.mu.Unlock()
	n, err := f.Read(buf)
	f.mu.Lock()
	f.offset = saved
	f.mu.Unlock()
	return n, err
}

// WriteAt writes len(buf) bytes at absolute offset off without disturbing
// the cursor — used by munmap's dirty writeback (spec §4.4).
func (f *File) WriteAt(buf []byte, off int) (int, defs.Err_t) {
	f.mu.Lock()
	saved := f.offset
	f.offset = off
	f.mu.Unlock()
	n, err := f.Write(buf)
	f.mu.Lock()
	f.offset = saved
	f.mu.Unlock()
	return n, err
}

// Reopen clones this handle over the same inode with an independent cursor
// (spec §3 Lifecycle: "reopen clones a handle over the same inode"); a
// mmap'd file owns one of these so its cursor never interferes with the
// opener's (spec §4.4: "The file handle is reopened so the mapping owns an
// independent cursor").
func (f *File) Reopen() (*File, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, defs.EBADF
	}
	m, err := f.fs.inodes.Get(f.fs.disk, f.inode.Sector)
	if err != nil {
		return nil, defs.EFAULT
	}
	return &File{fs: f.fs, inode: m}, 0
}

// Close releases the handle, freeing the inode's sectors if this was the
// last open reference and the file is pending removal.
func (f *File) Close() defs.Err_t {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return defs.EBADF
	}
	f.closed = true
	f.mu.Unlock()

	var ret defs.Err_t
	f.fs.withLockInternal(func() {
		last, pending := f.fs.inodes.Put(f.inode)
		if last && pending {
			f.fs.freeInode(f.inode)
		}
	})
	return ret
}

// withLockInternal serializes close bookkeeping against concurrent
// directory operations without requiring a *syncprim.Thread (Close has no
// caller-priority context in this API).
func (fs *Fs) withLockInternal(f func()) {
	fs.lock.Acquire(internalThread)
	defer fs.lock.Release(internalThread)
	f()
}
