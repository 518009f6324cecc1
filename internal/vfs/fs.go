// Package vfs implements the flat filesystem root directory, the per-open
// file cursor, and the single global filesys_lock, grounded on biscuit's
// ufs.Ufs_t (open/create/remove/read/write/seek/close surface) and
// fs.Superblock_t's field-at-a-time on-disk record style, reworked for the
// spec's much simpler single-level, no-growth filesystem (spec §3 Filesystem
// root, §6 Root directory/Free map, §5 "a single global filesys_lock
// serializes all filesystem syscalls").
package vfs

import (
	"fmt"

	"github.com/rs/zerolog"

	"pebblekern/internal/defs"
	"pebblekern/internal/disk"
	"pebblekern/internal/freemap"
	"pebblekern/internal/inode"
	"pebblekern/internal/syncprim"
)

const (
	freeMapSector = 0
	rootSector    = 1
)

// internalThread stands in for "the current thread" on internal lock
// acquisitions (e.g. Close) that have no caller-supplied priority context.
var internalThread = syncprim.NewThread(-1, 0)

// Fs is the filesystem root: a disk, a sector free map, an inode registry,
// and the lock serializing every syscall against them (spec §5 Shared
// resource policy: "Filesystem lock").
type Fs struct {
	disk     *disk.Disk
	freeMap  *freemap.Bitmap
	inodes   *inode.Registry
	lock     *syncprim.Lock
	rootData []int // data sectors backing the root directory, in order
	log      zerolog.Logger
}

// Format initializes a fresh filesystem on d, reserving sectors 0 and 1 for
// the free map and root directory inode (spec §6 Free map: "marks sectors 0
// and 1 as used at format") and preallocating rootDirSectors of directory
// entry storage (the root directory never grows — spec Non-goals: "no file
// growth").
func Format(d *disk.Disk, rootDirSectors int, log zerolog.Logger) (*Fs, defs.Err_t) {
	fm := freemap.New(d.Nsec())
	fm.Mark(freeMapSector)
	fm.Mark(rootSector)

	dataSectors := make([]int, 0, rootDirSectors)
	for i := 0; i < rootDirSectors; i++ {
		s, ok := fm.AllocOne()
		if !ok {
			return nil, defs.ENOSPC
		}
		dataSectors = append(dataSectors, s)
		zero := make([]byte, disk.SectorSize)
		if err := d.WriteSector(s, zero); err != nil {
			return nil, defs.EFAULT
		}
	}

	rootInode := inode.OnDisk{
		Start:  int32(dataSectors[0]),
		Length: int32(rootDirSectors * disk.SectorSize),
		Magic:  inode.Magic,
	}
	if err := d.WriteSector(rootSector, rootInode.Encode()); err != nil {
		return nil, defs.EFAULT
	}

	fs := &Fs{
		disk:     d,
		freeMap:  fm,
		inodes:   inode.NewRegistry(),
		lock:     syncprim.NewLock(),
		rootData: dataSectors,
		log:      log,
	}
	return fs, 0
}

func (fs *Fs) withLock(t *syncprim.Thread, f func() defs.Err_t) defs.Err_t {
	fs.lock.Acquire(t)
	defer fs.lock.Release(t)
	return f()
}

// lookup linearly scans the root directory for name and returns its inode
// sector (spec §6: "Lookup is linear scan").
func (fs *Fs) lookup(name string) (sector int, slotSector int, slotOff int, found bool, err defs.Err_t) {
	eps := entriesPerSector()
	buf := make([]byte, disk.SectorSize)
	firstFree := -1
	firstFreeOff := -1
	for _, sec := range fs.rootData {
		if rerr := fs.disk.ReadSector(sec, buf); rerr != nil {
			return 0, 0, 0, false, defs.EFAULT
		}
		for i := 0; i < eps; i++ {
			e := decodeDirEntry(buf[i*dirEntrySize : (i+1)*dirEntrySize])
			if !e.inUse {
				if firstFree == -1 {
					firstFree = sec
					firstFreeOff = i
				}
				continue
			}
			if e.nameString() == name {
				return int(e.sector), sec, i, true, 0
			}
		}
	}
	return 0, firstFree, firstFreeOff, false, 0
}

// Create makes a new file named name whose length is capacity bytes, all
// zero (spec Non-goals: size is fixed at creation, files never grow). It returns EEXIST if the name is taken and ENOSPC if the directory
// has no free slot or the free map is exhausted.
func (fs *Fs) Create(t *syncprim.Thread, name string, capacity int) defs.Err_t {
	nm, ok := mkName(name)
	if !ok {
		return defs.ENAMETOOLONG
	}
	var ret defs.Err_t
	fs.withLock(t, func() defs.Err_t {
		_, slotSec, slotOff, found, err := fs.lookup(name)
		if err != 0 {
			ret = err
			return err
		}
		if found {
			ret = defs.EEXIST
			return ret
		}
		if slotSec == -1 {
			ret = defs.ENOSPC
			return ret
		}
		nsec := 0
		if capacity > 0 {
			nsec = (capacity + disk.SectorSize - 1) / disk.SectorSize
		}
		dataStart := -1
		allocated := make([]int, 0, nsec)
		for i := 0; i < nsec; i++ {
			s, ok := fs.freeMap.AllocOne()
			if !ok {
				for _, a := range allocated {
					fs.freeMap.Free(a)
				}
				ret = defs.ENOSPC
				return ret
			}
			if dataStart == -1 {
				dataStart = s
			}
			allocated = append(allocated, s)
			zero := make([]byte, disk.SectorSize)
			fs.disk.WriteSector(s, zero)
		}
		inodeSec, ok := fs.freeMap.AllocOne()
		if !ok {
			for _, a := range allocated {
				fs.freeMap.Free(a)
			}
			ret = defs.ENOSPC
			return ret
		}
		od := inode.OnDisk{Start: int32(dataStart), Length: int32(capacity), Magic: inode.Magic}
		if err := fs.disk.WriteSector(inodeSec, od.Encode()); err != nil {
			ret = defs.EFAULT
			return ret
		}

		buf := make([]byte, disk.SectorSize)
		fs.disk.ReadSector(slotSec, buf)
		entry := dirEntry{sector: int32(inodeSec), inUse: true}
		copy(entry.name[:], nm[:])
		copy(buf[slotOff*dirEntrySize:(slotOff+1)*dirEntrySize], entry.encode())
		if err := fs.disk.WriteSector(slotSec, buf); err != nil {
			ret = defs.EFAULT
			return ret
		}
		ret = 0
		return ret
	})
	return ret
}

// Open opens name for reading/writing and returns a File cursor over it
// (spec §3 Lifecycle: "Open file lives from open to close").
func (fs *Fs) Open(t *syncprim.Thread, name string) (*File, defs.Err_t) {
	var f *File
	var ret defs.Err_t
	fs.withLock(t, func() defs.Err_t {
		sector, _, _, found, err := fs.lookup(name)
		if err != 0 {
			ret = err
			return err
		}
		if !found {
			ret = defs.ENOENT
			return ret
		}
		m, ierr := fs.inodes.Get(fs.disk, sector)
		if ierr != nil {
			ret = defs.EFAULT
			return ret
		}
		f = &File{fs: fs, inode: m}
		ret = 0
		return ret
	})
	return f, ret
}

// Remove unlinks name from the root directory. The inode and its data
// sectors are only actually freed once every open handle closes (spec §3
// Lifecycle: "removal is deferred until the last closer").
func (fs *Fs) Remove(t *syncprim.Thread, name string) defs.Err_t {
	var ret defs.Err_t
	fs.withLock(t, func() defs.Err_t {
		sector, slotSec, slotOff, found, err := fs.lookup(name)
		if err != 0 {
			ret = err
			return err
		}
		if !found {
			ret = defs.ENOENT
			return defs.ENOENT
		}
		buf := make([]byte, disk.SectorSize)
		fs.disk.ReadSector(slotSec, buf)
		blank := dirEntry{}
		copy(buf[slotOff*dirEntrySize:(slotOff+1)*dirEntrySize], blank.encode())
		if err := fs.disk.WriteSector(slotSec, buf); err != nil {
			ret = defs.EFAULT
			return ret
		}

		m, ierr := fs.inodes.Get(fs.disk, sector)
		if ierr != nil {
			ret = defs.EFAULT
			return ret
		}
		m.MarkPendingRemove()
		last, pending := fs.inodes.Put(m)
		if last && pending {
			fs.freeInode(m)
		}
		ret = 0
		return ret
	})
	return ret
}

func (fs *Fs) freeInode(m *inode.Memory) {
	od := m.Data()
	for i := 0; i < od.Sectors(); i++ {
		fs.freeMap.Free(int(od.Start) + i)
	}
	fs.freeMap.Free(m.Sector)
}

// Statistics reports free-map occupancy, grounded on biscuit's
// ufs.Ufs_t.Statistics/Sizes diagnostics (SPEC_FULL.md supplement).
func (fs *Fs) Statistics() string {
	return fmt.Sprintf("sectors in use: %d/%d", fs.freeMap.InUse(), fs.freeMap.Len())
}
