// Package inode implements the on-disk inode layout and the in-memory
// inode registry (spec §3 Inode layer, §6 On-disk inode). One inode occupies
// exactly one 512-byte sector; contiguous allocation means a file's data
// lives in sectors [Start, Start+ceil(Length/512)-1].
package inode

import (
	"encoding/binary"
	"sync"

	"pebblekern/internal/disk"
)

// Magic identifies a valid on-disk inode record (spec §6: magic 0x494E4F44).
const Magic uint32 = 0x494E4F44

// reservedWords is the inode's padding, in 32-bit words, after
// start/length/magic (spec §6: "125 reserved 32-bit words").
const reservedWords = 125

// OnDisk is the packed, little-endian, one-sector inode record (spec §6).
type OnDisk struct {
	Start  int32
	Length int32
	Magic  uint32
}

// Encode serializes d into exactly disk.SectorSize bytes.
func (d *OnDisk) Encode() []byte {
	buf := make([]byte, disk.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Start))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Length))
	binary.LittleEndian.PutUint32(buf[8:12], d.Magic)
	// bytes [12, 12+4*reservedWords) are reserved, left zero.
	return buf
}

// Decode parses a sector-sized buffer into an OnDisk record.
func Decode(buf []byte) OnDisk {
	return OnDisk{
		Start:  int32(binary.LittleEndian.Uint32(buf[0:4])),
		Length: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Magic:  binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// sectorsFor returns the number of 512-byte sectors needed to hold length
// bytes of file data.
func sectorsFor(length int32) int {
	if length <= 0 {
		return 0
	}
	n := int(length) / disk.SectorSize
	if int(length)%disk.SectorSize != 0 {
		n++
	}
	return n
}

// Sectors reports how many data sectors this inode's file occupies.
func (d *OnDisk) Sectors() int {
	return sectorsFor(d.Length)
}

// Memory is the in-memory registry entry for an open inode: reference
// counted by open count, with a pending-remove flag and a write-deny count
// (spec §3 Lifecycle: "removal is deferred until the last closer").
type Memory struct {
	Sector int

	mu           sync.Mutex
	disk         OnDisk
	openCount    int
	pendingRemov bool
	writeDeny    int
}

// Registry is the process-wide table of open inodes, keyed by disk sector
// (spec §3 Open-file registry / Inode layer: "in-memory inode registry with
// open-count, pending-remove flag, write-deny count").
type Registry struct {
	mu    sync.Mutex
	byDir map[int]*Memory
}

// NewRegistry creates an empty inode registry.
func NewRegistry() *Registry {
	return &Registry{byDir: make(map[int]*Memory)}
}

// Get returns the in-memory inode for sector, loading it from d if this is
// the first open, and bumps its open count.
func (r *Registry) Get(d *disk.Disk, sector int) (*Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byDir[sector]; ok {
		m.mu.Lock()
		m.openCount++
		m.mu.Unlock()
		return m, nil
	}
	buf := make([]byte, disk.SectorSize)
	if err := d.ReadSector(sector, buf); err != nil {
		return nil, err
	}
	od := Decode(buf)
	if od.Magic != Magic {
		panic("inode: bad magic — corrupt on-disk inode")
	}
	m := &Memory{Sector: sector, disk: od, openCount: 1}
	r.byDir[sector] = m
	return m, nil
}

// Data returns a copy of the inode's current on-disk fields.
func (m *Memory) Data() OnDisk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disk
}

// SetLength updates the cached inode length (spec Non-goals: no file
// growth, so this only ever narrows bookkeeping after a deliberate resize
// at creation time, never a write-triggered extension).
func (m *Memory) SetLength(n int32) {
	m.mu.Lock()
	m.disk.Length = n
	m.mu.Unlock()
}

// DenyWrite increments the write-deny count (set while a process has the
// inode open for execution in the original system; kept here so Fs can
// refuse concurrent writes when a caller has asked for exclusive access).
func (m *Memory) DenyWrite() {
	m.mu.Lock()
	m.writeDeny++
	m.mu.Unlock()
}

// AllowWrite decrements the write-deny count.
func (m *Memory) AllowWrite() {
	m.mu.Lock()
	m.writeDeny--
	m.mu.Unlock()
}

// WriteDenied reports whether writes are currently denied.
func (m *Memory) WriteDenied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeDeny > 0
}

// MarkPendingRemove flags the inode to be removed on last close.
func (m *Memory) MarkPendingRemove() {
	m.mu.Lock()
	m.pendingRemov = true
	m.mu.Unlock()
}

// Put decrements the open count and reports whether this was the last
// closer (the caller must then free the inode's sectors on the free map and
// its own sector if pendingRemov is set).
func (r *Registry) Put(m *Memory) (lastClose, pendingRemove bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCount--
	if m.openCount < 0 {
		panic("inode: negative open count")
	}
	if m.openCount == 0 {
		delete(r.byDir, m.Sector)
		return true, m.pendingRemov
	}
	return false, false
}

// Flush writes the inode's current fields back to its sector.
func (m *Memory) Flush(d *disk.Disk) error {
	m.mu.Lock()
	od := m.disk
	m.mu.Unlock()
	return d.WriteSector(m.Sector, od.Encode())
}
