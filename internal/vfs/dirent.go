package vfs

import (
	"encoding/binary"

	"pebblekern/internal/disk"
)

// MaxNameLen is the longest file name the flat root directory accepts
// (spec §6: "name (15B, NUL-terminated, max name length 14)").
const MaxNameLen = 14

// dirEntrySize is the on-disk size of one root-directory entry: a 4-byte
// inode sector, a 15-byte NUL-terminated name, and a 1-byte in-use flag
// (spec §6 Root directory).
const dirEntrySize = 4 + 15 + 1

type dirEntry struct {
	sector int32
	name   [15]byte
	inUse  bool
}

func (e dirEntry) encode() []byte {
	buf := make([]byte, dirEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.sector))
	copy(buf[4:19], e.name[:])
	if e.inUse {
		buf[19] = 1
	}
	return buf
}

func decodeDirEntry(buf []byte) dirEntry {
	var e dirEntry
	e.sector = int32(binary.LittleEndian.Uint32(buf[0:4]))
	copy(e.name[:], buf[4:19])
	e.inUse = buf[19] != 0
	return e
}

func (e dirEntry) nameString() string {
	n := 0
	for n < len(e.name) && e.name[n] != 0 {
		n++
	}
	return string(e.name[:n])
}

func mkName(name string) ([15]byte, bool) {
	var out [15]byte
	if len(name) == 0 || len(name) > MaxNameLen {
		return out, false
	}
	copy(out[:], name)
	return out, true
}

// entriesPerSector reports how many dirEntry records fit in one disk
// sector.
func entriesPerSector() int {
	return disk.SectorSize / dirEntrySize
}
