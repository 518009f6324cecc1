// Package kernel bundles the process-wide singletons every address space
// shares — the two disks, the frame table, the swap table, the open-inode
// registry's filesystem, and the logger — into one context type (spec §9
// Design notes: "process-wide singletons... encapsulated behind a Kernel
// context"), grounded on biscuit's kernel/chentry.go boot-assembly style
// (a single struct wiring subsystems together before any process runs).
package kernel

import (
	"fmt"

	"github.com/rs/zerolog"

	"pebblekern/internal/defs"
	"pebblekern/internal/disk"
	"pebblekern/internal/frame"
	"pebblekern/internal/klog"
	"pebblekern/internal/swap"
	"pebblekern/internal/vfs"
	"pebblekern/internal/vm"
)

// Config holds the boot-time parameters cmd/pebbleboot assembles from CLI
// flags instead of hardcoded constants (spec §9: the distilled spec is
// silent on boot-time configuration).
type Config struct {
	FilesysDiskSectors int
	SwapDiskSectors    int
	FrameCount         int
	RootDirSectors     int
	LogLevel           string
}

// Kernel is the assembled subsystem graph a process's AddressSpace is
// created against.
type Kernel struct {
	Log zerolog.Logger

	filesysDisk *disk.Disk
	swapDisk    *disk.Disk
	frames      *frame.Table
	swapTbl     *swap.Table
	fs          *vfs.Fs
}

// Boot assembles a fresh Kernel: formats the filesystem disk, allocates the
// frame pool, and wires the swap table — the minimal stand-in for the
// boot loader named out of scope at the interface level (spec §1).
func Boot(cfg Config) (*Kernel, defs.Err_t) {
	log := klog.New(cfg.LogLevel)

	fd := disk.New("filesys_disk", cfg.FilesysDiskSectors)
	fs, err := vfs.Format(fd, cfg.RootDirSectors, log)
	if err != 0 {
		fd.Close()
		return nil, err
	}

	sd := disk.New("swap_disk", cfg.SwapDiskSectors)
	swapTbl := swap.New(sd)
	frames := frame.NewTable(cfg.FrameCount, log)

	k := &Kernel{
		Log:         log,
		filesysDisk: fd,
		swapDisk:    sd,
		frames:      frames,
		swapTbl:     swapTbl,
		fs:          fs,
	}
	log.Info().
		Int("filesys_sectors", cfg.FilesysDiskSectors).
		Int("swap_sectors", cfg.SwapDiskSectors).
		Int("frames", cfg.FrameCount).
		Msg("kernel booted")
	return k, 0
}

// Fs exposes the kernel's single filesystem, the way every process's
// syscall layer reaches the flat root directory (spec §2 component 5).
func (k *Kernel) Fs() *vfs.Fs {
	return k.fs
}

// NewAddressSpace creates a fresh, empty address space sharing this
// kernel's process-wide frame pool and swap table (spec §5: "Frame list and
// user page pool are process-wide shared state").
func (k *Kernel) NewAddressSpace() *vm.AddressSpace {
	return vm.New(k.frames, k.swapTbl, k.Log)
}

// Fork produces a child address space via the spec §4.6 deep-copy protocol,
// sharing this kernel's frame pool and swap table.
func (k *Kernel) Fork(parent *vm.AddressSpace) (*vm.AddressSpace, bool) {
	return parent.Fork(k.frames, k.swapTbl, k.Log)
}

// Statistics reports a one-line snapshot of kernel-wide resource occupancy,
// grounded on ufs.Ufs_t.Statistics/Sizes (SPEC_FULL.md supplement).
func (k *Kernel) Statistics() string {
	return fmt.Sprintf("%s, frames in use: %d/%d, swap slots in use: %d/%d",
		k.fs.Statistics(), k.frames.InUse(), k.frames.Size(), k.swapTbl.InUse(), k.swapTbl.Slots())
}

// Shutdown closes both disks. Not part of any spec'd lifecycle; it exists
// so tests and cmd/pebbleboot can clean up deterministically.
func (k *Kernel) Shutdown() {
	k.filesysDisk.Close()
	k.swapDisk.Close()
}
