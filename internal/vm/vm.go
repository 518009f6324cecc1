// Package vm implements the per-process address space: the simulated MMU
// (page.MMU), the page-fault handler of spec §4.7, and the mmap/munmap
// protocol of spec §4.4. Grounded on biscuit's vm/as.go Addr_space_t
// (fault routing, region bookkeeping) and userbuf.go (address validation),
// reworked around the spec's page-granular SPT, stack-growth heuristic, and
// file-backed-mmap lifecycle that biscuit's copy-on-write design doesn't
// need.
package vm

import (
	"github.com/rs/zerolog"

	"pebblekern/internal/defs"
	"pebblekern/internal/frame"
	"pebblekern/internal/mem"
	"pebblekern/internal/page"
	"pebblekern/internal/spt"
	"pebblekern/internal/swap"
	"pebblekern/internal/vfs"
)

// UserStackTop is the fixed top of the user stack region (spec §4.7 stack
// growth heuristic: "a fixed user-stack top").
const UserStackTop mem.VA = 0x7FFFFFFFF000

// StackGrowthLimit is the size of the window below UserStackTop within
// which an unmapped fault may be treated as stack growth (spec §4.7:
// "within a 1 MiB window below the fixed user-stack top").
const StackGrowthLimit = 1 << 20

// stackSlack is how close to the user RSP a faulting address must lie to be
// considered a stack-growth fault, accommodating the x86 push
// instruction's pre-decrement (spec §4.7: "within 8 bytes of the user
// RSP").
const stackSlack = 8

// kernelBoundary is the lowest kernel-space address; any fault at or above
// it is a kernel-space access from user context and is always fatal (spec
// §4.7 Validation: "kernel-space address -> terminate").
const kernelBoundary mem.VA = 0x8000000000000000

// AddressSpace is one process's virtual memory: its SPT plus the simulated
// hardware page table that caches SPT residency (spec §9 design notes:
// "the MMU PTE is a derived third view...always recomputable from
// (Page, Frame)").
type AddressSpace struct {
	spt  *spt.Table
	ptes map[mem.VA]*mem.PTE
	deps page.Deps
	log  zerolog.Logger
}

// New creates an empty address space backed by frames and swapTbl, logging
// through log.
func New(frames *frame.Table, swapTbl *swap.Table, log zerolog.Logger) *AddressSpace {
	as := &AddressSpace{
		spt:  spt.New(),
		ptes: make(map[mem.VA]*mem.PTE),
		log:  log,
	}
	as.deps = page.Deps{Frames: frames, Swap: swapTbl, MMU: as}
	return as
}

// ClearMapping implements page.MMU: it drops the simulated PTE for va.
func (as *AddressSpace) ClearMapping(va mem.VA) {
	delete(as.ptes, mem.PageRound(va))
}

// InstallMapping implements page.MMU: it installs a live PTE va -> f.kva
// honoring writable (spec §3 invariant: "resident iff frame is set and the
// MMU has a live PTE...with writable honoured").
func (as *AddressSpace) InstallMapping(va mem.VA, f *frame.Frame, writable bool) {
	as.ptes[mem.PageRound(va)] = &mem.PTE{Present: true, Writable: writable, Frame: f}
}

// IsDirty implements page.MMU.
func (as *AddressSpace) IsDirty(va mem.VA) bool {
	pte := as.ptes[mem.PageRound(va)]
	return pte != nil && pte.Dirty
}

// ClearDirty implements page.MMU.
func (as *AddressSpace) ClearDirty(va mem.VA) {
	if pte := as.ptes[mem.PageRound(va)]; pte != nil {
		pte.Dirty = false
	}
}

// MarkWritten flags va's PTE dirty and accessed — the hardware side effect
// of a simulated write access, called by whatever stands in for the
// user-mode memory-access path in this simulated kernel (e.g. a syscall's
// copyout, or a test driving the fault handler directly).
func (as *AddressSpace) MarkWritten(va mem.VA) {
	if pte := as.ptes[mem.PageRound(va)]; pte != nil {
		pte.Dirty = true
		pte.Accessed = true
	}
}

// SPT exposes the address space's Supplemental Page Table, chiefly for
// mmap/munmap and fork.
func (as *AddressSpace) SPT() *spt.Table {
	return as.spt
}

// Deps exposes the address space's page dependency bundle (its own MMU
// seam plus the process-wide frame/swap tables), for callers constructing
// pages directly (e.g. an ELF loader's alloc_page_with_initializer calls,
// out of this package's scope).
func (as *AddressSpace) Deps() page.Deps {
	return as.deps
}

// resident reports whether va currently has a live PTE.
func (as *AddressSpace) resident(va mem.VA) bool {
	pte := as.ptes[mem.PageRound(va)]
	return pte != nil && pte.Present
}

// claim resolves p to resident and installs its MMU mapping (spec §4.7
// Resolution: "claim the page (acquire a frame, install the MMU mapping
// with the page's writable flag, dispatch swap_in for the variant)").
func (as *AddressSpace) claim(p *page.Page) defs.Err_t {
	if err := p.SwapIn(); err != 0 {
		return err
	}
	as.InstallMapping(p.VA, p.Frame, p.Writable)
	return 0
}

// HandleFault routes a page fault per spec §4.7. addr is the faulting
// address; write is true for a write access; notPresent is true unless
// this is a protection fault on an already-present mapping; userRSP is the
// interrupted frame's user stack pointer, consulted only for the
// stack-growth heuristic. Returns 0 on success or defs.ExitFatal if the
// fault is unresolvable and the owning process must be terminated with
// status -1.
func (as *AddressSpace) HandleFault(addr mem.VA, write, notPresent bool, userRSP mem.VA) defs.Err_t {
	if addr == 0 || addr >= kernelBoundary {
		as.log.Warn().Uint64("addr", uint64(addr)).Msg("fault at null or kernel address, terminating")
		return defs.ExitFatal
	}
	if !notPresent {
		// Protection fault on an already-present page. No copy-on-write hook
		// exists in this kernel (spec Non-goals), so this is always fatal.
		as.log.Warn().Uint64("addr", uint64(addr)).Msg("protection fault, terminating")
		return defs.ExitFatal
	}

	va := mem.PageRound(addr)
	p := as.spt.Find(va)
	if p == nil {
		if as.isStackGrowth(addr, userRSP) {
			np := page.NewAnon(va, true, as.deps)
			if !as.spt.Insert(np) {
				as.log.Warn().Msg("stack growth insert collided with existing entry")
				return defs.ExitFatal
			}
			if err := as.claim(np); err != 0 {
				return defs.ExitFatal
			}
			return 0
		}
		as.log.Warn().Uint64("addr", uint64(addr)).Msg("no SPT entry, terminating")
		return defs.ExitFatal
	}

	if write && !p.Writable {
		as.log.Warn().Uint64("addr", uint64(addr)).Msg("write fault on read-only page, terminating")
		return defs.ExitFatal
	}

	if err := as.claim(p); err != 0 {
		as.log.Warn().Uint64("addr", uint64(addr)).Msg("claim failed, terminating")
		return defs.ExitFatal
	}
	return 0
}

// isStackGrowth implements the spec §4.7 heuristic: addr is within
// StackGrowthLimit bytes below UserStackTop, and within stackSlack bytes of
// the user stack pointer.
func (as *AddressSpace) isStackGrowth(addr, userRSP mem.VA) bool {
	if addr > UserStackTop || addr < UserStackTop-StackGrowthLimit {
		return false
	}
	var delta mem.VA
	if addr >= userRSP {
		delta = addr - userRSP
	} else {
		delta = userRSP - addr
	}
	return delta <= stackSlack
}

// Mmap implements do_mmap(addr, length, writable, file, offset) (spec §4.4,
// §6): lays UNINIT-of-FILE pages across [addr, addr+ceil(length,page)),
// backed by an independent reopened cursor over f starting at file offset
// offset, and returns addr. Fails if any covered page already has an SPT
// entry.
func (as *AddressSpace) Mmap(addr mem.VA, length int, writable bool, f *vfs.File, offset int) (mem.VA, defs.Err_t) {
	if addr == 0 || mem.PageRound(addr) != addr || length <= 0 || offset < 0 {
		return 0, defs.EINVAL
	}
	mapped, err := f.Reopen()
	if err != 0 {
		return 0, err
	}

	npages := (length + mem.PageSize - 1) / mem.PageSize
	for i := 0; i < npages; i++ {
		va := addr + mem.VA(i*mem.PageSize)
		if as.spt.Find(va) != nil {
			return 0, defs.EINVAL
		}
	}

	fileOffset := offset
	remaining := length
	built := make([]*page.Page, 0, npages)
	for i := 0; i < npages; i++ {
		readBytes := mem.PageSize
		if remaining < mem.PageSize {
			readBytes = remaining
		}
		zeroBytes := mem.PageSize - readBytes
		aux := &page.FileAux{
			File:               mapped,
			Offset:             fileOffset,
			ReadBytes:          readBytes,
			ZeroBytes:          zeroBytes,
			TotalMappingLength: length,
			FirstPageOfMapping: i == 0,
		}
		va := addr + mem.VA(i*mem.PageSize)
		p, perr := page.NewUninit(va, writable, page.File, nil, aux, as.deps)
		if perr != 0 {
			return 0, perr
		}
		built = append(built, p)
		fileOffset += readBytes
		remaining -= readBytes
	}

	for _, p := range built {
		if !as.spt.Insert(p) {
			return 0, defs.EINVAL
		}
	}
	return addr, 0
}

// Munmap implements do_munmap (spec §4.4). addr must name the first page of
// an existing FILE mapping; otherwise this is a no-op. The first page is
// recognized by an explicit marker (IsMappingStart), not by file offset —
// a mapping can legitimately start at a nonzero file offset — and the
// mapping's length is read through MappingLen, which still works for a
// page that hasn't faulted in (and so is still UNINIT-of-FILE) since that
// state carries the same aux block Mmap built it with.
func (as *AddressSpace) Munmap(addr mem.VA) {
	first := as.spt.Find(mem.PageRound(addr))
	if first == nil || first.TypeAfterInit() != page.File || !first.IsMappingStart() {
		return
	}
	total := first.MappingLen()
	npages := (total + mem.PageSize - 1) / mem.PageSize
	for i := 0; i < npages; i++ {
		va := mem.PageRound(addr) + mem.VA(i*mem.PageSize)
		if p := as.spt.Find(va); p != nil {
			as.spt.Remove(p)
		}
	}
}

// ReadByte simulates a user-mode memory read at va (spec §8 testable
// property 2, MMU coherence): a non-resident va faults in transparently,
// after which the byte is read straight out of the resident frame.
func (as *AddressSpace) ReadByte(va mem.VA) (byte, defs.Err_t) {
	if !as.resident(va) {
		if err := as.HandleFault(va, false, true, va); err != 0 {
			return 0, err
		}
	}
	pte := as.ptes[mem.PageRound(va)]
	return pte.Frame.KVA[int(va)%mem.PageSize], 0
}

// WriteByte simulates a user-mode memory write at va, dirtying the
// simulated PTE. A write to a resident read-only page is routed back
// through HandleFault as a protection fault so it terminates the same way
// a real write-protect trap would (spec §4.7 Validation).
func (as *AddressSpace) WriteByte(va mem.VA, b byte) defs.Err_t {
	if !as.resident(va) {
		if err := as.HandleFault(va, true, true, va); err != 0 {
			return err
		}
	}
	pte := as.ptes[mem.PageRound(va)]
	if !pte.Writable {
		return as.HandleFault(va, true, false, va)
	}
	pte.Frame.KVA[int(va)%mem.PageSize] = b
	pte.Dirty = true
	pte.Accessed = true
	return 0
}

// Kill tears down the entire address space (spec §5: "Process exit tears
// down its SPT synchronously").
func (as *AddressSpace) Kill() {
	as.spt.Kill()
	as.ptes = make(map[mem.VA]*mem.PTE)
}

// Fork deep-copies this address space into a fresh child (spec §4.6),
// returning the child or false on any failure.
func (as *AddressSpace) Fork(frames *frame.Table, swapTbl *swap.Table, log zerolog.Logger) (*AddressSpace, bool) {
	child := New(frames, swapTbl, log)
	if !spt.Copy(child.spt, as.spt, child.deps) {
		child.Kill()
		return nil, false
	}
	for _, p := range child.spt.All() {
		if p.Resident() {
			child.InstallMapping(p.VA, p.Frame, p.Writable)
		}
	}
	return child, true
}
