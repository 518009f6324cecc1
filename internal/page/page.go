// Package page implements the Page tagged union and the lazy-load protocol
// of spec §3-§4.4: a page starts life as UNINIT and transmutes exactly once,
// on first fault, into a concrete backing variant (ANON, FILE, or
// PAGE_CACHE). Grounded on biscuit's Vminfo_t/mtype_t sum-type-with-dispatch
// pattern (vm/as.go: Mtype, Filepage, the UNINIT-style lazy aux blob), but
// reworked around the spec's explicit UNINIT state (biscuit never models an
// unpopulated page as its own state — it resolves lazily inline inside the
// fault handler) and the spec's anon-swap/mmap-writeback semantics biscuit's
// copy-on-write design doesn't need.
package page

import (
	"pebblekern/internal/defs"
	"pebblekern/internal/frame"
	"pebblekern/internal/mem"
	"pebblekern/internal/swap"
	"pebblekern/internal/vfs"
)

// State is the Page's active tagged-union variant (spec §3 Page.state).
type State int

const (
	Uninit State = iota
	Anon
	File
	PageCache
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "UNINIT"
	case Anon:
		return "ANON"
	case File:
		return "FILE"
	case PageCache:
		return "PAGE_CACHE"
	default:
		return "?"
	}
}

// InitFn is the lazy loader invoked once, right after a page transmutes out
// of UNINIT, to populate its contents (spec §4.2 step 2: "typically a
// segment-from-file reader"). aux is the same parameter block the page was
// allocated with.
type InitFn func(p *Page, aux interface{}, kva []byte) bool

// MMU is implemented by the owning address space so page variants can
// install/clear the simulated hardware mapping without this package
// depending on the vm package (spec §9 design notes: the MMU PTE is a
// derived view, recomputable from (Page, Frame), and is mutated here only
// through this seam).
type MMU interface {
	ClearMapping(va mem.VA)
	InstallMapping(va mem.VA, f *frame.Frame, writable bool)
	IsDirty(va mem.VA) bool
	ClearDirty(va mem.VA)
}

// Deps bundles the collaborators a page's variant dispatch needs: the frame
// pool to claim/release frames, the swap table for ANON pages, and the
// owning address space's MMU seam.
type Deps struct {
	Frames *frame.Table
	Swap   *swap.Table
	MMU    MMU
}

// FileAux is the UNINIT parameter block for a page whose type_after_init is
// FILE (spec §4.4 do_mmap: "aux holds {file, offset_so_far, page_read_bytes,
// page_zero_bytes, length}").
type FileAux struct {
	File               *vfs.File
	Offset             int
	ReadBytes          int
	ZeroBytes          int
	TotalMappingLength int
	FirstPageOfMapping bool
}

// Page is one user virtual page's descriptor (spec §3 Page). Exactly one
// variant is active at a time, selected by State; Frame is set iff the page
// is resident.
type Page struct {
	VA       mem.VA
	Writable bool
	State    State
	Frame    *frame.Frame

	deps Deps

	// UNINIT fields.
	typeAfterInit State
	initFn        InitFn
	aux           interface{}

	// ANON fields.
	swapSlot int

	// FILE fields.
	file               *vfs.File
	fileOffset         int
	readBytes          int
	zeroBytes          int
	totalMappingLength int
	firstPageOfMapping bool
}

// NewUninit allocates a page in state UNINIT that will transmute to
// typeAfterInit on first fault (spec §4.2 alloc_page_with_initializer).
// typeAfterInit must not be Uninit.
func NewUninit(va mem.VA, writable bool, typeAfterInit State, initFn InitFn, aux interface{}, deps Deps) (*Page, defs.Err_t) {
	if typeAfterInit == Uninit {
		return nil, defs.EINVAL
	}
	return &Page{
		VA:            va,
		Writable:      writable,
		State:         Uninit,
		typeAfterInit: typeAfterInit,
		initFn:        initFn,
		aux:           aux,
		swapSlot:      swap.NoSlot,
		deps:          deps,
	}, 0
}

// NewAnon allocates an already-ANON page with no frame yet (spec §4.6 fork
// copy, and spec §4.7 stack growth: "allocate a new ANON page").
func NewAnon(va mem.VA, writable bool, deps Deps) *Page {
	return &Page{VA: va, Writable: writable, State: Anon, swapSlot: swap.NoSlot, deps: deps}
}

// Resident reports whether the page currently occupies a frame.
func (p *Page) Resident() bool {
	return p.Frame != nil
}

// transmute runs the UNINIT -> variant transition exactly once (spec §4.2
// step 1: "transmutes the tagged union's active variant").
func (p *Page) transmute(kva []byte) bool {
	switch p.typeAfterInit {
	case Anon:
		p.State = Anon
		p.swapSlot = swap.NoSlot
		return true
	case File:
		fa, ok := p.aux.(*FileAux)
		if !ok {
			return false
		}
		p.State = File
		p.file = fa.File
		p.fileOffset = fa.Offset
		p.readBytes = fa.ReadBytes
		p.zeroBytes = fa.ZeroBytes
		p.totalMappingLength = fa.TotalMappingLength
		p.firstPageOfMapping = fa.FirstPageOfMapping
		return true
	case PageCache:
		// Reserved for a future readahead/writeback daemon (spec §3, §9
		// open question: "scheduling model is unspecified"). Nothing maps
		// to this state yet, so transmuting into it always fails fast
		// rather than silently doing nothing.
		return false
	default:
		return false
	}
}

// SwapIn resolves a non-resident page to resident, claiming a frame and
// dispatching the variant-specific population logic (spec §4.2 "On first
// fault", §4.3 "Swap-in (anon page)", §4.4 "Lazy loader for a FILE page").
// The caller installs the MMU mapping afterward.
func (p *Page) SwapIn() defs.Err_t {
	if p.Resident() {
		return 0
	}
	f, err := p.deps.Frames.Acquire(p)
	if err != nil {
		return defs.ENOMEM
	}

	switch p.State {
	case Uninit:
		if !p.transmute(f.KVA) {
			p.deps.Frames.Release(f)
			return defs.ENOMEM
		}
		ok := true
		if p.initFn != nil {
			ok = p.initFn(p, p.aux, f.KVA)
		} else if p.State == File {
			ok = p.loadFileContents(f.KVA)
		}
		if !ok {
			p.deps.Frames.Release(f)
			return defs.ENOMEM
		}
	case Anon:
		if p.swapSlot != swap.NoSlot {
			p.deps.Swap.In(p.swapSlot, f.KVA)
			p.swapSlot = swap.NoSlot
		} else {
			// Never written out: start from zeros, since a repossessed frame
			// still holds its previous owner's bytes.
			for i := range f.KVA {
				f.KVA[i] = 0
			}
		}
	case File:
		if !p.loadFileContents(f.KVA) {
			p.deps.Frames.Release(f)
			return defs.ENOMEM
		}
	default:
		p.deps.Frames.Release(f)
		return defs.EINVAL
	}

	p.Frame = f
	return 0
}

// loadFileContents implements the FILE lazy loader (spec §4.4: "seek to
// aux.offset, read exactly read_bytes into frame.kva, zero the remaining
// zero_bytes").
func (p *Page) loadFileContents(kva []byte) bool {
	if p.readBytes > 0 {
		n, err := p.file.ReadAt(kva[:p.readBytes], p.fileOffset)
		if err != 0 || n != p.readBytes {
			return false
		}
	}
	for i := p.readBytes; i < p.readBytes+p.zeroBytes; i++ {
		kva[i] = 0
	}
	return true
}

// SwapOut evicts a resident page, dispatching the variant's writer (spec
// §4.5 "Swap-out dispatch"). It deliberately does NOT return the frame to
// the pool's free list: SwapOut only ever runs from Evict, called by
// frame.Table.Acquire while it holds the frame for immediate repossession
// by the new owner — routing it through Release here would leave the same
// frame simultaneously on the free list and handed to the next owner.
func (p *Page) SwapOut() defs.Err_t {
	if !p.Resident() {
		return 0
	}
	switch p.State {
	case Anon:
		slot, ok := p.deps.Swap.Out(p.Frame.KVA)
		if !ok {
			return defs.ENOSPC
		}
		p.swapSlot = slot
	case File:
		p.writebackIfDirty()
	case PageCache:
		p.writebackIfDirty()
	default:
		return defs.EINVAL
	}
	p.deps.MMU.ClearMapping(p.VA)
	p.Frame = nil
	return 0
}

func (p *Page) writebackIfDirty() {
	if p.Writable && p.deps.MMU.IsDirty(p.VA) {
		p.file.WriteAt(p.Frame.KVA[:p.readBytes], p.fileOffset)
		p.deps.MMU.ClearDirty(p.VA)
	}
}

// Evict implements frame.Owner: it is called by the frame table when this
// page's frame must be repossessed for another page (spec §4.5 "pick a
// victim...swap it out, repossess its frame").
func (p *Page) Evict() error {
	if err := p.SwapOut(); err != 0 {
		return errFrom(err)
	}
	return nil
}

type pageErr defs.Err_t

func (e pageErr) Error() string { return defs.Err_t(e).String() }
func errFrom(e defs.Err_t) error {
	if e == 0 {
		return nil
	}
	return pageErr(e)
}

// Destroy runs the variant-dispatched destructor the SPT calls on removal
// (spec §4.1 spt_remove: "destroys the page"). A dirty, writable, resident
// FILE page writes back before its frame is freed (spec §4.4 do_munmap).
func (p *Page) Destroy() {
	if p.Resident() {
		switch p.State {
		case File, PageCache:
			p.writebackIfDirty()
		}
		p.deps.MMU.ClearMapping(p.VA)
		p.deps.Frames.Release(p.Frame)
		p.Frame = nil
	} else if p.State == Anon && p.swapSlot != swap.NoSlot {
		// Non-resident anon pages still occupy a swap slot; destroying the
		// page must reclaim it, matching spec §4.3's slot lifecycle.
		slot := p.swapSlot
		p.swapSlot = swap.NoSlot
		p.deps.Swap.ReleaseWithoutRead(slot)
	}
}

// MappingLen reports the FILE mapping's total length, used by do_munmap to
// find every page covered by one mapping (spec §4.4). A page that hasn't
// faulted in yet is still UNINIT with typeAfterInit FILE; its length lives
// only in the aux block until transmute runs, so MappingLen reads it from
// there rather than returning 0 for every unfaulted mapping.
func (p *Page) MappingLen() int {
	if p.State == File {
		return p.totalMappingLength
	}
	if fa, ok := p.aux.(*FileAux); p.typeAfterInit == File && ok {
		return fa.TotalMappingLength
	}
	return 0
}

// IsMappingStart reports whether p is the first page of its FILE mapping,
// in either state — UNINIT-of-FILE (not yet faulted in) or FILE (already
// resolved). do_munmap uses this, not FileOffset()==0, to find the start of
// a mapping that may begin at a nonzero file offset (spec §4.4, §6).
func (p *Page) IsMappingStart() bool {
	if p.State == File {
		return p.firstPageOfMapping
	}
	if fa, ok := p.aux.(*FileAux); p.typeAfterInit == File && ok {
		return fa.FirstPageOfMapping
	}
	return false
}

// File reports the FILE variant's backing file handle.
func (p *Page) File() *vfs.File {
	return p.file
}

// FileOffset reports the FILE variant's offset into the backing file.
func (p *Page) FileOffset() int {
	return p.fileOffset
}

// ReadBytes reports the FILE variant's read_bytes field.
func (p *Page) ReadBytes() int {
	return p.readBytes
}

// SwapSlot reports the ANON variant's current slot, or swap.NoSlot.
func (p *Page) SwapSlot() int {
	return p.swapSlot
}

// TypeAfterInit reports the UNINIT variant's destined type.
func (p *Page) TypeAfterInit() State {
	return p.typeAfterInit
}

// Aux exposes the UNINIT variant's parameter block, used by fork-time SPT
// copy (spec §4.6) to clone it.
func (p *Page) Aux() interface{} {
	return p.aux
}

// InitFn exposes the UNINIT variant's lazy loader, for fork-time copy.
func (p *Page) InitFn() InitFn {
	return p.initFn
}

// Deps exposes the page's collaborator bundle, for fork-time copy which
// must construct new pages with the same dependencies in the child address
// space.
func (p *Page) Deps() Deps {
	return p.deps
}

// AuxCloner is implemented by an aux parameter block that needs more than a
// shallow struct copy when fork-time SPT copy clones it (spec §4.6 UNINIT:
// "clone the aux parameter block (deep byte copy)"). Blocks with no
// pointers worth isolating (or none at all) don't need to implement it —
// CloneAux falls back to a shallow copy.
type AuxCloner interface {
	CloneAux() interface{}
}

// CloneAux produces the fork-child's copy of an UNINIT page's aux block.
func CloneAux(aux interface{}) interface{} {
	if aux == nil {
		return nil
	}
	if c, ok := aux.(AuxCloner); ok {
		return c.CloneAux()
	}
	if fa, ok := aux.(*FileAux); ok {
		cp := *fa
		return &cp
	}
	return aux
}
