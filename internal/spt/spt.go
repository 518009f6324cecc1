// Package spt implements the per-address-space Supplemental Page Table
// (spec §4.1): a hash map from page-aligned virtual address to owned *page.
// Page, plus the §4.6 fork-time deep-copy protocol. Grounded on biscuit's
// vm/as.go Addr_space_t.vmregion map-of-va pattern, reworked around the
// spec's page-granular (rather than region-granular) SPT and its
// per-variant fork copy rules.
package spt

import (
	"pebblekern/internal/mem"
	"pebblekern/internal/page"
)

// Table is one address space's Supplemental Page Table. The spec states no
// internal lock is required given single-owner-thread access (§5 Shared
// resource policy); this type is not safe for concurrent use from more than
// one goroutine, matching that contract.
type Table struct {
	pages map[mem.VA]*page.Page
}

// New returns an empty SPT (spec §4.1 spt_init).
func New() *Table {
	return &Table{pages: make(map[mem.VA]*page.Page)}
}

// Find rounds va down to its containing page and returns the page
// descriptor mapped there, or nil (spec §4.1 spt_find).
func (t *Table) Find(va mem.VA) *page.Page {
	return t.pages[mem.PageRound(va)]
}

// Insert takes ownership of p, keyed by p.VA. It fails if that key is
// already mapped (spec §4.1 spt_insert).
func (t *Table) Insert(p *page.Page) bool {
	key := mem.PageRound(p.VA)
	if _, exists := t.pages[key]; exists {
		return false
	}
	t.pages[key] = p
	return true
}

// Remove deletes p's entry and runs its variant-dispatched destructor
// (spec §4.1 spt_remove).
func (t *Table) Remove(p *page.Page) {
	key := mem.PageRound(p.VA)
	if cur, ok := t.pages[key]; ok && cur == p {
		delete(t.pages, key)
	}
	p.Destroy()
}

// Kill destroys every entry — no on-disk writeback beyond what each
// variant's own destructor already performs (spec §4.1 spt_kill: "FILE
// pages must writeback if dirty", which Page.Destroy already does).
func (t *Table) Kill() {
	for key, p := range t.pages {
		delete(t.pages, key)
		p.Destroy()
	}
}

// Len reports the number of mapped pages, chiefly for tests and
// diagnostics.
func (t *Table) Len() int {
	return len(t.pages)
}

// All returns every resident and non-resident page in the table. Order is
// unspecified (spec §4.1: "Ordered iteration is not required").
func (t *Table) All() []*page.Page {
	out := make([]*page.Page, 0, len(t.pages))
	for _, p := range t.pages {
		out = append(out, p)
	}
	return out
}

// Copy deep-copies every entry of src into dst, the fork-time protocol of
// spec §4.6. dstDeps supplies the child address space's MMU seam; the frame
// pool and swap table are process-wide and are reused verbatim from each
// source page's own Deps. Returns false if any step fails — the caller is
// expected to destroy the partially-built dst on failure (spec §4.6:
// "partial state is acceptable because dst will be destroyed by its
// owner's exit path").
func Copy(dst, src *Table, dstDeps page.Deps) bool {
	for _, sp := range src.All() {
		var np *page.Page
		switch sp.State {
		case page.Uninit:
			aux := page.CloneAux(sp.Aux())
			child, cerr := page.NewUninit(sp.VA, sp.Writable, sp.TypeAfterInit(), sp.InitFn(), aux, dstDeps)
			if cerr != 0 {
				return false
			}
			np = child

		case page.Anon:
			if !sp.Resident() {
				if err := sp.SwapIn(); err != 0 {
					return false
				}
			}
			child := page.NewAnon(sp.VA, sp.Writable, dstDeps)
			if err := child.SwapIn(); err != 0 {
				return false
			}
			copy(child.Frame.KVA, sp.Frame.KVA)
			np = child

		case page.File:
			aux := &page.FileAux{
				File:               sp.File(),
				Offset:             sp.FileOffset(),
				ReadBytes:          sp.ReadBytes(),
				ZeroBytes:          mem.PageSize - sp.ReadBytes(),
				TotalMappingLength: sp.MappingLen(),
				FirstPageOfMapping: sp.IsMappingStart(),
			}
			child, cerr := page.NewUninit(sp.VA, sp.Writable, page.File, nil, aux, dstDeps)
			if cerr != 0 {
				return false
			}
			np = child

		default:
			return false
		}

		if !dst.Insert(np) {
			return false
		}
	}
	return true
}
