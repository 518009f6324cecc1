package spt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pebblekern/internal/defs"
	"pebblekern/internal/disk"
	"pebblekern/internal/frame"
	"pebblekern/internal/klog"
	"pebblekern/internal/mem"
	"pebblekern/internal/page"
	"pebblekern/internal/swap"
	"pebblekern/internal/syncprim"
	"pebblekern/internal/vfs"
)

type fakeMMU struct {
	mu      sync.Mutex
	dirty   map[mem.VA]bool
	present map[mem.VA]bool
}

func newFakeMMU() *fakeMMU {
	return &fakeMMU{dirty: map[mem.VA]bool{}, present: map[mem.VA]bool{}}
}

func (m *fakeMMU) ClearMapping(va mem.VA)                          { m.mu.Lock(); defer m.mu.Unlock(); m.present[va] = false }
func (m *fakeMMU) InstallMapping(va mem.VA, f *frame.Frame, w bool) { m.mu.Lock(); defer m.mu.Unlock(); m.present[va] = true }
func (m *fakeMMU) IsDirty(va mem.VA) bool                          { m.mu.Lock(); defer m.mu.Unlock(); return m.dirty[va] }
func (m *fakeMMU) ClearDirty(va mem.VA)                            { m.mu.Lock(); defer m.mu.Unlock(); m.dirty[va] = false }

const ok defs.Err_t = 0

func TestInsertRejectsDuplicateKey(t *testing.T) {
	deps := page.Deps{Frames: frame.NewTable(2, klog.Discard()), MMU: newFakeMMU()}
	table := New()
	p1 := page.NewAnon(0x1000, true, deps)
	p2 := page.NewAnon(0x1000, true, deps)
	require.True(t, table.Insert(p1))
	require.False(t, table.Insert(p2), "same va must not map twice")
	require.Equal(t, 1, table.Len())
}

func TestFindRoundsDownToPageBoundary(t *testing.T) {
	deps := page.Deps{Frames: frame.NewTable(2, klog.Discard()), MMU: newFakeMMU()}
	table := New()
	p := page.NewAnon(0x1000, true, deps)
	require.True(t, table.Insert(p))
	require.Same(t, p, table.Find(0x1000+37))
	require.Nil(t, table.Find(0x2000))
}

func TestRemoveDestroysPage(t *testing.T) {
	deps := page.Deps{Frames: frame.NewTable(2, klog.Discard()), MMU: newFakeMMU()}
	table := New()
	p := page.NewAnon(0x1000, true, deps)
	require.Equal(t, ok, p.SwapIn())
	table.Insert(p)

	table.Remove(p)
	require.Equal(t, 0, table.Len())
	require.False(t, p.Resident(), "Remove must run the variant destructor")
}

func TestKillDestroysEverything(t *testing.T) {
	frames := frame.NewTable(4, klog.Discard())
	deps := page.Deps{Frames: frames, MMU: newFakeMMU()}
	table := New()
	for _, va := range []mem.VA{0x1000, 0x2000, 0x3000} {
		p := page.NewAnon(va, true, deps)
		require.Equal(t, ok, p.SwapIn())
		table.Insert(p)
	}
	require.Equal(t, 3, frames.InUse())

	table.Kill()
	require.Equal(t, 0, table.Len())
	require.Equal(t, 0, frames.InUse())
}

func TestCopyDeepCopiesAnonContents(t *testing.T) {
	frames := frame.NewTable(4, klog.Discard())
	parentMMU, childMMU := newFakeMMU(), newFakeMMU()
	parentDeps := page.Deps{Frames: frames, MMU: parentMMU}
	childDeps := page.Deps{Frames: frames, MMU: childMMU}

	src := New()
	p := page.NewAnon(0x4000, true, parentDeps)
	require.Equal(t, ok, p.SwapIn())
	p.Frame.KVA[0] = 0x7a
	src.Insert(p)

	dst := New()
	require.True(t, Copy(dst, src, childDeps))

	cp := dst.Find(0x4000)
	require.NotNil(t, cp)
	require.NotSame(t, p, cp)
	require.True(t, cp.Resident())
	require.Equal(t, byte(0x7a), cp.Frame.KVA[0])

	// Independence: mutating the child's frame must not affect the parent.
	cp.Frame.KVA[0] = 0x00
	require.Equal(t, byte(0x7a), p.Frame.KVA[0])
}

func TestCopyUninitPageClonesAuxIndependently(t *testing.T) {
	frames := frame.NewTable(4, klog.Discard())
	parentDeps := page.Deps{Frames: frames, MMU: newFakeMMU()}
	childDeps := page.Deps{Frames: frames, MMU: newFakeMMU()}

	d := disk.New("fs", 256)
	defer d.Close()
	fs, ferr := vfs.Format(d, 2, klog.Discard())
	require.Equal(t, ok, ferr)
	th := syncprim.NewThread(1, 10)
	require.Equal(t, ok, fs.Create(th, "f", 4096))
	f, oerr := fs.Open(th, "f")
	require.Equal(t, ok, oerr)

	aux := &page.FileAux{File: f, Offset: 0, ReadBytes: 10, ZeroBytes: 4086, TotalMappingLength: 4096}
	src := New()
	p, perr := page.NewUninit(0x5000, true, page.File, nil, aux, parentDeps)
	require.Equal(t, ok, perr)
	src.Insert(p)

	dst := New()
	require.True(t, Copy(dst, src, childDeps))

	cp := dst.Find(0x5000)
	require.NotNil(t, cp)
	require.Equal(t, page.Uninit, cp.State)
	require.Equal(t, page.File, cp.TypeAfterInit())

	childAux, ok2 := cp.Aux().(*page.FileAux)
	require.True(t, ok2)
	require.NotSame(t, aux, childAux, "aux block must be cloned, not shared")
	childAux.Offset = 999
	require.Equal(t, 0, aux.Offset, "mutating the clone must not affect the parent's aux")
}
