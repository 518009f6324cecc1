package vm

import (
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

const ok defs.Err_t = 0

func newTestSpace(t *testing.T, frameCount int) (*AddressSpace, *frame.Table, *swap.Table) {
	t.Helper()
	frames := frame.NewTable(frameCount, klog.Discard())
	swapDisk := disk.New("swap", swap.SectorsPerSlot*16)
	t.Cleanup(swapDisk.Close)
	swapTbl := swap.New(swapDisk)
	return New(frames, swapTbl, klog.Discard()), frames, swapTbl
}

func TestStackGrowthAllocatesAnonPageWithinWindow(t *testing.T) {
	as, _, _ := newTestSpace(t, 4)
	rsp := UserStackTop - 64
	fault := rsp - 4 // within the 8-byte push slack

	require.Equal(t, ok, as.HandleFault(fault, true, true, rsp))
	require.NotNil(t, as.SPT().Find(fault))
	require.True(t, as.resident(fault))
}

func TestFaultOutsideStackWindowWithNoSPTEntryIsFatal(t *testing.T) {
	as, _, _ := newTestSpace(t, 4)
	got := as.HandleFault(0x10000, true, true, UserStackTop-64)
	require.Equal(t, defs.ExitFatal, got)
}

func TestNullAddressFaultIsFatal(t *testing.T) {
	as, _, _ := newTestSpace(t, 4)
	require.Equal(t, defs.ExitFatal, as.HandleFault(0, false, true, 0))
}

func TestWriteFaultOnReadOnlyPageIsFatal(t *testing.T) {
	as, _, _ := newTestSpace(t, 4)
	p := page.NewAnon(0x2000, false, as.Deps())
	require.True(t, as.SPT().Insert(p))
	require.Equal(t, defs.ExitFatal, as.HandleFault(0x2000, true, true, 0))
}

func TestLazyLoadIsLazyUntilFirstFault(t *testing.T) {
	as, frames, _ := newTestSpace(t, 4)
	called := false
	initFn := func(p *page.Page, aux interface{}, kva []byte) bool {
		called = true
		return true
	}
	p, perr := page.NewUninit(0x3000, true, page.Anon, initFn, nil, as.Deps())
	require.Equal(t, ok, perr)
	require.True(t, as.SPT().Insert(p))

	require.False(t, called, "allocating the page must not run the initializer")
	require.Equal(t, 0, frames.InUse())

	require.Equal(t, ok, as.HandleFault(0x3000, false, true, 0))
	require.True(t, called)
	require.Equal(t, 1, frames.InUse())
}

func TestMmapThenFaultLoadsFileContentsAndMunmapWritesBackDirty(t *testing.T) {
	d := disk.New("fs", 256)
	defer d.Close()
	fs, ferr := vfs.Format(d, 2, klog.Discard())
	require.Equal(t, ok, ferr)
	th := syncprim.NewThread(1, 10)
	require.Equal(t, ok, fs.Create(th, "mapped", 4096))
	f, oerr := fs.Open(th, "mapped")
	require.Equal(t, ok, oerr)
	payload := []byte("mmap me")
	_, werr := f.Write(payload)
	require.Equal(t, ok, werr)
	_, serr := f.Seek(0, vfs.SeekSet)
	require.Equal(t, ok, serr)

	as, _, _ := newTestSpace(t, 4)
	addr, merr := as.Mmap(0x40000000, 4096, true, f, 0)
	require.Equal(t, ok, merr)
	require.Equal(t, mem.VA(0x40000000), addr)

	// Nothing resident until faulted.
	require.False(t, as.resident(addr))

	require.Equal(t, ok, as.HandleFault(addr, false, true, 0))
	require.True(t, as.resident(addr))
	p := as.SPT().Find(addr)
	require.Equal(t, payload, p.Frame.KVA[:len(payload)])

	// Simulate a write to the mapped page, then unmap: it must write back.
	copy(p.Frame.KVA[:5], []byte("DIRTY"))
	as.MarkWritten(addr)

	as.Munmap(addr)
	require.Nil(t, as.SPT().Find(addr))

	got := make([]byte, 5)
	_, rerr := f.ReadAt(got, 0)
	require.Equal(t, ok, rerr)
	require.Equal(t, []byte("DIRTY"), got)
}

func TestMunmapNonFirstPageIsNoOp(t *testing.T) {
	d := disk.New("fs", 256)
	defer d.Close()
	fs, ferr := vfs.Format(d, 2, klog.Discard())
	require.Equal(t, ok, ferr)
	th := syncprim.NewThread(1, 10)
	require.Equal(t, ok, fs.Create(th, "mapped", 8192))
	f, oerr := fs.Open(th, "mapped")
	require.Equal(t, ok, oerr)

	as, _, _ := newTestSpace(t, 4)
	addr, merr := as.Mmap(0x50000000, 8192, true, f, 0)
	require.Equal(t, ok, merr)

	secondPage := addr + mem.VA(mem.PageSize)
	as.Munmap(secondPage)

	require.NotNil(t, as.SPT().Find(addr), "munmap on a non-first page must not touch the mapping")
	require.NotNil(t, as.SPT().Find(secondPage))
}

func TestMunmapBeforeAnyFaultRemovesEntireMapping(t *testing.T) {
	d := disk.New("fs", 256)
	defer d.Close()
	fs, ferr := vfs.Format(d, 2, klog.Discard())
	require.Equal(t, ok, ferr)
	th := syncprim.NewThread(1, 10)
	require.Equal(t, ok, fs.Create(th, "untouched", 8192))
	f, oerr := fs.Open(th, "untouched")
	require.Equal(t, ok, oerr)

	as, _, _ := newTestSpace(t, 4)
	addr, merr := as.Mmap(0x60000000, 8192, true, f, 0)
	require.Equal(t, ok, merr)

	// Neither page has ever faulted in: both are still UNINIT-of-FILE.
	require.NotNil(t, as.SPT().Find(addr))
	require.NotNil(t, as.SPT().Find(addr+mem.VA(mem.PageSize)))

	as.Munmap(addr)

	require.Nil(t, as.SPT().Find(addr), "munmap before any fault must still remove the first page")
	require.Nil(t, as.SPT().Find(addr+mem.VA(mem.PageSize)), "munmap before any fault must still remove every page in the mapping")
}

func TestMmapAtNonzeroFileOffsetReadsFromThatOffsetAndMunmapsCleanly(t *testing.T) {
	d := disk.New("fs", 256)
	defer d.Close()
	fs, ferr := vfs.Format(d, 2, klog.Discard())
	require.Equal(t, ok, ferr)
	th := syncprim.NewThread(1, 10)
	require.Equal(t, ok, fs.Create(th, "offset", 8192))
	f, oerr := fs.Open(th, "offset")
	require.Equal(t, ok, oerr)
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, werr := f.Write(payload)
	require.Equal(t, ok, werr)

	as, _, _ := newTestSpace(t, 4)
	const fileOffset = 4096
	addr, merr := as.Mmap(0x61000000, 4096, true, f, fileOffset)
	require.Equal(t, ok, merr)

	require.Equal(t, ok, as.HandleFault(addr, false, true, 0))
	p := as.SPT().Find(addr)
	require.Equal(t, payload[fileOffset:fileOffset+4096], p.Frame.KVA)

	as.Munmap(addr)
	require.Nil(t, as.SPT().Find(addr), "munmap must still find the mapping start at a nonzero file offset")
}

func TestForkCopiesResidentAnonPageIndependently(t *testing.T) {
	frames := frame.NewTable(8, klog.Discard())
	swapDisk := disk.New("swap", swap.SectorsPerSlot*8)
	defer swapDisk.Close()
	swapTbl := swap.New(swapDisk)
	parent := New(frames, swapTbl, klog.Discard())

	p := page.NewAnon(0x70000, true, parent.Deps())
	require.True(t, parent.SPT().Insert(p))
	require.Equal(t, ok, p.SwapIn())
	p.Frame.KVA[0] = 0x99

	child, okc := parent.Fork(frames, swapTbl, klog.Discard())
	require.True(t, okc)

	cp := child.SPT().Find(0x70000)
	require.NotNil(t, cp)
	require.True(t, child.resident(0x70000))
	require.Equal(t, byte(0x99), cp.Frame.KVA[0])

	cp.Frame.KVA[0] = 0x00
	require.Equal(t, byte(0x99), p.Frame.KVA[0])
}
