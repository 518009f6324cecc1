package page

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pebblekern/internal/defs"
	"pebblekern/internal/disk"
	"pebblekern/internal/frame"
	"pebblekern/internal/klog"
	"pebblekern/internal/mem"
	"pebblekern/internal/swap"
	"pebblekern/internal/syncprim"
	"pebblekern/internal/vfs"
)

const ok defs.Err_t = 0

type fakeMMU struct {
	mu      sync.Mutex
	dirty   map[mem.VA]bool
	present map[mem.VA]bool
}

func newFakeMMU() *fakeMMU {
	return &fakeMMU{dirty: map[mem.VA]bool{}, present: map[mem.VA]bool{}}
}

func (m *fakeMMU) ClearMapping(va mem.VA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present[va] = false
}

func (m *fakeMMU) InstallMapping(va mem.VA, f *frame.Frame, writable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present[va] = true
}

func (m *fakeMMU) IsDirty(va mem.VA) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty[va]
}

func (m *fakeMMU) ClearDirty(va mem.VA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[va] = false
}

func (m *fakeMMU) markDirty(va mem.VA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[va] = true
}

func TestUninitTransmutesToAnonOnFirstSwapIn(t *testing.T) {
	frames := frame.NewTable(4, klog.Discard())
	deps := Deps{Frames: frames, MMU: newFakeMMU()}

	called := false
	init := func(p *Page, aux interface{}, kva []byte) bool {
		called = true
		kva[0] = 0x42
		return true
	}
	p, err := NewUninit(0x1000, true, Anon, init, nil, deps)
	require.Equal(t, ok, err)
	require.Equal(t, Uninit, p.State)

	require.Equal(t, ok, p.SwapIn())
	require.True(t, called)
	require.Equal(t, Anon, p.State)
	require.True(t, p.Resident())
	require.Equal(t, byte(0x42), p.Frame.KVA[0])
}

func TestAnonSwapOutThenInRoundTrips(t *testing.T) {
	// One-frame pool: allocating a second anon page forces the frame table
	// to evict the first through the real Acquire->Evict path, the only
	// path SwapOut is ever actually driven from.
	frames := frame.NewTable(1, klog.Discard())
	swapDisk := disk.New("swap", swap.SectorsPerSlot*4)
	defer swapDisk.Close()
	swapTbl := swap.New(swapDisk)
	mmu := newFakeMMU()
	deps := Deps{Frames: frames, Swap: swapTbl, MMU: mmu}

	p := NewAnon(0x2000, true, deps)
	require.Equal(t, ok, p.SwapIn())
	for i := range p.Frame.KVA {
		p.Frame.KVA[i] = byte(i % 251)
	}
	pattern := append([]byte(nil), p.Frame.KVA...)

	other := NewAnon(0x3000, true, deps)
	require.Equal(t, ok, other.SwapIn()) // exhausts the pool, evicting p

	require.False(t, p.Resident())
	require.NotEqual(t, swap.NoSlot, p.SwapSlot())

	require.Equal(t, ok, other.SwapOut()) // frame stays on the FIFO list; p's Acquire repossesses it
	require.Equal(t, ok, p.SwapIn())
	require.True(t, p.Resident())
	require.Equal(t, pattern, p.Frame.KVA)
	require.Equal(t, swap.NoSlot, p.SwapSlot())
}

func TestFileBackedLazyLoadReadsExactBytesAndZeroFillsRest(t *testing.T) {
	d := disk.New("filesys", 256)
	defer d.Close()
	fs, ferr0 := vfs.Format(d, 2, klog.Discard())
	require.Equal(t, ok, ferr0)
	th := syncprim.NewThread(1, 10)
	require.Equal(t, ok, fs.Create(th, "data", 4096))
	f, ferr := fs.Open(th, "data")
	require.Equal(t, ok, ferr)
	payload := []byte("hello, mmap")
	_, werr := f.Write(payload)
	require.Equal(t, ok, werr)

	frames := frame.NewTable(4, klog.Discard())
	mmu := newFakeMMU()
	deps := Deps{Frames: frames, MMU: mmu}

	aux := &FileAux{File: f, Offset: 0, ReadBytes: len(payload), ZeroBytes: frame.PageSize - len(payload), TotalMappingLength: frame.PageSize}
	p, perr := NewUninit(0x3000, true, File, nil, aux, deps)
	require.Equal(t, ok, perr)

	require.Equal(t, ok, p.SwapIn())
	require.Equal(t, payload, p.Frame.KVA[:len(payload)])
	for _, b := range p.Frame.KVA[len(payload):] {
		require.Equal(t, byte(0), b)
	}
}

func TestEvictWritesBackDirtyFilePageBeforeRepossessing(t *testing.T) {
	d := disk.New("filesys", 256)
	defer d.Close()
	fs, ferr0 := vfs.Format(d, 2, klog.Discard())
	require.Equal(t, ok, ferr0)
	th := syncprim.NewThread(1, 10)
	require.Equal(t, ok, fs.Create(th, "data", 4096))
	f, ferr := fs.Open(th, "data")
	require.Equal(t, ok, ferr)

	frames := frame.NewTable(1, klog.Discard())
	mmu := newFakeMMU()
	deps := Deps{Frames: frames, MMU: mmu}

	dirtyLen := len("dirty data")
	aux := &FileAux{File: f, Offset: 0, ReadBytes: dirtyLen, ZeroBytes: frame.PageSize - dirtyLen, TotalMappingLength: frame.PageSize}
	p1, _ := NewUninit(0x4000, true, File, nil, aux, deps)
	require.Equal(t, ok, p1.SwapIn())
	copy(p1.Frame.KVA, []byte("dirty data"))
	mmu.markDirty(p1.VA)

	aux2 := &FileAux{File: f, Offset: 2048, ReadBytes: 0, ZeroBytes: frame.PageSize, TotalMappingLength: frame.PageSize}
	p2, _ := NewUninit(0x5000, true, File, nil, aux2, deps)
	require.Equal(t, ok, p2.SwapIn()) // exhausts the 1-frame pool, evicting p1

	require.False(t, p1.Resident())
	got := make([]byte, len("dirty data"))
	_, rerr := f.ReadAt(got, 0)
	require.Equal(t, ok, rerr)
	require.Equal(t, []byte("dirty data"), got)
}
