// Package frame implements the frame table and FIFO eviction policy of spec
// §4.5: a pool of physical frames carved from a user page pool, acquired by
// pages on claim and repossessed from a victim when the pool is exhausted.
// Grounded on biscuit's mem.Physmem_t frame-pool/refcount model (mem/mem.go,
// mem/dmap.go), adapted away from real physical memory to a plain []byte
// arena per frame since this kernel's hardware is simulated.
package frame

import (
	"container/list"
	"sync"

	"github.com/rs/zerolog"
)

// PageSize is the size in bytes of one physical frame.
const PageSize = 4096

// Owner is implemented by whatever currently occupies a Frame (in practice
// *page.Page). Evict is called by the frame table when the frame must be
// repossessed for another page; it must write the frame's contents out to
// backing store (spec §4.5 "swap_out dispatch") and detach itself from the
// frame before returning.
type Owner interface {
	Evict() error
}

// Frame is one physical page in the kernel's user pool — the unit of
// residency (spec §3 Frame). Owner is nil while the frame sits in the free
// pool; eviction hands it straight from the victim to the new owner.
type Frame struct {
	KVA   []byte
	Owner Owner

	elem *list.Element // this frame's node in the table's FIFO list
}

func newFrame() *Frame {
	return &Frame{KVA: make([]byte, PageSize)}
}

// Table is the frame table: the pool of frames plus the FIFO victim list
// (spec §4.5). Pool is "exhausted" once Size frames have all been handed
// out; further Acquire calls must evict.
type Table struct {
	mu   sync.Mutex
	log  zerolog.Logger
	size int
	free []*Frame   // frames never yet handed out
	fifo *list.List // resident frames, head = oldest = first victim
}

// NewTable creates a frame table with room for size resident frames.
func NewTable(size int, log zerolog.Logger) *Table {
	t := &Table{log: log, size: size, fifo: list.New()}
	for i := 0; i < size; i++ {
		t.free = append(t.free, newFrame())
	}
	return t
}

// Size reports the frame table's total capacity.
func (t *Table) Size() int {
	return t.size
}

// InUse reports how many frames are currently resident.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fifo.Len()
}

// Acquire hands frame residency to owner, evicting the FIFO victim if the
// pool is exhausted (spec §4.5: "Acquire a frame"). The returned frame's
// KVA is zeroed only when the pool has a fresh frame to give out; a
// repossessed frame's previous contents are overwritten by the caller
// before use, matching Pintos' "doesn't bother zeroing a reused frame"
// behavior since the caller always populates it immediately.
func (t *Table) Acquire(owner Owner) (*Frame, error) {
	t.mu.Lock()
	if n := len(t.free); n > 0 {
		f := t.free[n-1]
		t.free = t.free[:n-1]
		f.Owner = owner
		f.elem = t.fifo.PushBack(f)
		t.mu.Unlock()
		return f, nil
	}
	victim := t.fifo.Front()
	t.mu.Unlock()
	if victim == nil {
		panic("frame: pool misconfigured: zero capacity")
	}
	vf := victim.Value.(*Frame)
	t.log.Debug().Msg("frame table exhausted, evicting FIFO victim")
	if err := vf.Owner.Evict(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.fifo.Remove(victim)
	vf.Owner = owner
	vf.elem = t.fifo.PushBack(vf)
	t.mu.Unlock()
	return vf, nil
}

// Release returns a frame to the free pool, zeroed, once its owner is done
// with it (a destroyed page, or a swap-in that failed). Eviction does not
// call it: Acquire hands a victim's frame directly to the new owner.
func (t *Table) Release(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.elem != nil {
		t.fifo.Remove(f.elem)
		f.elem = nil
	}
	f.Owner = nil
	for i := range f.KVA {
		f.KVA[i] = 0
	}
	t.free = append(t.free, f)
}

// Touch moves f to the back of the FIFO list, i.e. "most recently used" for
// eviction-order purposes. The baseline policy is plain FIFO and never
// calls this; it exists so a future clock/accessed-bit policy (spec §4.5,
// left open) has a hook without needing a new Table method.
func (t *Table) Touch(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.elem != nil {
		t.fifo.MoveToBack(f.elem)
	}
}
