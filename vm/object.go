package vm

import (
	"sync"
	"sync/atomic"
)

// object is one heap cell: a fixed-length slot array plus the header the
// allocator tracks it by. Cells live in the heap's object table and never
// move; a Handle names a cell by table index plus the generation the cell
// had when its object was allocated.
//
// Locking: the slot array is guarded by mu, held between Heap.Lock and
// Guard.Unlock. The header fields (gen, rc) are guarded by the owning size
// class's mutex, so reference counting never contends with slot access.
type object struct {
	mu    sync.Mutex
	gen   uint32  // advances when the cell is recycled
	class int     // size-class index, fixed when the heap is carved
	rc    int32   // reference count; 0 means condemned
	slots []Value // nil until the cell's first allocation
}

// ---------------------------------------------------------------------------
// Guard: exclusive access to one object
// ---------------------------------------------------------------------------

// Guard is an exclusive view of one live object, returned by Heap.Lock. The
// object stays exclusively held, and its cell safe from recycling, until
// Unlock. Unlock is idempotent, so `defer g.Unlock()` releases on every exit
// path even when some path unlocks early.
type Guard struct {
	obj      *object
	handle   Handle
	released atomic.Bool
}

// Handle returns the handle the guard was obtained with.
func (g *Guard) Handle() Handle {
	return g.handle
}

// Len returns the number of value slots in the object.
func (g *Guard) Len() int {
	return len(g.obj.slots)
}

// Get returns the value in slot i.
// Panics if the index is out of range or the guard was released.
func (g *Guard) Get(i int) Value {
	if g.released.Load() {
		panic("Guard.Get: guard already released")
	}
	if i < 0 || i >= len(g.obj.slots) {
		panic("Guard.Get: slot index out of range")
	}
	return g.obj.slots[i]
}

// Set stores a value in slot i.
// Panics if the index is out of range or the guard was released.
func (g *Guard) Set(i int, v Value) {
	if g.released.Load() {
		panic("Guard.Set: guard already released")
	}
	if i < 0 || i >= len(g.obj.slots) {
		panic("Guard.Set: slot index out of range")
	}
	g.obj.slots[i] = v
}

// Unlock releases exclusive access. Safe to call more than once.
func (g *Guard) Unlock() {
	if g.released.CompareAndSwap(false, true) {
		g.obj.mu.Unlock()
	}
}
