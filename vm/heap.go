package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Heap: fixed-size-class allocator with reference counting
// ---------------------------------------------------------------------------

// Errors returned by heap operations. Exhaustion is recoverable: releasing
// references and sweeping returns cells to the free lists.
var (
	ErrNoSizeClasses    = errors.New("heap: no size classes registered")
	ErrBadSizeClass     = errors.New("heap: invalid size class configuration")
	ErrInvalidSizeClass = errors.New("heap: size class index out of range")
	ErrOutOfMemory      = errors.New("heap: size class exhausted")
	ErrStaleHandle      = errors.New("heap: stale handle")
	ErrObjectLocked     = errors.New("heap: object is locked")
)

const (
	// DefaultClassCapacity is the number of cells carved per size class when
	// WithClassCapacity is not given.
	DefaultClassCapacity = 4096

	// MaxObjectSlots bounds the length of a single size class.
	MaxObjectSlots = 1 << 16
)

// Heap owns all object storage shared by the machines of one process. The
// object table is allocated once at construction and carved into per-class
// cell ranges, so resolving a Handle is a single index. Cells never move;
// reclaimed cells are recycled in place with a fresh generation.
//
// All methods are safe for concurrent use from any number of goroutines and
// machines.
type Heap struct {
	classes []heapClass
	objects []object

	allocs atomic.Uint64
	frees  atomic.Uint64
	sweeps atomic.Uint64
}

// heapClass is the allocator state for one registered object length.
type heapClass struct {
	size int    // value slots per cell
	base uint32 // first cell index in Heap.objects
	cap  uint32 // cells carved for this class

	mu        sync.Mutex // guards free, condemned, and cell headers of this class
	free      []uint32
	condemned []uint32
}

// HeapOption configures heap construction.
type HeapOption func(*heapConfig)

type heapConfig struct {
	classCapacity int
}

// WithClassCapacity sets how many cells each size class is carved into.
func WithClassCapacity(n int) HeapOption {
	return func(c *heapConfig) {
		c.classCapacity = n
	}
}

// NewHeap registers the fixed set of permitted object lengths. Configuration
// errors surface here, never at first allocation: the list must be non-empty
// and each length unique and in [1, MaxObjectSlots].
func NewHeap(sizeClasses []int, opts ...HeapOption) (*Heap, error) {
	cfg := heapConfig{classCapacity: DefaultClassCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(sizeClasses) == 0 {
		return nil, ErrNoSizeClasses
	}
	if cfg.classCapacity <= 0 {
		return nil, fmt.Errorf("%w: class capacity %d", ErrBadSizeClass, cfg.classCapacity)
	}
	seen := make(map[int]bool, len(sizeClasses))
	for _, size := range sizeClasses {
		if size <= 0 || size > MaxObjectSlots {
			return nil, fmt.Errorf("%w: length %d", ErrBadSizeClass, size)
		}
		if seen[size] {
			return nil, fmt.Errorf("%w: duplicate length %d", ErrBadSizeClass, size)
		}
		seen[size] = true
	}

	h := &Heap{
		classes: make([]heapClass, len(sizeClasses)),
		objects: make([]object, len(sizeClasses)*cfg.classCapacity),
	}
	for i, size := range sizeClasses {
		hc := &h.classes[i]
		hc.size = size
		hc.base = uint32(i * cfg.classCapacity)
		hc.cap = uint32(cfg.classCapacity)

		// Free list pops from the end; filled in reverse so cells allocate
		// in ascending index order.
		hc.free = make([]uint32, 0, hc.cap)
		for j := int(hc.cap) - 1; j >= 0; j-- {
			hc.free = append(hc.free, hc.base+uint32(j))
		}
		for j := hc.base; j < hc.base+hc.cap; j++ {
			h.objects[j].gen = 1
			h.objects[j].class = i
		}
	}
	return h, nil
}

// NumClasses returns the number of registered size classes.
func (h *Heap) NumClasses() int {
	return len(h.classes)
}

// ClassSize returns the object length of size class i.
// Panics if i is out of range.
func (h *Heap) ClassSize(i int) int {
	if i < 0 || i >= len(h.classes) {
		panic("Heap.ClassSize: index out of range")
	}
	return h.classes[i].size
}

// ---------------------------------------------------------------------------
// Allocation and reference counting
// ---------------------------------------------------------------------------

// Allocate reserves a cell in the given size class and returns its handle.
// Slots start as Raw(0) and the reference count starts at 1, owned by the
// caller. Errors: ErrInvalidSizeClass for an out-of-range class index,
// ErrOutOfMemory when the class has no free cells.
func (h *Heap) Allocate(class int) (Handle, error) {
	if class < 0 || class >= len(h.classes) {
		return Handle{}, fmt.Errorf("%w: %d of %d", ErrInvalidSizeClass, class, len(h.classes))
	}
	hc := &h.classes[class]

	hc.mu.Lock()
	defer hc.mu.Unlock()

	n := len(hc.free)
	if n == 0 {
		return Handle{}, fmt.Errorf("%w: class %d (length %d, capacity %d)", ErrOutOfMemory, class, hc.size, hc.cap)
	}
	idx := hc.free[n-1]
	hc.free = hc.free[:n-1]

	obj := &h.objects[idx]
	if obj.slots == nil {
		// First use of this cell; recycled cells were cleared at sweep.
		obj.slots = make([]Value, hc.size)
	}
	obj.rc = 1
	h.allocs.Add(1)
	return Handle{index: idx, gen: obj.gen}, nil
}

// lookup maps a handle to its cell and owning class. Generation and
// liveness are checked separately, under the class mutex.
func (h *Heap) lookup(hd Handle) (*object, *heapClass, error) {
	if hd.index >= uint32(len(h.objects)) {
		return nil, nil, ErrStaleHandle
	}
	obj := &h.objects[hd.index]
	return obj, &h.classes[obj.class], nil
}

// Retain adds a reference to a live object. Errors with ErrStaleHandle when
// the handle's object has been released or its cell recycled.
func (h *Heap) Retain(hd Handle) error {
	obj, hc, err := h.lookup(hd)
	if err != nil {
		return err
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if obj.gen != hd.gen || obj.rc == 0 {
		return ErrStaleHandle
	}
	obj.rc++
	return nil
}

// Release drops one reference. Dropping the last reference condemns the
// cell: the handle is stale from that point on, and the cell's storage
// returns to the free list on the next sweep.
func (h *Heap) Release(hd Handle) error {
	obj, hc, err := h.lookup(hd)
	if err != nil {
		return err
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if obj.gen != hd.gen || obj.rc == 0 {
		return ErrStaleHandle
	}
	obj.rc--
	if obj.rc == 0 {
		hc.condemned = append(hc.condemned, hd.index)
		h.frees.Add(1)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Locking
// ---------------------------------------------------------------------------

// Lock blocks until the object is exclusively held and returns its guard.
// The handle is validated before and after acquiring the object mutex: a
// cell condemned or recycled while the caller waited reads as stale. While
// the guard is held the cell cannot be recycled.
func (h *Heap) Lock(hd Handle) (*Guard, error) {
	obj, hc, err := h.lookup(hd)
	if err != nil {
		return nil, err
	}

	hc.mu.Lock()
	stale := obj.gen != hd.gen || obj.rc == 0
	hc.mu.Unlock()
	if stale {
		return nil, ErrStaleHandle
	}

	obj.mu.Lock()

	hc.mu.Lock()
	stale = obj.gen != hd.gen || obj.rc == 0
	hc.mu.Unlock()
	if stale {
		obj.mu.Unlock()
		return nil, ErrStaleHandle
	}
	return &Guard{obj: obj, handle: hd}, nil
}

// TryLock is Lock without blocking. Returns ErrObjectLocked when the object
// is exclusively held elsewhere.
func (h *Heap) TryLock(hd Handle) (*Guard, error) {
	obj, hc, err := h.lookup(hd)
	if err != nil {
		return nil, err
	}

	hc.mu.Lock()
	stale := obj.gen != hd.gen || obj.rc == 0
	hc.mu.Unlock()
	if stale {
		return nil, ErrStaleHandle
	}

	if !obj.mu.TryLock() {
		return nil, ErrObjectLocked
	}

	hc.mu.Lock()
	stale = obj.gen != hd.gen || obj.rc == 0
	hc.mu.Unlock()
	if stale {
		obj.mu.Unlock()
		return nil, ErrStaleHandle
	}
	return &Guard{obj: obj, handle: hd}, nil
}

// WithLock runs fn while holding the object, releasing on every exit path
// including panics.
func (h *Heap) WithLock(hd Handle, fn func(*Guard) error) error {
	g, err := h.Lock(hd)
	if err != nil {
		return err
	}
	defer g.Unlock()
	return fn(g)
}

// ---------------------------------------------------------------------------
// Reclamation
// ---------------------------------------------------------------------------

// SweepStats describes one reclamation pass.
type SweepStats struct {
	Reclaimed int // cells recycled onto free lists
	Skipped   int // condemned cells left for a later sweep (still locked)
	Duration  time.Duration
	Timestamp time.Time
}

// Sweep recycles condemned cells: slots cleared, generation advanced, index
// returned to the class free list. A condemned cell whose object mutex is
// still held is skipped and stays condemned; once its guard unlocks, a later
// sweep reclaims it.
func (h *Heap) Sweep() SweepStats {
	start := time.Now()
	stats := SweepStats{Timestamp: start}

	for i := range h.classes {
		hc := &h.classes[i]

		hc.mu.Lock()
		pending := hc.condemned
		hc.condemned = hc.condemned[:0]
		for _, idx := range pending {
			obj := &h.objects[idx]
			if !obj.mu.TryLock() {
				hc.condemned = append(hc.condemned, idx)
				stats.Skipped++
				continue
			}
			for j := range obj.slots {
				obj.slots[j] = Value{}
			}
			obj.gen++
			obj.mu.Unlock()
			hc.free = append(hc.free, idx)
			stats.Reclaimed++
		}
		hc.mu.Unlock()
	}

	h.sweeps.Add(1)
	stats.Duration = time.Since(start)
	return stats
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// ClassStats describes one size class at a point in time.
type ClassStats struct {
	Size      int
	Capacity  int
	Live      int
	Free      int
	Condemned int
}

// HeapStats is a point-in-time snapshot of allocator state.
type HeapStats struct {
	Classes []ClassStats
	Allocs  uint64 // cumulative allocations
	Frees   uint64 // cumulative condemnations
	Sweeps  uint64 // cumulative sweep passes
}

// Stats returns a snapshot of allocator state.
func (h *Heap) Stats() HeapStats {
	s := HeapStats{
		Classes: make([]ClassStats, len(h.classes)),
		Allocs:  h.allocs.Load(),
		Frees:   h.frees.Load(),
		Sweeps:  h.sweeps.Load(),
	}
	for i := range h.classes {
		hc := &h.classes[i]
		hc.mu.Lock()
		free, condemned := len(hc.free), len(hc.condemned)
		hc.mu.Unlock()

		s.Classes[i] = ClassStats{
			Size:      hc.size,
			Capacity:  int(hc.cap),
			Live:      int(hc.cap) - free - condemned,
			Free:      free,
			Condemned: condemned,
		}
	}
	return s
}
