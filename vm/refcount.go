package vm

// Retain increments v's reference count if v is a pointer, and optionally
// bumps the diagnostic global count (spec.md section 4.3).
func (rt *Runtime) Retain(v Value) {
	if !v.IsPointer() {
		return
	}
	o := objFromHandle(v.AsPointer())
	o.RC++
	if rt.heap.diagRCEnabled {
		rt.heap.globalRC++
	}
}

// RetainInc batches n increments onto v.
func (rt *Runtime) RetainInc(v Value, n uint32) {
	if !v.IsPointer() || n == 0 {
		return
	}
	o := objFromHandle(v.AsPointer())
	o.RC += n
	if rt.heap.diagRCEnabled {
		rt.heap.globalRC += int64(n)
	}
}

// Release decrements v's reference count if v is a pointer; at zero it
// invokes the kind-specific free path (spec.md section 4.3).
func (rt *Runtime) Release(v Value) {
	if !v.IsPointer() {
		return
	}
	o := objFromHandle(v.AsPointer())
	if rt.heap.diagRCEnabled {
		rt.heap.globalRC--
	}
	o.RC--
	if o.RC == 0 {
		rt.freeObject(o)
	}
}

// freeObject releases every child the object owns, removes any intern-map
// entry pointing at it, and returns its storage to the pool or the general
// allocator (spec.md section 4.3).
func (rt *Runtime) freeObject(o *Obj) {
	if o.Kind == KindFiber {
		if fd, ok := o.Data.(*fiberObjData); ok {
			rt.destroyFiber(fd.f, false)
		}
	}
	var children []Value
	if o.Data != nil {
		children = o.Data.children(children[:0])
	}
	for _, c := range children {
		rt.Release(c)
	}
	rt.unintern(o)
	if o.isLarge() {
		rt.heap.freeLarge(o)
		return
	}
	s := &o.owner.slots[o.index]
	rt.heap.freePoolObject(s)
}

// ForceRelease deallocates o unconditionally, bypassing the normal rc==0
// gate, and adjusts the diagnostic global rc downward by o's own rc — this
// is only ever called from cycle breaking (spec.md section 4.3). CheckMemory
// does not check whether o is also reachable from outside the cycle it was
// found in; o is treated as unreachable.
func (rt *Runtime) ForceRelease(o *Obj) {
	if rt.heap.diagRCEnabled {
		rt.heap.globalRC -= int64(o.RC)
	}
	o.RC = 0
	rt.freeObject(o)
}

// rcNode is cycle-detection DFS bookkeeping, one per live pool object.
type rcNode struct {
	visited bool
}

// CheckMemory walks every live pool slot, looking for reference cycles
// through the children of any object kind (lists, maps, boxes, closures,
// user objects and the rest). It force-releases every cycle root it finds
// and reports whether the heap was already cycle-free.
//
// Returns false if any cycle was found (mirroring the source's
// check_memory/false-on-cycle convention, spec.md section 8 scenario 5).
func (rt *Runtime) CheckMemory() (clean bool, roots []*Obj) {
	nodes := map[*Obj]*rcNode{}
	var cycleRoots []*Obj

	var dfs func(o *Obj, stack map[*Obj]bool)
	dfs = func(o *Obj, stack map[*Obj]bool) {
		n, ok := nodes[o]
		if !ok {
			n = &rcNode{}
			nodes[o] = n
		}
		if n.visited {
			return
		}
		if stack[o] {
			// back-edge: o is a cycle root.
			cycleRoots = append(cycleRoots, o)
			return
		}
		stack[o] = true
		if o.Data != nil {
			for _, c := range o.Data.children(nil) {
				if c.IsPointer() {
					dfs(objFromHandle(c.AsPointer()), stack)
				}
			}
		}
		delete(stack, o)
		n.visited = true
	}

	for _, p := range rt.heap.pages {
		for i := 1; i < slotsPerPage; i++ {
			s := &p.slots[i]
			if s.free() || s.obj.Kind == KindGuard {
				continue
			}
			dfs(&s.obj, map[*Obj]bool{})
		}
	}

	seen := map[*Obj]bool{}
	for _, root := range cycleRoots {
		if seen[root] {
			continue
		}
		seen[root] = true
		roots = append(roots, root)
	}
	for _, root := range roots {
		rt.ForceRelease(root)
	}
	return len(roots) == 0, roots
}
