package vm

// internThreshold is the maximum byte length at which a newly created
// string is canonicalized by the intern map (spec.md section 3 and the
// glossary's "Intern threshold").
const internThreshold = 64

// internTable maps short string bytes to the single interned heap object
// carrying them. Looked up by byte content, but the invariant this module
// must uphold is identity: the map value must BE the live object, not just
// an object with equal bytes (spec.md section 8).
type internTable struct {
	entries map[string]*Obj
}

func newInternTable() *internTable {
	return &internTable{entries: map[string]*Obj{}}
}

// GetOrInternAString returns the interned AString object for bs, allocating
// and interning one if none exists yet. Strings longer than
// internThreshold are never interned: for those every call allocates a
// fresh, uninterned AString via NewAString.
func (rt *Runtime) GetOrInternAString(bs []byte) Value {
	if len(bs) > internThreshold {
		return rt.NewAString(bs)
	}
	key := string(bs)
	if o, ok := rt.interned.entries[key]; ok {
		rt.Retain(PointerValue(objHandle(o)))
		return PointerValue(objHandle(o))
	}
	v := rt.NewAString(bs)
	o := objFromHandle(v.AsPointer())
	rt.interned.entries[key] = o
	return v
}

// unintern removes o's intern entry, but only if the map still points at
// this exact object (spec.md section 4.3's "iff the map value is the same
// object"); a later allocation that happens to reuse the same byte content
// under a fresh object must not be evicted by an older object's free path.
func (rt *Runtime) unintern(o *Obj) {
	if o.Kind != KindAString {
		return
	}
	as, ok := o.Data.(*AString)
	if !ok {
		return
	}
	key := string(as.Bytes)
	if existing, ok := rt.interned.entries[key]; ok && existing == o {
		delete(rt.interned.entries, key)
	}
}
