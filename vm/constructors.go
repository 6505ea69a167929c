package vm

// largeObjectThreshold is the byte size (for variable-length payloads like
// strings and lists) at which an allocation bypasses the page pool and goes
// to the general allocator instead (spec.md section 4.2's 28/16/28 boundary
// discussion, generalized here to a single named constant so every
// constructor applies the same rule).
const largeObjectThreshold = 28

func (rt *Runtime) newObj(kind Kind, data Data, approxSize int) Value {
	var o *Obj
	if approxSize > largeObjectThreshold {
		o = rt.heap.allocLarge()
		o.Kind = kind
		o.Data = data
		o.RC = 1
	} else {
		s := rt.heap.allocPoolObject()
		s.obj.Kind = kind
		s.obj.Data = data
		s.obj.RC = 1
		o = &s.obj
	}
	if rt.heap.diagRCEnabled {
		rt.heap.globalRC++
	}
	return PointerValue(objHandle(o))
}

// NewAString allocates a fresh ASCII string object. Callers that want
// interning semantics should go through GetOrInternAString instead.
func (rt *Runtime) NewAString(bs []byte) Value {
	cp := make([]byte, len(bs))
	copy(cp, bs)
	return rt.newObj(KindAString, &AString{Bytes: cp}, len(bs))
}

// NewUString allocates a UTF-8 string with multi-byte runes, tracking its
// rune length and seeding the byte/char MRU cursor at the start (spec.md
// section 4.5's unicode-string indexing cache).
func (rt *Runtime) NewUString(bs []byte) Value {
	cp := make([]byte, len(bs))
	copy(cp, bs)
	n := 0
	for range string(cp) {
		n++
	}
	return rt.newObj(KindUString, &UString{Bytes: cp, CharLen: n}, len(bs))
}

// NewRawString allocates a string object that performs no character
// decoding at all: indexing yields raw bytes (spec.md's raw_string kind).
func (rt *Runtime) NewRawString(bs []byte) Value {
	cp := make([]byte, len(bs))
	copy(cp, bs)
	return rt.newObj(KindRawString, &RawString{Bytes: cp}, len(bs))
}

// NewList allocates a list object taking ownership of elems (the caller
// must have already retained each element it wants the list to own).
func (rt *Runtime) NewList(elems []Value) Value {
	return rt.newObj(KindList, &List{Elems: elems}, len(elems)*8)
}

// NewMap allocates an empty map with the given initial capacity hint.
func (rt *Runtime) NewMap(sizeHint int) Value {
	var o *Obj
	v := rt.newObj(KindMap, nil, sizeHint*16)
	o = objFromHandle(v.AsPointer())
	o.Data = &Map{table: newValueMap(rt, sizeHint)}
	return v
}

// NewBox allocates a single-slot mutable cell, used to give closures shared
// mutable upvalues (spec.md section 4.6's boxed captures).
func (rt *Runtime) NewBox(v Value) Value {
	return rt.newObj(KindBox, &Box{Val: v}, 8)
}

// NewClosure allocates a closure over funcPC with the given captured
// values. Up to 3 captures are stored inline in a pool object; with more,
// all captures live in Overflow and the closure is allocated outside the
// pool (spec.md section 4.6's inline-capture optimization).
func (rt *Runtime) NewClosure(funcPC, numLocals, numParams int, captures []Value) Value {
	c := &Closure{FuncPC: funcPC, NumLocals: numLocals, NumParams: numParams}
	c.NumCapture = len(captures)
	size := 24
	if len(captures) > 3 {
		c.Overflow = append([]Value(nil), captures...)
		size += len(captures) * 8
	} else {
		copy(c.Inline[:], captures)
	}
	return rt.newObj(KindClosure, c, size)
}

// NewLambda allocates a closure-less function value: one with no captured
// state, distinguished from Closure so the call opcode can skip the
// capture-unpacking step entirely (spec.md section 4.6).
func (rt *Runtime) NewLambda(funcPC, numLocals, numParams int) Value {
	return rt.newObj(KindLambda, &Lambda{FuncPC: funcPC, NumLocals: numLocals, NumParams: numParams}, 12)
}

// NewUserObject allocates an instance of a declared struct shape.
func (rt *Runtime) NewUserObject(structID uint32, fields []Value) Value {
	return rt.newObj(KindUserObject, &UserObject{StructID: structID, Fields: fields}, len(fields)*8)
}

// baseStringKind reports which of the three *-slice kinds a slice of parent
// should carry, looking through an existing StringSlice's own parent so that
// slicing a slice still tags the result with the original string's kind
// (spec.md section 4.6).
func baseStringKind(o *Obj) Kind {
	switch d := o.Data.(type) {
	case *UString:
		return KindUStringSlice
	case *RawString:
		return KindRawStringSlice
	case *StringSlice:
		switch d.Parent.Kind {
		case KindUString, KindUStringSlice:
			return KindUStringSlice
		case KindRawString, KindRawStringSlice:
			return KindRawStringSlice
		default:
			return KindAStringSlice
		}
	default:
		return KindAStringSlice
	}
}

// NewStringSlice allocates a view into parent covering the half-open byte
// range [start, end), retaining parent for the slice's lifetime instead of
// copying its bytes (spec.md section 4.6: "slice on string returns a slice
// object referring to the parent and retaining it"). If parent is itself a
// slice, the new slice points directly at the root string object so the
// parent chain never grows deeper than one link.
func (rt *Runtime) NewStringSlice(parent Value, start, end int) Value {
	po := objFromHandle(parent.AsPointer())
	kind := baseStringKind(po)

	root := po
	rootStart, rootEnd := start, end
	if ps, ok := po.Data.(*StringSlice); ok {
		root = ps.Parent
		rootStart = ps.Start + start
		rootEnd = ps.Start + end
	}

	rt.Retain(PointerValue(objHandle(root)))
	return rt.newObj(kind, &StringSlice{Parent: root, Start: rootStart, End: rootEnd}, 16)
}

// stringContents returns the byte content of any of the three string kinds
// as a Go string, for use as a map key or numeric-coercion source. The bool
// is false for any non-string Value.
func (rt *Runtime) stringContents(v Value) (string, bool) {
	if !v.IsPointer() {
		return "", false
	}
	o := objFromHandle(v.AsPointer())
	switch d := o.Data.(type) {
	case *AString:
		return string(d.Bytes), true
	case *UString:
		return string(d.Bytes), true
	case *RawString:
		return string(d.Bytes), true
	case *StringSlice:
		s, ok := rt.stringContents(PointerValue(objHandle(d.Parent)))
		if !ok {
			return "", false
		}
		if d.Start < 0 || d.End > len(s) || d.Start > d.End {
			return "", false
		}
		return s[d.Start:d.End], true
	default:
		return "", false
	}
}
