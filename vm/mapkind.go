package vm

import "github.com/dolthub/swiss"

// mapKey is the comparable key embedded-struct used to back vm.Map with a
// swiss-table (spec.md section 4.6's "swissy open-addressed value map").
// Strings compare by byte content (isString + str); every other Value kind
// compares by its raw bit pattern, matching spec.md's "keys are compared by
// byte-equality for strings else by value-bit equality."
type mapKey struct {
	isString bool
	str      string
	bits     uint64
}

func (rt *Runtime) keyFor(v Value) mapKey {
	if s, ok := rt.stringContents(v); ok {
		return mapKey{isString: true, str: s}
	}
	return mapKey{bits: uint64(v)}
}

type mapSlot struct {
	key Value
	val Value
}

// valueMap wraps a swiss.Map keyed by mapKey, storing the original Value
// key alongside the value so iteration (needed by refcount children-walk,
// map-iterator, and `keys`) can recover it.
type valueMap struct {
	rt *Runtime
	m  *swiss.Map[mapKey, mapSlot]
}

func newValueMap(rt *Runtime, sizeHint int) *valueMap {
	if sizeHint < 1 {
		sizeHint = 1
	}
	return &valueMap{rt: rt, m: swiss.NewMap[mapKey, mapSlot](uint32(sizeHint))}
}

// set stores key->val. When release is true and a prior value existed,
// that prior value is released (spec.md section 4.6's set_index_release
// form); otherwise the overwrite performs no rc adjustment
// (the non-releasing set_index form).
func (vm *valueMap) set(key, val Value, release bool) {
	k := vm.rt.keyFor(key)
	if release {
		if prev, ok := vm.m.Get(k); ok {
			vm.rt.Release(prev.val)
		}
	}
	vm.m.Put(k, mapSlot{key: key, val: val})
}

func (vm *valueMap) get(key Value) (Value, bool) {
	k := vm.rt.keyFor(key)
	slot, ok := vm.m.Get(k)
	if !ok {
		return Value(0), false
	}
	return slot.val, true
}

func (vm *valueMap) delete(key Value) (Value, bool) {
	k := vm.rt.keyFor(key)
	slot, ok := vm.m.Get(k)
	if !ok {
		return Value(0), false
	}
	vm.m.Delete(k)
	return slot.val, true
}

func (vm *valueMap) has(key Value) bool {
	_, ok := vm.m.Get(vm.rt.keyFor(key))
	return ok
}

func (vm *valueMap) len() int { return vm.m.Count() }

func (vm *valueMap) each(f func(k, v Value)) {
	vm.m.Iter(func(_ mapKey, slot mapSlot) bool {
		f(slot.key, slot.val)
		return false
	})
}

func (vm *valueMap) keys() []Value {
	out := make([]Value, 0, vm.len())
	vm.each(func(k, _ Value) { out = append(out, k) })
	return out
}
