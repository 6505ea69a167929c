package vm

// InlineCache is a call-site cache attached to one pc, monomorphic by
// default and degrading back to the generic opcode once it has missed too
// often to be worth it (grounded on sentra-language/sentra's
// vmregister/bytecode.go InlineCache/PolymorphicIC, simplified to the
// single-entry case spec.md section 4.6 calls for: "field, field_retain,
// set_field_release, call_obj_sym, call_sym rewrite to an _ic specialized
// form on first resolution, and back to the generic form on a structural
// mismatch").
type InlineCache struct {
	structID uint32
	fieldIdx int
	target   Value // resolved callee, cached by execCallObjSym/execCallSym
	hasEntry bool
	hits     uint64
	misses   uint64
}

const inlineCacheMissLimit = 8

func (rt *Runtime) icFor(pc int) *InlineCache {
	ic, ok := rt.inlineCaches[pc]
	if !ok {
		ic = &InlineCache{}
		rt.inlineCaches[pc] = ic
	}
	return ic
}

// rewriteOp patches the opcode byte at pc in place (self-modifying
// bytecode, per spec.md section 4.6), leaving the operand bytes untouched
// since every _ic sibling shares its base opcode's operand layout.
func (rt *Runtime) rewriteOp(pc int, op OpCode) {
	if rt.disableIC {
		return
	}
	rt.program.Code[pc] = byte(op)
}

// run drives the dispatch loop for fiber f starting at f.pc until a
// ret0/ret1 unwinds past the fiber's root frame, a coyield/coreturn is hit,
// or a panic begins unwinding (spec.md section 4.6).
func (rt *Runtime) run(f *Fiber) {
	rt.panicking = false
	rt.yielding = false
	rt.returning = false
	code := rt.program.Code

	for {
		if rt.panicking {
			return
		}
		startPC := f.pc
		in, nextPC := DecodeInstruction(code, f.pc)
		f.pc = nextPC

		switch in.Op {
		case OpNop:

		case OpLoadConst:
			f.stack.setLocal(f.stack.fp, int(in.A), rt.program.Constants.Get(in.Bx))
		case OpLoadNone:
			f.stack.setLocal(f.stack.fp, int(in.A), NoneValue())
		case OpLoadTrue:
			f.stack.setLocal(f.stack.fp, int(in.A), BoolValue(true))
		case OpLoadFalse:
			f.stack.setLocal(f.stack.fp, int(in.A), BoolValue(false))
		case OpMove:
			f.stack.setLocal(f.stack.fp, int(in.A), f.stack.local(f.stack.fp, int(in.B)))

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			rt.execArith(f, in)
		case OpNeg:
			a := f.stack.local(f.stack.fp, int(in.B))
			f.stack.setLocal(f.stack.fp, int(in.A), Float64Value(-a.ToF64(rt)))

		case OpEq, OpNeq, OpLt, OpLe, OpGt, OpGe:
			rt.execCompare(f, in)

		case OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
			rt.execBitwise(f, in)

		case OpJmp:
			f.pc = startPC + int(instructionSize(in.Op)) + int(in.SBx)
		case OpJmpIfFalse:
			if !f.stack.local(f.stack.fp, int(in.A)).ToBool() {
				f.pc = startPC + int(instructionSize(in.Op)) + int(in.SBx)
			}
		case OpJmpIfTrue:
			if f.stack.local(f.stack.fp, int(in.A)).ToBool() {
				f.pc = startPC + int(instructionSize(in.Op)) + int(in.SBx)
			}
		case OpJmpNotNone:
			if !f.stack.local(f.stack.fp, int(in.A)).IsNone() {
				f.pc = startPC + int(instructionSize(in.Op)) + int(in.SBx)
			}
		case OpMatch:
			rt.execMatch(f, in, startPC)
		case OpForRange, OpForRangeFwd, OpForRangeRev:
			rt.execForRange(f, in, in.Op, startPC)

		case OpNewList:
			rt.execNewList(f, in)
		case OpListGet:
			rt.execListGet(f, in)
		case OpListSet:
			rt.execListSet(f, in)

		case OpNewMap:
			f.stack.setLocal(f.stack.fp, int(in.A), rt.NewMap(int(in.Bx)))
		case OpMapGet:
			rt.execMapGet(f, in)
		case OpMapSetIndex:
			rt.execMapSet(f, in, false)
		case OpMapSetIndexRelease:
			rt.execMapSet(f, in, true)

		case OpGetField:
			rt.execGetField(f, in, startPC, false)
		case OpGetFieldIC:
			rt.execGetField(f, in, startPC, true)
		case OpSetField, OpSetFieldRelease:
			rt.execSetField(f, in, startPC, in.Op == OpSetFieldRelease)
		case OpSetFieldReleaseIC:
			rt.execSetFieldIC(f, in, startPC)

		case OpCallObjSym, OpCallObjSymIC:
			rt.execCallObjSym(f, in, startPC, in.Op == OpCallObjSymIC)
		case OpCallSym, OpCallSymIC:
			rt.execCallSym(f, in, startPC, in.Op == OpCallSymIC)
		case OpCallValue:
			rt.execCallValue(f, in)

		case OpRet0:
			if f.depth == 0 {
				rt.returning = true
				rt.returnValue = NoneValue()
				return
			}
			rt.ret0(f)
			f.depth--
		case OpRet1:
			v := f.stack.local(f.stack.fp, int(in.A))
			if f.depth == 0 {
				rt.returning = true
				rt.returnValue = v
				return
			}
			rt.ret1(f, v)
			f.depth--

		case OpConcat:
			rt.execConcat(f, in)
		case OpStrLen:
			s, _ := rt.stringContents(f.stack.local(f.stack.fp, int(in.B)))
			f.stack.setLocal(f.stack.fp, int(in.A), IntValue(int32(len(s))))
		case OpStrSlice:
			rt.execStrSlice(f, in)

		case OpCoInit:
			rt.execCoInit(f, in)
		case OpCoResume:
			rt.execCoResume(f, in)
		case OpCoYield:
			rt.CoYield(f.stack.local(f.stack.fp, int(in.A)))
			rt.nextPC = f.pc
			return
		case OpCoReturn:
			rt.CoReturn(f.stack.local(f.stack.fp, int(in.A)))
			return

		case OpRetain:
			rt.Retain(f.stack.local(f.stack.fp, int(in.A)))
		case OpRelease:
			rt.Release(f.stack.local(f.stack.fp, int(in.A)))

		case OpPanic:
			rt.RaisePanicMsg("explicit panic")
			return
		case OpTryValue:
			v := f.stack.local(f.stack.fp, int(in.A))
			if v.IsErrorTag() {
				if f.depth == 0 {
					rt.RaisePanicTag(v)
					return
				}
				rt.ret1(f, v)
				f.depth--
			}

		default:
			rt.RaisePanicMsg("unknown opcode")
			return
		}
	}
}

func (rt *Runtime) execArith(f *Fiber, in Instruction) {
	b := f.stack.local(f.stack.fp, int(in.B))
	c := f.stack.local(f.stack.fp, int(in.C))
	x, y := b.ToF64(rt), c.ToF64(rt)
	var r float64
	switch in.Op {
	case OpAdd:
		r = x + y
	case OpSub:
		r = x - y
	case OpMul:
		r = x * y
	case OpDiv:
		if y == 0 {
			rt.RaisePanicMsg("division by zero")
			return
		}
		r = x / y
	case OpMod:
		if y == 0 {
			rt.RaisePanicMsg("division by zero")
			return
		}
		r = float64(int64(x) % int64(y))
	}
	f.stack.setLocal(f.stack.fp, int(in.A), Float64Value(r))
}

func (rt *Runtime) execCompare(f *Fiber, in Instruction) {
	b := f.stack.local(f.stack.fp, int(in.B))
	c := f.stack.local(f.stack.fp, int(in.C))
	var result bool
	switch in.Op {
	case OpEq:
		result = valuesEqual(rt, b, c)
	case OpNeq:
		result = !valuesEqual(rt, b, c)
	case OpLt:
		result = b.ToF64(rt) < c.ToF64(rt)
	case OpLe:
		result = b.ToF64(rt) <= c.ToF64(rt)
	case OpGt:
		result = b.ToF64(rt) > c.ToF64(rt)
	case OpGe:
		result = b.ToF64(rt) >= c.ToF64(rt)
	}
	f.stack.setLocal(f.stack.fp, int(in.A), BoolValue(result))
}

func valuesEqual(rt *Runtime, a, b Value) bool {
	if a.IsPointer() && b.IsPointer() {
		if sa, ok := rt.stringContents(a); ok {
			if sb, ok := rt.stringContents(b); ok {
				return sa == sb
			}
		}
		return a == b
	}
	return a == b
}

func (rt *Runtime) execListGet(f *Fiber, in Instruction) {
	lv := f.stack.local(f.stack.fp, int(in.B))
	idx := f.stack.local(f.stack.fp, int(in.C)).AsI32()
	if !lv.IsPointer() {
		rt.RaisePanicMsg("list_get: not a list")
		return
	}
	o := objFromHandle(lv.AsPointer())
	l, ok := o.Data.(*List)
	if !ok || idx < 0 || int(idx) >= len(l.Elems) {
		rt.RaisePanicMsg("list_get: index out of range")
		return
	}
	f.stack.setLocal(f.stack.fp, int(in.A), l.Elems[idx])
}

func (rt *Runtime) execListSet(f *Fiber, in Instruction) {
	lv := f.stack.local(f.stack.fp, int(in.A))
	idx := f.stack.local(f.stack.fp, int(in.B)).AsI32()
	val := f.stack.local(f.stack.fp, int(in.C))
	if !lv.IsPointer() {
		rt.RaisePanicMsg("list_set: not a list")
		return
	}
	o := objFromHandle(lv.AsPointer())
	l, ok := o.Data.(*List)
	if !ok || idx < 0 || int(idx) >= len(l.Elems) {
		rt.RaisePanicMsg("list_set: index out of range")
		return
	}
	rt.Release(l.Elems[idx])
	l.Elems[idx] = val
}

func (rt *Runtime) execMapGet(f *Fiber, in Instruction) {
	mv := f.stack.local(f.stack.fp, int(in.B))
	key := f.stack.local(f.stack.fp, int(in.C))
	o := objFromHandle(mv.AsPointer())
	mp := o.Data.(*Map)
	v, ok := mp.table.get(key)
	if !ok {
		rt.RaisePanicMsg("map_get: key not found")
		return
	}
	f.stack.setLocal(f.stack.fp, int(in.A), v)
}

func (rt *Runtime) execMapSet(f *Fiber, in Instruction, release bool) {
	mv := f.stack.local(f.stack.fp, int(in.A))
	key := f.stack.local(f.stack.fp, int(in.B))
	val := f.stack.local(f.stack.fp, int(in.C))
	o := objFromHandle(mv.AsPointer())
	mp := o.Data.(*Map)
	mp.table.set(key, val, release)
}

func (rt *Runtime) execGetField(f *Fiber, in Instruction, pc int, isIC bool) {
	recv := f.stack.local(f.stack.fp, int(in.B))
	if !recv.IsPointer() {
		rt.RaisePanicMsg("field access on non-object")
		return
	}
	o := objFromHandle(recv.AsPointer())
	uo, ok := o.Data.(*UserObject)
	if !ok {
		rt.RaisePanicMsg("field access on non-struct")
		return
	}
	fieldID := uint32(in.C)
	ic := rt.icFor(pc)
	if isIC && ic.hasEntry && ic.structID == uo.StructID {
		ic.hits++
		f.stack.setLocal(f.stack.fp, int(in.A), uo.Fields[ic.fieldIdx])
		return
	}
	idx := rt.Symbols.FieldIndex(uo.StructID, fieldID)
	if idx < 0 {
		rt.RaisePanicMsg("field access: no such field")
		return
	}
	if isIC {
		ic.misses++
		if ic.misses > inlineCacheMissLimit {
			rt.rewriteOp(pc, OpGetField)
		}
	} else {
		ic.structID, ic.fieldIdx, ic.hasEntry = uo.StructID, idx, true
		rt.rewriteOp(pc, OpGetFieldIC)
	}
	f.stack.setLocal(f.stack.fp, int(in.A), uo.Fields[idx])
}

func (rt *Runtime) execSetField(f *Fiber, in Instruction, pc int, release bool) {
	recv := f.stack.local(f.stack.fp, int(in.A))
	o := objFromHandle(recv.AsPointer())
	uo := o.Data.(*UserObject)
	idx := rt.Symbols.FieldIndex(uo.StructID, uint32(in.B))
	if idx < 0 {
		rt.RaisePanicMsg("set_field: no such field")
		return
	}
	if release {
		rt.Release(uo.Fields[idx])
		ic := rt.icFor(pc)
		ic.structID, ic.fieldIdx, ic.hasEntry = uo.StructID, idx, true
		rt.rewriteOp(pc, OpSetFieldReleaseIC)
	}
	uo.Fields[idx] = f.stack.local(f.stack.fp, int(in.C))
}

func (rt *Runtime) execSetFieldIC(f *Fiber, in Instruction, pc int) {
	recv := f.stack.local(f.stack.fp, int(in.A))
	o := objFromHandle(recv.AsPointer())
	uo := o.Data.(*UserObject)
	ic := rt.icFor(pc)
	if ic.hasEntry && ic.structID == uo.StructID {
		ic.hits++
		rt.Release(uo.Fields[ic.fieldIdx])
		uo.Fields[ic.fieldIdx] = f.stack.local(f.stack.fp, int(in.C))
		return
	}
	idx := rt.Symbols.FieldIndex(uo.StructID, uint32(in.B))
	if idx < 0 {
		rt.RaisePanicMsg("set_field_release: no such field")
		return
	}
	ic.misses++
	if ic.misses > inlineCacheMissLimit {
		rt.rewriteOp(pc, OpSetFieldRelease)
	}
	rt.Release(uo.Fields[idx])
	uo.Fields[idx] = f.stack.local(f.stack.fp, int(in.C))
}

// execCallObjSym resolves and invokes a method call, caching the resolved
// callee inline keyed by the receiver's struct id (spec.md section 4.6:
// call_obj_sym rewrites to call_obj_sym_ic, "caching the observed type id
// and offset/target inline"). A receiver of a different shape at the same
// call site is a cache miss that re-resolves and, past the miss limit,
// rewrites the site back to the generic opcode — the same degrade pattern
// execGetField uses for fields.
func (rt *Runtime) execCallObjSym(f *Fiber, in Instruction, pc int, isIC bool) {
	recv := f.stack.local(f.stack.fp, int(in.B))
	methodID := uint32(in.C)

	if !recv.IsPointer() {
		rt.RaisePanicMsg("method call on non-object receiver")
		return
	}
	o := objFromHandle(recv.AsPointer())
	uo, ok := o.Data.(*UserObject)
	if !ok {
		rt.RaisePanicMsg("method call on non-struct receiver")
		return
	}

	ic := rt.icFor(pc)
	var callee Value
	if isIC && ic.hasEntry && ic.structID == uo.StructID {
		ic.hits++
		callee = ic.target
	} else {
		callee = rt.resolveMethod(methodID, recv)
		if rt.panicking {
			return
		}
		if isIC {
			ic.misses++
			if ic.misses > inlineCacheMissLimit {
				rt.rewriteOp(pc, OpCallObjSym)
			}
		} else {
			ic.structID, ic.target, ic.hasEntry = uo.StructID, callee, true
			rt.rewriteOp(pc, OpCallObjSymIC)
		}
	}
	rt.callValue(f, callee, []Value{recv}, f.stack.fp, int(in.A), f.pc)
}

// execCallSym resolves a global function call by symbol id, caching the
// resolved callee inline on first resolution (spec.md section 4.6). Unlike
// call_obj_sym the target is receiver-independent, so once cached it never
// misses: the cache simply removes the globalFunctions lookup from every
// later call at this site.
func (rt *Runtime) execCallSym(f *Fiber, in Instruction, pc int, isIC bool) {
	ic := rt.icFor(pc)
	var callee Value
	if isIC && ic.hasEntry {
		ic.hits++
		callee = ic.target
	} else {
		fnID := uint32(in.Bx)
		var ok bool
		callee, ok = rt.globalFunctions[fnID]
		if !ok {
			rt.RaisePanicMsg("call_sym: unresolved function")
			return
		}
		if !isIC {
			rt.rewriteOp(pc, OpCallSymIC)
		}
		ic.target, ic.hasEntry = callee, true
	}
	rt.callValue(f, callee, nil, f.stack.fp, int(in.A), f.pc)
}

func (rt *Runtime) execCallValue(f *Fiber, in Instruction) {
	callee := f.stack.local(f.stack.fp, int(in.B))
	rt.callValue(f, callee, nil, f.stack.fp, int(in.A), f.pc)
}

func (rt *Runtime) execConcat(f *Fiber, in Instruction) {
	a, _ := rt.stringContents(f.stack.local(f.stack.fp, int(in.B)))
	b, _ := rt.stringContents(f.stack.local(f.stack.fp, int(in.C)))
	f.stack.setLocal(f.stack.fp, int(in.A), rt.GetOrInternAString([]byte(a+b)))
}

// execStrSlice slices a string in place (in.A is both the source register
// and the destination). Per spec.md section 4.6 the result is a slice
// object referring to the parent and retaining it, not a copy — so the
// parent Value must be captured before in.A is overwritten.
func (rt *Runtime) execStrSlice(f *Fiber, in Instruction) {
	parent := f.stack.local(f.stack.fp, int(in.A))
	s, ok := rt.stringContents(parent)
	start := int(f.stack.local(f.stack.fp, int(in.B)).AsI32())
	end := int(f.stack.local(f.stack.fp, int(in.C)).AsI32())
	if !ok || start < 0 || end > len(s) || start > end {
		rt.RaisePanicMsg("str_slice: out of range")
		return
	}
	slice := rt.NewStringSlice(parent, start, end)
	f.stack.setLocal(f.stack.fp, int(in.A), slice)
}

func (rt *Runtime) execCoInit(f *Fiber, in Instruction) {
	callee := f.stack.local(f.stack.fp, int(in.B))
	if !callee.IsPointer() {
		rt.RaisePanicMsg("coinit: not callable")
		return
	}
	o := objFromHandle(callee.AsPointer())
	var fv Value
	switch d := o.Data.(type) {
	case *Closure:
		fv = rt.CoInit(d.FuncPC, d.NumLocals, d.NumParams, nil)
	case *Lambda:
		fv = rt.CoInit(d.FuncPC, d.NumLocals, d.NumParams, nil)
	default:
		rt.RaisePanicMsg("coinit: value is not a function")
		return
	}
	f.stack.setLocal(f.stack.fp, int(in.A), fv)
}

func (rt *Runtime) execCoResume(f *Fiber, in Instruction) {
	fiberVal := f.stack.local(f.stack.fp, int(in.B))
	arg := f.stack.local(f.stack.fp, int(in.C))
	result, _ := rt.CoResume(fiberVal, []Value{arg})
	f.stack.setLocal(f.stack.fp, int(in.A), result)
}

// execBitwise implements the bitwise ops over NaN-boxed float64 registers
// by converting through int32, the way spec.md section 4.6 specifies:
// f64 -> i32 -> op -> i32 -> f64.
func (rt *Runtime) execBitwise(f *Fiber, in Instruction) {
	b := int32(f.stack.local(f.stack.fp, int(in.B)).ToF64(rt))
	c := int32(f.stack.local(f.stack.fp, int(in.C)).ToF64(rt))
	var r int32
	switch in.Op {
	case OpBAnd:
		r = b & c
	case OpBOr:
		r = b | c
	case OpBXor:
		r = b ^ c
	case OpShl:
		r = b << uint32(c)
	case OpShr:
		r = b >> uint32(c)
	}
	f.stack.setLocal(f.stack.fp, int(in.A), Float64Value(float64(r)))
}

// execMatch implements the match opcode: a linear scan over the raw
// (const-index, relative-jump) case table that immediately follows the
// match header in the code stream (see EncodeMatch/EncodeMatchCase in
// bytecode.go), falling through to the trailing else entry when nothing
// matches (spec.md section 4.6's "match (linear scan over (value, jump)
// pairs with else jump appended)").
func (rt *Runtime) execMatch(f *Fiber, in Instruction, startPC int) {
	subject := f.stack.local(f.stack.fp, int(in.A))
	numCases := int(in.Bx)
	tableStart := startPC + instructionSize(OpMatch)
	end := tableStart + (numCases+1)*4

	for i := 0; i < numCases; i++ {
		constIdx, sbx := readMatchEntry(rt.program.Code, tableStart+i*4)
		if valuesEqual(rt, subject, rt.program.Constants.Get(constIdx)) {
			f.pc = end + int(sbx)
			return
		}
	}
	_, sbx := readMatchEntry(rt.program.Code, tableStart+numCases*4)
	f.pc = end + int(sbx)
}

// execForRange implements the for_range family: a loop-condition test over
// three contiguous registers (counter=A, limit=A+1, step=A+2). The generic
// for_range form specializes itself to for_range_fwd or for_range_rev on
// first execution based on step's sign (spec.md section 4.6's "forward/
// reverse specialization"), the same self-rewrite technique execGetField
// uses for fields. The instruction only tests the loop condition and jumps
// past the loop when it no longer holds; the compiled loop body is
// responsible for advancing counter by step and jumping back here.
func (rt *Runtime) execForRange(f *Fiber, in Instruction, op OpCode, startPC int) {
	counter := f.stack.local(f.stack.fp, int(in.A)).ToF64(rt)
	limit := f.stack.local(f.stack.fp, int(in.A)+1).ToF64(rt)
	step := f.stack.local(f.stack.fp, int(in.A)+2).ToF64(rt)

	fwd := op == OpForRangeFwd
	if op == OpForRange {
		fwd = step >= 0
		if fwd {
			rt.rewriteOp(startPC, OpForRangeFwd)
		} else {
			rt.rewriteOp(startPC, OpForRangeRev)
		}
	}

	var more bool
	if fwd {
		more = counter < limit
	} else {
		more = counter > limit
	}
	if !more {
		f.pc = startPC + int(instructionSize(op)) + int(in.SBx)
	}
}

// execNewList builds a list from a contiguous run of registers (in.B is the
// first source register, in.C is the count), retaining each element the
// list now owns, instead of always constructing an empty list (spec.md
// section 4.6: "list builds from a slice of locals; capacity = length").
func (rt *Runtime) execNewList(f *Fiber, in Instruction) {
	start := int(in.B)
	count := int(in.C)
	elems := make([]Value, count)
	for i := 0; i < count; i++ {
		v := f.stack.local(f.stack.fp, start+i)
		rt.Retain(v)
		elems[i] = v
	}
	f.stack.setLocal(f.stack.fp, int(in.A), rt.NewList(elems))
}
