package vm

// callResult captures what a call opcode needs in order to write results
// back into the caller's registers and decide whether to continue the
// dispatch loop in the same frame or a new one.
type callResult struct {
	pushedFrame bool
}

// callValue resolves callee and invokes it under one of the three call
// conventions spec.md section 4.6 distinguishes: bytecode (Closure or
// Lambda), native (NativeFuncBinding), or an arity mismatch, which is a
// panic rather than a silent truncation/padding of arguments.
func (rt *Runtime) callValue(f *Fiber, callee Value, args []Value, retDestFP int, retDestSlot int, retPC int) callResult {
	if !callee.IsPointer() {
		rt.RaisePanicMsg("call: value is not callable")
		return callResult{}
	}
	o := objFromHandle(callee.AsPointer())
	switch d := o.Data.(type) {
	case *Closure:
		return rt.callBytecode(f, d.FuncPC, d.NumLocals, d.NumParams, d.captures(), args, retDestFP, retDestSlot, retPC)
	case *Lambda:
		return rt.callBytecode(f, d.FuncPC, d.NumLocals, d.NumParams, nil, args, retDestFP, retDestSlot, retPC)
	case *NativeFuncBinding:
		rt.callNative(d.Fn, args, f.stack, retDestFP, retDestSlot)
		return callResult{}
	case *BoundMethod:
		full := append([]Value{d.Receiver}, args...)
		return rt.callValue(f, rt.resolveMethod(d.MethodID, d.Receiver), full, retDestFP, retDestSlot, retPC)
	default:
		rt.RaisePanicMsg("call: value is not callable")
		return callResult{}
	}
}

// callBytecode pushes a new frame for a Closure/Lambda invocation. An
// argument-count mismatch is an immediate panic (spec.md's "arity mismatch
// calling convention"): this VM never pads missing args with none or
// drops extras silently.
func (rt *Runtime) callBytecode(f *Fiber, funcPC, numLocals, numParams int, captures, args []Value, retDestFP, retDestSlot, retPC int) callResult {
	if len(args) != numParams {
		rt.RaisePanicMsg("call: arity mismatch")
		return callResult{}
	}
	// The new frame must start past the caller's own register file, not
	// the callee's — read the caller's reserved size from its own header.
	startLocal := f.stack.fp + frameHeaderSize + f.stack.numLocalsOf(f.stack.fp)
	retDestAbs := retDestFP + frameHeaderSize + retDestSlot
	newFP := f.stack.PushFrame(startLocal, numLocals, retDestAbs, 1, false, retPC, f.stack.fp)
	for i, a := range args {
		f.stack.setArg(newFP, i, a)
		rt.Retain(a)
	}
	for i, c := range captures {
		f.stack.setLocal(newFP, numParams+i, c)
	}
	f.stack.fp = newFP
	f.pc = funcPC
	f.depth++
	return callResult{pushedFrame: true}
}

// callNative invokes a native function directly, with no frame push: the
// native ABI operates on a plain Go slice of argument Values and writes
// straight back to the caller's destination slot (spec.md section 6).
func (rt *Runtime) callNative(fn NativeFunc, args []Value, stack *Stack, retDestFP, retDestSlot int) {
	r0, _, n := fn(rt, args)
	if rt.panicking {
		return
	}
	if n >= 1 {
		stack.setLocal(retDestFP, retDestSlot, r0)
	}
}

// ret0 returns no value from the current frame (spec.md's ret0), unwinding
// to the caller's saved pc/fp.
func (rt *Runtime) ret0(f *Fiber) {
	rt.retN(f, NoneValue())
}

// ret1 returns exactly one value from the current frame (spec.md's ret1).
func (rt *Runtime) ret1(f *Fiber, v Value) {
	rt.retN(f, v)
}

func (rt *Runtime) retN(f *Fiber, v Value) {
	fp := f.stack.fp
	destAbs := f.stack.retDestAbs(fp)
	destFP := f.stack.callerFP(fp)
	retPC := f.stack.retPC(fp)
	f.stack.data[destAbs] = v
	f.stack.fp = destFP
	f.pc = retPC
}

// resolveMethod looks up methodID against receiver's struct shape,
// returning a callable Value (the resolved Closure/Lambda), or raises a
// panic if the receiver's shape has no such method.
func (rt *Runtime) resolveMethod(methodID uint32, receiver Value) Value {
	if !receiver.IsPointer() {
		rt.RaisePanicMsg("method call on non-object receiver")
		return NoneValue()
	}
	o := objFromHandle(receiver.AsPointer())
	uo, ok := o.Data.(*UserObject)
	if !ok {
		rt.RaisePanicMsg("method call on non-struct receiver")
		return NoneValue()
	}
	if int(uo.StructID) >= len(rt.Symbols.Structs) {
		rt.RaisePanicMsg("method call: unknown struct")
		return NoneValue()
	}
	shape := rt.Symbols.Structs[uo.StructID]
	idx, ok := shape.MethodIDs[methodID]
	if !ok {
		rt.RaisePanicMsg("method call: no such method")
		return NoneValue()
	}
	return rt.functionTable[idx]
}
