package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryValueLeavesNonErrorInDstAndDoesNotJump(t *testing.T) {
	var code []byte
	code = EncodeABC(code, OpTryValue, 0, 0, 0)
	code = EncodeABC(code, OpRet1, 0, 0, 0)
	rt := New(Options{})
	rt.program = &Program{Code: code, NumLocals: 1, EntryPC: 0}
	f := fiberOf(rt.CoInit(0, 4, 0, nil))
	f.stack.setLocal(f.stack.fp, 0, IntValue(7))

	rt.run(f)

	require.False(t, rt.panicking)
	require.True(t, rt.returning)
	assert.EqualValues(t, 7, rt.returnValue.AsI32())
}

func TestTryValueAtRootFramePropagatesPanic(t *testing.T) {
	rt := New(Options{})
	rt.program = &Program{Code: []byte{byte(OpTryValue), 0, 0, 0}}
	f := fiberOf(rt.CoInit(0, 4, 0, nil))
	f.stack.setLocal(f.stack.fp, 0, ErrorTagValue(3))

	rt.run(f)

	assert.True(t, rt.panicking)
	assert.True(t, rt.panicPayload.HasTag)
	assert.EqualValues(t, 3, rt.panicPayload.TagVal.AsErrorTagID())
}

func TestTryValueAtNonRootFramePropagatesToCaller(t *testing.T) {
	// code[0:4] is what the root frame resumes to after the callee's
	// try_value unwinds; code[4:8] is the callee's own try_value, which the
	// fiber is made to start executing directly (as if a caller had already
	// called into it).
	var code []byte
	code = EncodeABC(code, OpRet1, 0, 0, 0)
	code = EncodeABC(code, OpTryValue, 0, 0, 0)

	rt := New(Options{})
	rt.program = &Program{Code: code, NumLocals: 1, EntryPC: 0}
	f := fiberOf(rt.CoInit(0, 4, 0, nil)) // root frame: fp=0, 4 locals

	rootFP := f.stack.fp
	startLocal := rootFP + frameHeaderSize + f.stack.numLocalsOf(rootFP)
	retDestAbs := rootFP + frameHeaderSize + 0 // root's register 0
	calleeFP := f.stack.PushFrame(startLocal, 2, retDestAbs, 1, false, 0, rootFP)
	f.stack.fp = calleeFP
	f.pc = 4 // the callee's try_value instruction
	f.depth = 1
	f.stack.setLocal(calleeFP, 0, ErrorTagValue(9))

	rt.run(f)

	require.False(t, rt.panicking)
	require.True(t, rt.returning)
	assert.True(t, rt.returnValue.IsErrorTag())
	assert.EqualValues(t, 9, rt.returnValue.AsErrorTagID())
}

func TestStrSliceBuildsRetainingSliceObject(t *testing.T) {
	rt := New(Options{})
	rt.heap.diagRCEnabled = true
	f := fiberOf(rt.CoInit(0, 4, 0, nil))

	parent := rt.NewUString([]byte("hello world"))
	parentObj := objFromHandle(parent.AsPointer())
	f.stack.setLocal(f.stack.fp, 0, parent)
	f.stack.setLocal(f.stack.fp, 1, IntValue(0))
	f.stack.setLocal(f.stack.fp, 2, IntValue(5))

	in := Instruction{Op: OpStrSlice, A: 0, B: 1, C: 2}
	rt.execStrSlice(f, in)
	require.False(t, rt.panicking)

	sliceVal := f.stack.local(f.stack.fp, 0)
	sliceObj := objFromHandle(sliceVal.AsPointer())
	assert.Equal(t, KindUStringSlice, sliceObj.Kind)

	ss, ok := sliceObj.Data.(*StringSlice)
	require.True(t, ok)
	assert.Same(t, parentObj, ss.Parent)
	assert.Equal(t, uint32(2), parentObj.RC) // 1 from construction + 1 retained by the slice

	s, ok := rt.stringContents(sliceVal)
	require.True(t, ok)
	assert.Equal(t, "hello", s)
}

func TestStrSliceOfASliceFlattensToRoot(t *testing.T) {
	rt := New(Options{})
	f := fiberOf(rt.CoInit(0, 4, 0, nil))

	root := rt.NewAString([]byte("abcdefgh"))
	rootObj := objFromHandle(root.AsPointer())

	outer := rt.NewStringSlice(root, 1, 7) // "bcdefg"
	f.stack.setLocal(f.stack.fp, 0, outer)
	f.stack.setLocal(f.stack.fp, 1, IntValue(1))
	f.stack.setLocal(f.stack.fp, 2, IntValue(5))

	in := Instruction{Op: OpStrSlice, A: 0, B: 1, C: 2}
	rt.execStrSlice(f, in)
	require.False(t, rt.panicking)

	inner := objFromHandle(f.stack.local(f.stack.fp, 0).AsPointer())
	ss := inner.Data.(*StringSlice)
	assert.Same(t, rootObj, ss.Parent)
	assert.Equal(t, KindAStringSlice, inner.Kind)

	s, ok := rt.stringContents(f.stack.local(f.stack.fp, 0))
	require.True(t, ok)
	assert.Equal(t, "cdef", s)
}

func TestCallSymCachesTargetAndSkipsSecondLookup(t *testing.T) {
	rt := New(Options{})
	rt.program = &Program{Code: []byte{byte(OpCallSym), 0, 0, 0}}
	f := fiberOf(rt.CoInit(0, 4, 0, nil))

	fn := rt.NewLambda(100, 0, 0)
	fnID := rt.Symbols.Functions.intern("f")
	rt.globalFunctions[fnID] = fn

	in := Instruction{Op: OpCallSym, A: 0, Bx: uint16(fnID)}
	rt.execCallSym(f, in, 0, false)
	require.False(t, rt.panicking)
	assert.Equal(t, byte(OpCallSymIC), rt.program.Code[0])

	ic := rt.icFor(0)
	require.True(t, ic.hasEntry)
	assert.Equal(t, fn, ic.target)

	// Remove the global binding: a correctly-caching IC must not need it.
	delete(rt.globalFunctions, fnID)
	inIC := Instruction{Op: OpCallSymIC, A: 0, Bx: uint16(fnID)}
	rt.execCallSym(f, inIC, 0, true)
	assert.False(t, rt.panicking)
	assert.Equal(t, uint64(1), rt.icFor(0).hits)
}

func TestCallObjSymCachesAndDegradesOnStructMismatch(t *testing.T) {
	rt := New(Options{})
	rt.program = &Program{Code: []byte{byte(OpCallObjSymIC), 0, 1, 0}}
	f := fiberOf(rt.CoInit(0, 4, 0, nil))

	structA := rt.Symbols.DeclareStruct("A", nil)
	structB := rt.Symbols.DeclareStruct("B", nil)
	methodM := rt.Symbols.Methods.intern("m")

	fnA := rt.NewLambda(10, 1, 1)
	rt.functionTable = append(rt.functionTable, fnA)
	rt.Symbols.DeclareMethod(structA, "m", 0)
	fnB := rt.NewLambda(20, 1, 1)
	rt.functionTable = append(rt.functionTable, fnB)
	rt.Symbols.DeclareMethod(structB, "m", 1)

	ic := rt.icFor(0)
	ic.hasEntry, ic.structID, ic.target = true, structA, fnA

	objB := rt.NewUserObject(structB, nil)
	f.stack.setLocal(f.stack.fp, 1, objB)
	in := Instruction{Op: OpCallObjSymIC, A: 0, B: 1, C: uint8(methodM)}

	// Each call below actually pushes a bytecode frame (callValue's normal
	// side effect); reset fp between iterations so the receiver register
	// keeps pointing at objB instead of an unrelated callee frame slot.
	origFP := f.stack.fp
	for i := 0; i < inlineCacheMissLimit+1; i++ {
		f.stack.fp = origFP
		rt.execCallObjSym(f, in, 0, true)
		require.False(t, rt.panicking)
	}
	// A repeated mismatch re-resolves every time (correctness) but never
	// re-specializes the cache to the new shape (matching execGetField's
	// own conservative degrade behavior) until it finally rewrites the
	// call site back to the generic opcode.
	assert.Equal(t, byte(OpCallObjSym), rt.program.Code[0])
	assert.Equal(t, structA, rt.icFor(0).structID)
}

func TestBitwiseOpsConvertThroughInt32(t *testing.T) {
	rt := New(Options{})
	f := fiberOf(rt.CoInit(0, 4, 0, nil))
	f.stack.setLocal(f.stack.fp, 0, Float64Value(6))
	f.stack.setLocal(f.stack.fp, 1, Float64Value(3))

	rt.execBitwise(f, Instruction{Op: OpBAnd, A: 2, B: 0, C: 1})
	assert.Equal(t, 2.0, f.stack.local(f.stack.fp, 2).AsF64())

	rt.execBitwise(f, Instruction{Op: OpBOr, A: 2, B: 0, C: 1})
	assert.Equal(t, 7.0, f.stack.local(f.stack.fp, 2).AsF64())

	rt.execBitwise(f, Instruction{Op: OpBXor, A: 2, B: 0, C: 1})
	assert.Equal(t, 5.0, f.stack.local(f.stack.fp, 2).AsF64())

	f.stack.setLocal(f.stack.fp, 1, Float64Value(1))
	rt.execBitwise(f, Instruction{Op: OpShl, A: 2, B: 0, C: 1})
	assert.Equal(t, 12.0, f.stack.local(f.stack.fp, 2).AsF64())

	rt.execBitwise(f, Instruction{Op: OpShr, A: 2, B: 0, C: 1})
	assert.Equal(t, 3.0, f.stack.local(f.stack.fp, 2).AsF64())
}

func TestNewListBuildsFromRegisterRange(t *testing.T) {
	rt := New(Options{})
	rt.heap.diagRCEnabled = true
	f := fiberOf(rt.CoInit(0, 8, 0, nil))
	f.stack.setLocal(f.stack.fp, 1, IntValue(10))
	f.stack.setLocal(f.stack.fp, 2, IntValue(20))
	f.stack.setLocal(f.stack.fp, 3, IntValue(30))

	rt.execNewList(f, Instruction{Op: OpNewList, A: 0, B: 1, C: 3})

	lv := f.stack.local(f.stack.fp, 0)
	lo := objFromHandle(lv.AsPointer())
	l := lo.Data.(*List)
	require.Len(t, l.Elems, 3)
	assert.EqualValues(t, 10, l.Elems[0].AsI32())
	assert.EqualValues(t, 30, l.Elems[2].AsI32())
}

// assembleMatchProgram builds: match r0 { const[0] -> r1=const[1]; else -> r1=const[2] }.
func assembleMatchProgram(subject, caseVal, matched, elseVal float64) *Program {
	var consts Constants
	subjIdx := consts.Add(Float64Value(subject))
	caseIdx := consts.Add(Float64Value(caseVal))
	matchedIdx := consts.Add(Float64Value(matched))
	elseIdx := consts.Add(Float64Value(elseVal))

	var code []byte
	code = EncodeABx(code, OpLoadConst, 0, subjIdx)
	matchHeaderPC := len(code)
	code = EncodeMatch(code, 0, 1)
	code = EncodeMatchCase(code, caseIdx, 0) // placeholder sbx, patched below
	code = EncodeMatchElse(code, 0)          // placeholder sbx, patched below
	afterTablePC := len(code)

	matchedBranchPC := len(code)
	code = EncodeABx(code, OpLoadConst, 1, matchedIdx)
	code = EncodeABC(code, OpRet1, 1, 0, 0)

	elseBranchPC := len(code)
	code = EncodeABx(code, OpLoadConst, 1, elseIdx)
	code = EncodeABC(code, OpRet1, 1, 0, 0)

	// Patch the case/else jump offsets now that branch targets are known
	// (both relative to afterTablePC, the instruction after the whole
	// match block, per EncodeMatchCase's documented convention).
	caseEntryOff := matchHeaderPC + 4
	elseEntryOff := caseEntryOff + 4
	patchSBx := func(off int, target int) {
		sbx := int16(target - afterTablePC)
		code[off+2] = byte(uint16(sbx))
		code[off+3] = byte(uint16(sbx) >> 8)
	}
	patchSBx(caseEntryOff, matchedBranchPC)
	patchSBx(elseEntryOff, elseBranchPC)

	return &Program{Code: code, Constants: consts, NumLocals: 2, EntryPC: 0}
}

func TestMatchTakesMatchingCase(t *testing.T) {
	rt := New(Options{})
	prog := assembleMatchProgram(5, 5, 111, 222)
	result, p := rt.Run(prog)
	require.Nil(t, p)
	assert.Equal(t, 111.0, result.ToF64(rt))
}

func TestMatchFallsThroughToElse(t *testing.T) {
	rt := New(Options{})
	prog := assembleMatchProgram(5, 9, 111, 222)
	result, p := rt.Run(prog)
	require.Nil(t, p)
	assert.Equal(t, 222.0, result.ToF64(rt))
}

// assembleForRangeSum builds a loop summing integers from start (inclusive)
// to limit (exclusive) by step into r3, using for_range as the condition
// test and an ordinary add to advance the counter.
func assembleForRangeSum(start, limit, step float64) *Program {
	var consts Constants
	startIdx := consts.Add(Float64Value(start))
	limitIdx := consts.Add(Float64Value(limit))
	stepIdx := consts.Add(Float64Value(step))
	zeroIdx := consts.Add(Float64Value(0))

	var code []byte
	code = EncodeABx(code, OpLoadConst, 0, startIdx) // r0 = counter
	code = EncodeABx(code, OpLoadConst, 1, limitIdx)  // r1 = limit
	code = EncodeABx(code, OpLoadConst, 2, stepIdx)   // r2 = step
	code = EncodeABx(code, OpLoadConst, 3, zeroIdx)   // r3 = sum accumulator

	loopTestPC := len(code)
	code = EncodeAsBx(code, OpForRange, 0, 0) // sbx patched below
	code = EncodeABC(code, OpAdd, 3, 3, 0)    // sum += counter
	code = EncodeABC(code, OpAdd, 0, 0, 2)    // counter += step
	jmpBackPC := len(code)
	code = EncodeAsBx(code, OpJmp, 0, 0) // sbx patched below
	afterLoopPC := len(code)
	code = EncodeABC(code, OpRet1, 3, 0, 0)

	exitSBx := int16(afterLoopPC - (loopTestPC + 4))
	code[loopTestPC+2] = byte(uint16(exitSBx))
	code[loopTestPC+3] = byte(uint16(exitSBx) >> 8)

	backSBx := int16(loopTestPC - (jmpBackPC + 4))
	code[jmpBackPC+2] = byte(uint16(backSBx))
	code[jmpBackPC+3] = byte(uint16(backSBx) >> 8)

	return &Program{Code: code, Constants: consts, NumLocals: 4, EntryPC: 0}
}

func TestForRangeForwardSumsRange(t *testing.T) {
	rt := New(Options{})
	prog := assembleForRangeSum(0, 5, 1)
	result, p := rt.Run(prog)
	require.Nil(t, p)
	assert.Equal(t, 10.0, result.ToF64(rt)) // 0+1+2+3+4
	assert.Equal(t, byte(OpForRangeFwd), prog.Code[16]) // self-specialized in place
}

func TestForRangeReverseSumsRange(t *testing.T) {
	rt := New(Options{})
	prog := assembleForRangeSum(5, 0, -1)
	result, p := rt.Run(prog)
	require.Nil(t, p)
	assert.Equal(t, 15.0, result.ToF64(rt)) // 5+4+3+2+1
	assert.Equal(t, byte(OpForRangeRev), prog.Code[16])
}

func TestJmpNotNoneDoesNotJumpWhenValueIsNone(t *testing.T) {
	var code []byte
	code = EncodeAsBx(code, OpJmpNotNone, 0, 4) // if r0 not none, skip the next instruction
	code = EncodeABx(code, OpLoadConst, 1, 0)   // r1 = const[0] ("not skipped")
	code = EncodeABC(code, OpRet1, 1, 0, 0)

	var consts Constants
	consts.Add(Float64Value(1))
	prog := &Program{Code: code, Constants: consts, NumLocals: 2, EntryPC: 0}

	rt := New(Options{})
	f := fiberOf(rt.CoInit(0, 2, 0, nil))
	rt.program = prog
	f.stack.setLocal(f.stack.fp, 0, NoneValue())
	rt.run(f)
	require.True(t, rt.returning)
	assert.Equal(t, 1.0, rt.returnValue.ToF64(rt))
}

func TestJmpNotNoneJumpsWhenValueIsNotNone(t *testing.T) {
	var code []byte
	code = EncodeAsBx(code, OpJmpNotNone, 0, 4) // if r0 not none, skip the next instruction
	code = EncodeABx(code, OpLoadConst, 1, 0)   // r1 = const[0] ("skipped")
	code = EncodeABx(code, OpLoadConst, 1, 1)   // r1 = const[1] ("landed on")
	code = EncodeABC(code, OpRet1, 1, 0, 0)

	var consts Constants
	consts.Add(Float64Value(1))
	consts.Add(Float64Value(2))
	prog := &Program{Code: code, Constants: consts, NumLocals: 2, EntryPC: 0}

	rt := New(Options{})
	f := fiberOf(rt.CoInit(0, 2, 0, nil))
	rt.program = prog
	f.stack.setLocal(f.stack.fp, 0, IntValue(1))
	rt.run(f)
	require.True(t, rt.returning)
	assert.Equal(t, 2.0, rt.returnValue.ToF64(rt))
}
