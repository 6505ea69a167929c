package vm

import "github.com/google/uuid"

// FiberStatus mirrors spec.md section 7's fiber lifecycle states.
type FiberStatus uint8

const (
	FiberSuspended FiberStatus = iota // not yet started
	FiberRunning
	FiberYielded
	FiberDone
	FiberPanicked
)

// Fiber backs KindFiber: an independent stack plus its own pc and status,
// scheduled cooperatively — no preemption, no parallelism (spec.md
// section 7).
type Fiber struct {
	ID     uuid.UUID
	stack  *Stack
	pc     int
	status FiberStatus
	parent *Fiber // who resumed this fiber, for coreturn/coyield to hand control back to
	depth  int    // number of bytecode calls pushed since the fiber's root frame

	destroyed bool // set once destroyFiber has run, so a later free-path call is a no-op
}

func (f *Fiber) children(dst []Value) []Value {
	// A fiber's live locals are reachable only through its own stack, which
	// retain/release never walks directly (spec.md section 7: a fiber
	// "owns" its locals but they are not Values themselves until boxed).
	// Nothing here for the generic child-walk; destruction handles the
	// stack explicitly, see destroyFiber.
	return dst
}

const initialStackCapacity = 256

// CoInit allocates a new fiber ready to run funcPC, in the suspended
// state, without starting it (spec.md's coinit).
func (rt *Runtime) CoInit(funcPC, numLocals, numParams int, args []Value) Value {
	f := &Fiber{ID: uuid.New(), stack: NewStack(initialStackCapacity), pc: funcPC, status: FiberSuspended}
	fp := f.stack.PushFrame(0, numLocals, 0, 0, false, -1, stackBase)
	for i, a := range args {
		if i >= numParams {
			break
		}
		f.stack.setArg(fp, i, a)
	}
	f.stack.fp = fp
	return rt.newObj(KindFiber, &fiberObjData{f: f}, 24)
}

// fiberObjData lets Fiber live behind the Obj/Data interface without
// Fiber itself needing to satisfy every Data method inline in fiber.go's
// exported surface.
type fiberObjData struct{ f *Fiber }

func (d *fiberObjData) children(dst []Value) []Value { return d.f.children(dst) }

func fiberOf(v Value) *Fiber {
	o := objFromHandle(v.AsPointer())
	return o.Data.(*fiberObjData).f
}

// CoResume transfers control to fiber, running it until it yields,
// returns, or panics (spec.md's coresume). Returns the value the fiber
// yielded or returned.
func (rt *Runtime) CoResume(fiberVal Value, resumeArgs []Value) (Value, bool) {
	f := fiberOf(fiberVal)
	if f.status == FiberDone || f.status == FiberPanicked {
		rt.RaisePanicMsg("coresume: fiber already finished")
		return NoneValue(), false
	}
	f.parent = rt.currentFiber
	prev := rt.currentFiber
	rt.currentFiber = f
	f.status = FiberRunning

	if len(resumeArgs) > 0 {
		f.stack.setLocal(f.stack.fp, 0, resumeArgs[0])
	}

	result := rt.runFiberLoop(f)

	rt.currentFiber = prev
	if prev != nil {
		prev.status = FiberRunning
	}
	return result, f.status != FiberPanicked
}

// CoYield suspends the currently running fiber, recording its pc so a
// later CoResume continues exactly where it left off (spec.md's coyield).
func (rt *Runtime) CoYield(v Value) {
	f := rt.currentFiber
	if f == nil {
		rt.RaisePanicMsg("coyield: not running inside a fiber")
		return
	}
	f.status = FiberYielded
	rt.yieldValue = v
	rt.yielding = true
}

// CoReturn ends the currently running fiber with a final value (spec.md's
// coreturn), releasing every local still live in its current frame chain
// per the debug table's end-locals-pc markers.
func (rt *Runtime) CoReturn(v Value) {
	f := rt.currentFiber
	if f == nil {
		return
	}
	rt.destroyFiber(f, true)
	f.status = FiberDone
	rt.returnValue = v
	rt.returning = true
}

// destroyFiber releases every local still live across f's current frame
// chain. When viaReturn is false this is an externally forced destruction
// (the fiber's handle was released while suspended on a coyield) rather
// than a normal coreturn unwind; either way the set of locals released is
// exactly those the debug table's end_locals_pc says are still in scope at
// the suspension point (spec.md section 8's "fiber released while
// suspended on coyield must release exactly the yield-site locals").
//
// Idempotent: a fiber that completes via CoReturn and is later released as
// an rc==0 object (see freeObject's KindFiber case) must not have its
// locals released twice.
func (rt *Runtime) destroyFiber(f *Fiber, viaReturn bool) {
	if f.destroyed {
		return
	}
	f.destroyed = true
	fp := f.stack.fp
	pc := f.pc
	for {
		entry, ok := rt.program.Debug.Lookup(pc)
		numLocals := 0
		if ok {
			numLocals = entry.EndLocalsPC // reused here as "locals still live" count when > 0
		}
		for i := 0; i < numLocals; i++ {
			rt.Release(f.stack.local(fp, i))
		}
		if fp == stackBase {
			break
		}
		pc = f.stack.retPC(fp)
		fp = f.stack.callerFP(fp)
	}
	_ = viaReturn
}

// runFiberLoop drives the dispatch loop (vm/dispatch.go) for f until it
// yields, returns, or panics, translating the three outcomes into a single
// return value for CoResume.
func (rt *Runtime) runFiberLoop(f *Fiber) Value {
	rt.run(f)
	switch {
	case rt.panicking:
		f.status = FiberPanicked
		return NoneValue()
	case rt.yielding:
		rt.yielding = false
		f.pc = rt.nextPC
		return rt.yieldValue
	case rt.returning:
		rt.returning = false
		f.status = FiberDone
		return rt.returnValue
	default:
		return NoneValue()
	}
}
