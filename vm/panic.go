package vm

import (
	"fmt"
	"strings"
)

// PanicPayload is the value carried by an in-flight panic: either a plain
// message or an error-tag Value, matching spec.md section 7's two panic
// kinds (msg vs error-tag).
type PanicPayload struct {
	Msg     string
	TagVal  Value
	HasTag  bool
}

// StackFrame is one entry of a built stack trace.
type StackFrame struct {
	FuncName string
	Line     int
	Column   int
}

// Panic is the error returned to the host when a fiber's execution ends in
// an unrecovered panic (mirrors the teacher's yaegi.Panic: a struct
// implementing error, carrying a formatted trace alongside the raw data).
type Panic struct {
	Payload PanicPayload
	Stack   []StackFrame
}

func (p *Panic) Error() string {
	var b strings.Builder
	if p.Payload.HasTag {
		fmt.Fprintf(&b, "panic: error tag %d\n", p.Payload.TagVal.AsErrorTagID())
	} else {
		fmt.Fprintf(&b, "panic: %s\n", p.Payload.Msg)
	}
	for _, f := range p.Stack {
		fmt.Fprintf(&b, "\tat %s (%d:%d)\n", f.FuncName, f.Line, f.Column)
	}
	return b.String()
}

// RaisePanicMsg begins unwinding with a plain-message panic. Native
// functions call this instead of returning a Go error (spec.md section 6's
// native ABI has no error return; panics are signaled out of band).
func (rt *Runtime) RaisePanicMsg(msg string) {
	rt.panicking = true
	rt.panicPayload = PanicPayload{Msg: msg}
}

// RaisePanicTag begins unwinding with an error-tag panic.
func (rt *Runtime) RaisePanicTag(tag Value) {
	rt.panicking = true
	rt.panicPayload = PanicPayload{TagVal: tag, HasTag: true}
}

// buildStackTrace walks the live frame chain from the current fiber's fp,
// using the program's debug table to recover each frame's source location
// (spec.md section 7's build_stack_trace), stopping after maxDepth frames
// (the EMBER_STACK_TRACE_DEPTH toggle, see vm/runtime.go).
func (rt *Runtime) buildStackTrace() []StackFrame {
	f := rt.currentFiber
	if f == nil {
		return nil
	}
	var frames []StackFrame
	fp := f.stack.fp
	pc := f.pc
	depth := 0
	for depth < rt.maxStackTraceDepth {
		entry, ok := rt.program.Debug.Lookup(pc)
		name, line, col := "?", 0, 0
		if ok {
			name, line, col = entry.FuncName, entry.Line, entry.Column
		}
		frames = append(frames, StackFrame{FuncName: name, Line: line, Column: col})
		if fp == stackBase {
			break
		}
		pc = f.stack.retPC(fp)
		fp = f.stack.callerFP(fp)
		depth++
	}
	return frames
}

// takePanic converts the runtime's in-flight panic state into a returnable
// *Panic and clears the flag, for use at a fiber's outermost boundary.
func (rt *Runtime) takePanic() *Panic {
	if !rt.panicking {
		return nil
	}
	p := &Panic{Payload: rt.panicPayload, Stack: rt.buildStackTrace()}
	rt.panicking = false
	rt.panicPayload = PanicPayload{}
	return p
}
