package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Options configures a Runtime the way yaegi's interp.Options configures
// an Interpreter: plain fields, zero values meaning "use the default"
// (spec.md's AMBIENT STACK, see SPEC_FULL.md).
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Args and Env are exposed to native modules that want host argv/env
	// access (e.g. a supplemented os-facing module); the core itself never
	// reads them.
	Args []string
	Env  []string

	// DisableInlineCaching forces every field/call opcode to stay on its
	// generic form, bypassing the self-modifying _ic rewrite. Also settable
	// via the EMBER_DISABLE_IC environment variable.
	DisableInlineCaching bool

	// MaxStackTraceDepth caps how many frames buildStackTrace walks before
	// giving up (spec.md section 7). Also settable via
	// EMBER_STACK_TRACE_DEPTH. Zero means the built-in default of 64.
	MaxStackTraceDepth int

	// EnableCycleDiagnostics turns on the global retain-count counter
	// (Heap.globalRC) that Retain/Release/ForceRelease maintain, costing a
	// bit of bookkeeping on every Retain/Release. CheckMemory does not read
	// it. Also settable via EMBER_CYCLE_TRACE.
	EnableCycleDiagnostics bool
}

const defaultMaxStackTraceDepth = 64

// Runtime is the whole VM: heap, symbol tables, the running program, and
// the one currently-scheduled fiber (spec.md sections 3-7 bundled the way
// yaegi's Interpreter bundles its scanner/frame/global state).
type Runtime struct {
	ID uuid.UUID

	Options Options

	heap     *Heap
	interned *internTable
	Symbols  *SymbolTables

	program *Program

	globals         map[uint32]Value
	globalFunctions map[uint32]Value
	functionTable   []Value

	inlineCaches map[int]*InlineCache
	disableIC    bool

	mainFiber    *Fiber
	currentFiber *Fiber

	panicking    bool
	panicPayload PanicPayload

	yielding   bool
	yieldValue Value
	nextPC     int

	returning   bool
	returnValue Value

	maxStackTraceDepth int
}

// New constructs a Runtime, reading the same kind of env-var debug toggles
// yaegi's interp.New reads for YAEGI_AST_DOT and friends (spec.md's
// AMBIENT STACK).
func New(opts Options) *Runtime {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	rt := &Runtime{
		ID:              uuid.New(),
		Options:         opts,
		heap:            NewHeap(),
		interned:        newInternTable(),
		Symbols:         newSymbolTables(),
		globals:         map[uint32]Value{},
		globalFunctions: map[uint32]Value{},
		inlineCaches:    map[int]*InlineCache{},
	}

	rt.disableIC = opts.DisableInlineCaching
	if os.Getenv("EMBER_DISABLE_IC") != "" {
		rt.disableIC = true
	}

	rt.maxStackTraceDepth = opts.MaxStackTraceDepth
	if rt.maxStackTraceDepth == 0 {
		rt.maxStackTraceDepth = defaultMaxStackTraceDepth
	}
	if s := os.Getenv("EMBER_STACK_TRACE_DEPTH"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			rt.maxStackTraceDepth = n
		}
	}

	rt.heap.diagRCEnabled = opts.EnableCycleDiagnostics
	if os.Getenv("EMBER_CYCLE_TRACE") != "" {
		rt.heap.diagRCEnabled = true
	}

	NewCoreModule().Install(rt)
	return rt
}

func (rt *Runtime) setGlobal(id uint32, v Value) {
	rt.globals[id] = v
}

// RegisterFunction adds fn (a Closure or Lambda Value) to the function
// table under fnID, so call_sym opcodes can resolve it (spec.md section
// 4.6's global function table).
func (rt *Runtime) RegisterFunction(fnID uint32, fn Value) {
	rt.globalFunctions[fnID] = fn
	rt.functionTable = append(rt.functionTable, fn)
}

// Run loads program and executes it on a fresh main fiber to completion,
// mirroring yaegi's blocking Eval entry point.
func (rt *Runtime) Run(program *Program) (Value, *Panic) {
	return rt.RunWithContext(context.Background(), program)
}

// RunWithContext is Run's context-aware sibling (yaegi's EvalWithContext):
// it runs the main fiber on a goroutine and races it against ctx.Done(),
// returning a "context cancelled" Panic as soon as ctx is done. The dispatch
// loop itself does not check ctx: after cancellation the goroutine running
// the program is not waited for and may keep executing.
func (rt *Runtime) RunWithContext(ctx context.Context, program *Program) (Value, *Panic) {
	rt.program = program
	fiberVal := rt.CoInit(program.EntryPC, program.NumLocals, program.NumParams, nil)
	f := fiberOf(fiberVal)
	rt.mainFiber = f
	rt.currentFiber = f
	f.status = FiberRunning

	done := make(chan Value, 1)
	go func() {
		done <- rt.runFiberLoop(f)
	}()

	select {
	case <-ctx.Done():
		rt.panicking = true
		rt.panicPayload = PanicPayload{Msg: "context cancelled"}
		return NoneValue(), rt.takePanic()
	case v := <-done:
		if rt.panicking {
			return NoneValue(), rt.takePanic()
		}
		return v, nil
	}
}

// Display renders v the way a print-style native would, following the
// same kind switch stringContents uses but falling back to a type-tagged
// representation for non-string values.
func (rt *Runtime) Display(v Value) string {
	if s, ok := rt.stringContents(v); ok {
		return s
	}
	switch {
	case v.IsNone():
		return "none"
	case v.IsBool():
		return strconv.FormatBool(v.AsBool())
	case v.IsInt():
		return strconv.Itoa(int(v.AsI32()))
	case v.IsNumber():
		return strconv.FormatFloat(v.AsF64(), 'g', -1, 64)
	case v.IsPointer():
		o := objFromHandle(v.AsPointer())
		return fmt.Sprintf("<%s>", o.Kind.String())
	default:
		return "<value>"
	}
}

// TypeName returns the type tag name typename() reports.
func (rt *Runtime) TypeName(v Value) string {
	if !v.IsPointer() {
		switch {
		case v.IsNone():
			return "none"
		case v.IsBool():
			return "bool"
		case v.IsInt():
			return "int"
		case v.IsNumber():
			return "float"
		default:
			return "tag"
		}
	}
	return objFromHandle(v.AsPointer()).Kind.String()
}
