package vm

import "fmt"

// NativeFunc is the native-function ABI: given the runtime and the raw
// argument slots of the calling frame, it returns up to two result values
// and a count of how many are actually populated (spec.md section 6's
// 1-result/2-result native call convention). A native that wants to raise
// an ember-level panic instead of returning normally calls
// rt.RaisePanicMsg/RaisePanicTag, which stash the panic payload on the
// runtime itself (see vm/panic.go); the caller (vm/call.go) checks
// rt.panicking after every native call.
type NativeFunc func(rt *Runtime, args []Value) (r0, r1 Value, numResults int)

// Module is anything that can populate the global symbol table and
// variable slots at startup — native modules and (eventually) bytecode
// modules alike (spec.md section 6's module interface).
type Module interface {
	Name() string
	Install(rt *Runtime)
}

// NativeModule is a Module built entirely out of NativeFuncs, the shape
// every module supplied by this core takes.
type NativeModule struct {
	name  string
	funcs map[string]NativeFunc
	vars  map[string]Value
}

func NewNativeModule(name string) *NativeModule {
	return &NativeModule{name: name, funcs: map[string]NativeFunc{}, vars: map[string]Value{}}
}

func (m *NativeModule) Name() string { return m.name }

// SetNativeFunc registers fn under name (spec.md's set_native_func).
func (m *NativeModule) SetNativeFunc(name string, fn NativeFunc) {
	m.funcs[name] = fn
}

// SetVar registers a plain value under name (spec.md's set_var).
func (m *NativeModule) SetVar(name string, v Value) {
	m.vars[name] = v
}

func (m *NativeModule) Install(rt *Runtime) {
	for name, fn := range m.funcs {
		id := rt.Symbols.Variables.intern(qualify(m.name, name))
		binding := rt.newObj(KindNativeFuncBinding, &NativeFuncBinding{Fn: fn, Name: name}, 16)
		rt.setGlobal(id, binding)
	}
	for name, v := range m.vars {
		id := rt.Symbols.Variables.intern(qualify(m.name, name))
		rt.setGlobal(id, v)
	}
}

func qualify(module, name string) string {
	if module == "" {
		return name
	}
	return module + "." + name
}

// NewCoreModule builds the "core" native module supplementing the spec's
// bare execution core with just enough standard surface (len, print,
// typename) to exercise the native-function ABI end to end, standing in
// for the richer standard library a full front-end would ship (spec.md's
// SUPPLEMENTED FEATURES, see SPEC_FULL.md).
func NewCoreModule() *NativeModule {
	m := NewNativeModule("core")
	m.SetNativeFunc("len", nativeLen)
	m.SetNativeFunc("print", nativePrint)
	m.SetNativeFunc("typename", nativeTypename)
	return m
}

func nativeLen(rt *Runtime, args []Value) (Value, Value, int) {
	if len(args) != 1 {
		rt.RaisePanicMsg("len expects 1 argument")
		return Value(0), Value(0), 0
	}
	v := args[0]
	if s, ok := rt.stringContents(v); ok {
		return IntValue(int32(len(s))), Value(0), 1
	}
	if v.IsPointer() {
		o := objFromHandle(v.AsPointer())
		if l, ok := o.Data.(*List); ok {
			return IntValue(int32(len(l.Elems))), Value(0), 1
		}
		if mp, ok := o.Data.(*Map); ok {
			return IntValue(int32(mp.table.len())), Value(0), 1
		}
	}
	rt.RaisePanicMsg("len: unsupported operand")
	return Value(0), Value(0), 0
}

func nativePrint(rt *Runtime, args []Value) (Value, Value, int) {
	for i, a := range args {
		if i > 0 {
			fmt.Fprint(rt.Options.Stdout, " ")
		}
		fmt.Fprint(rt.Options.Stdout, rt.Display(a))
	}
	fmt.Fprintln(rt.Options.Stdout)
	return NoneValue(), Value(0), 1
}

func nativeTypename(rt *Runtime, args []Value) (Value, Value, int) {
	if len(args) != 1 {
		rt.RaisePanicMsg("typename expects 1 argument")
		return Value(0), Value(0), 0
	}
	name := rt.TypeName(args[0])
	return rt.GetOrInternAString([]byte(name)), Value(0), 1
}
