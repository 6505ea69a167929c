package vm

// Kind discriminates the ~25 managed object variants spec.md section 3
// describes as a union with a `type_id` first word. Every heap object,
// pool-backed or large, carries one of these.
type Kind uint32

const (
	KindFree Kind = iota // the free-span sentinel; never a live object's kind
	KindGuard             // slot 0 of every page; never allocated, never freed

	KindList
	KindListIterator
	KindMap
	KindMapIterator
	KindClosure
	KindLambda
	KindAString       // ASCII string, 28-byte pool payload
	KindUString       // UTF-8 string with code-point length cache; pooled up to the shared 28-byte largeObjectThreshold, no UString-specific bound
	KindRawString     // opaque byte string, 28-byte pool payload
	KindAStringSlice  // view into a KindAString parent, retains it
	KindUStringSlice  // view into a KindUString parent, retains it
	KindRawStringSlice
	KindFiber
	KindBox
	KindNativeFuncBinding
	KindOpaquePointer // the C-interop/JIT bridge, treated as opaque per spec.md section 1
	KindFile
	KindDir
	KindDirIterator
	KindTccState
	KindBoundMethod
	KindUserObject

	kindCount
)

func (k Kind) String() string {
	names := [...]string{
		KindFree: "free", KindGuard: "guard",
		KindList: "list", KindListIterator: "list-iterator",
		KindMap: "map", KindMapIterator: "map-iterator",
		KindClosure: "closure", KindLambda: "lambda",
		KindAString: "astring", KindUString: "ustring", KindRawString: "rawstring",
		KindAStringSlice: "astring-slice", KindUStringSlice: "ustring-slice",
		KindRawStringSlice: "rawstring-slice",
		KindFiber:          "fiber", KindBox: "box",
		KindNativeFuncBinding: "native-func-binding",
		KindOpaquePointer:     "opaque-pointer",
		KindFile:              "file", KindDir: "dir", KindDirIterator: "dir-iterator",
		KindTccState: "tcc-state", KindBoundMethod: "bound-method",
		KindUserObject: "user-object",
	}
	if int(k) < len(names) && names[k] != "" {
		return names[k]
	}
	return "unknown-kind"
}

// isPoolEligible reports whether a kind's payload fits the fixed pool
// object size class (spec.md section 4.2's 28/16/28-byte thresholds). All
// fixed-shape kinds are pool-eligible; an object whose approximate size
// passed to newObj exceeds largeObjectThreshold (e.g. a string longer than
// 28 bytes, or a closure with more than 3 captures) escapes to a large
// allocation at construction time regardless of this predicate.
func (k Kind) isPoolEligible() bool {
	switch k {
	case KindList, KindListIterator, KindMap, KindMapIterator, KindClosure,
		KindLambda, KindAString, KindUString, KindRawString,
		KindAStringSlice, KindUStringSlice, KindRawStringSlice,
		KindFiber, KindBox, KindNativeFuncBinding, KindOpaquePointer,
		KindFile, KindDir, KindDirIterator, KindTccState, KindBoundMethod,
		KindUserObject:
		return true
	default:
		return false
	}
}

// Data is the kind-specific payload behind an Obj's common header. Each
// kind's payload type implements it so that Release (vm/refcount.go) can
// walk children generically without a type switch at every call site.
type Data interface {
	// children appends every Value this payload directly owns a reference
	// to, onto dst, and returns the extended slice. Used by retain-count
	// release and by cycle detection's DFS.
	children(dst []Value) []Value
}

// Obj is the common object header: `type_id` and `rc`, plus whatever the
// kind-specific payload needs. For pool objects the header fields alias the
// owning slot's fields directly (no duplication); for large objects they
// are the object's own fields. Either way, retain/release only ever touch
// Obj, never the slot/large-object machinery underneath.
type Obj struct {
	Kind Kind
	RC   uint32
	Data Data

	// pool bookkeeping; zero values for a large object.
	owner *page
	index int
	large bool
}

func (o *Obj) isLarge() bool { return o.large }

// List backs KindList.
type List struct {
	Elems []Value
}

func (l *List) children(dst []Value) []Value { return append(dst, l.Elems...) }

// ListIterator backs KindListIterator.
type ListIterator struct {
	List    *Obj
	Index   int
	Reverse bool
}

func (li *ListIterator) children(dst []Value) []Value {
	if li.List != nil {
		dst = append(dst, PointerValue(uintptr(objHandle(li.List))))
	}
	return dst
}

// MapEntry is a single key/value pair stored in Map.
type MapEntry struct {
	Key Value
	Val Value
}

// Map backs KindMap: a swiss-table-backed open-addressed map (spec.md
// section 4.6's "swissy open-addressed value map"), keyed by a byte-level
// equality for strings and bit equality otherwise. See vm/mapkind.go for
// the swiss.Map wiring.
type Map struct {
	table *valueMap
}

func (m *Map) children(dst []Value) []Value {
	m.table.each(func(k, v Value) {
		dst = append(dst, k, v)
	})
	return dst
}

// MapIterator backs KindMapIterator.
type MapIterator struct {
	Map   *Obj
	Keys  []Value
	Index int
}

func (mi *MapIterator) children(dst []Value) []Value {
	if mi.Map != nil {
		dst = append(dst, PointerValue(uintptr(objHandle(mi.Map))))
	}
	return dst
}

// Closure backs KindClosure: a bytecode function plus captured values
// inline when num_captured <= 3, else a heap-allocated capture block behind
// one word (spec.md section 9, "Suspension-capable closures").
type Closure struct {
	FuncPC     int
	NumLocals  int
	NumParams  int
	Inline     [3]Value
	NumCapture int
	Overflow   []Value // used when NumCapture > len(Inline)
}

func (c *Closure) captures() []Value {
	if c.NumCapture <= len(c.Inline) {
		return c.Inline[:c.NumCapture]
	}
	return c.Overflow
}

func (c *Closure) children(dst []Value) []Value { return append(dst, c.captures()...) }

// Lambda backs KindLambda: like Closure but with zero captures, kept as a
// distinct kind so the dispatch loop's call opcodes can skip the capture
// copy for the common no-capture case.
type Lambda struct {
	FuncPC    int
	NumLocals int
	NumParams int
}

func (l *Lambda) children(dst []Value) []Value { return dst }

// AString backs KindAString: an ASCII byte string (28-byte payload class).
type AString struct {
	Bytes []byte
}

func (s *AString) children(dst []Value) []Value { return dst }

// UString backs KindUString: UTF-8 bytes with a cached code-point length and
// an MRU (byte-index, char-index) cache for amortized O(1) rune indexing,
// mirroring the 12-byte static-string-buffer header in spec.md section 6.
type UString struct {
	Bytes     []byte
	CharLen   int
	mruByte   int
	mruChar   int
}

func (s *UString) children(dst []Value) []Value { return dst }

// RawString backs KindRawString: an opaque byte string with no text
// encoding assumed (28-byte payload class).
type RawString struct {
	Bytes []byte
}

func (s *RawString) children(dst []Value) []Value { return dst }

// StringSlice backs the three *-slice kinds: a view into a parent string
// object, retaining it for the slice's lifetime.
type StringSlice struct {
	Parent *Obj
	Start  int
	End    int
}

func (s *StringSlice) children(dst []Value) []Value {
	if s.Parent != nil {
		dst = append(dst, PointerValue(uintptr(objHandle(s.Parent))))
	}
	return dst
}

// Box backs KindBox: a single mutable cell, used for captured-by-reference
// locals and for user `box` values.
type Box struct {
	Val Value
}

func (b *Box) children(dst []Value) []Value { return append(dst, b.Val) }

// NativeFuncBinding backs KindNativeFuncBinding: a native function bound as
// a first-class value (e.g. a module export captured into a variable).
type NativeFuncBinding struct {
	Fn   NativeFunc
	Name string
}

func (n *NativeFuncBinding) children(dst []Value) []Value { return dst }

// OpaquePointer backs KindOpaquePointer: the C-interop/JIT bridge object,
// treated as an opaque collaborator per spec.md section 1.
type OpaquePointer struct {
	Ptr  uintptr
	Free func(uintptr)
}

func (o *OpaquePointer) children(dst []Value) []Value { return dst }

// File/Dir/DirIterator/TccState are thin host-collaborator handles; the
// actual syscalls live behind the native-function ABI (spec.md section 6),
// not in the core.
type File struct{ Handle interface{ Close() error } }

func (f *File) children(dst []Value) []Value { return dst }

type Dir struct{ Path string }

func (d *Dir) children(dst []Value) []Value { return dst }

type DirIterator struct {
	Dir     *Obj
	Entries []string
	Index   int
}

func (di *DirIterator) children(dst []Value) []Value {
	if di.Dir != nil {
		dst = append(dst, PointerValue(uintptr(objHandle(di.Dir))))
	}
	return dst
}

type TccState struct{ Handle uintptr }

func (t *TccState) children(dst []Value) []Value { return dst }

// BoundMethod backs KindBoundMethod: a method symbol resolved against a
// specific receiver. No opcode of this instruction set constructs one;
// callValue dispatches it when one is called.
type BoundMethod struct {
	Receiver Value
	MethodID uint32
}

func (b *BoundMethod) children(dst []Value) []Value { return append(dst, b.Receiver) }

// UserObject backs KindUserObject: a struct instance with a dynamic field
// count looked up through the field-symbol table (vm/symbols.go).
type UserObject struct {
	StructID uint32
	Fields   []Value
}

func (u *UserObject) children(dst []Value) []Value { return append(dst, u.Fields...) }
