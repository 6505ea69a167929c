package vm

import "fmt"

// OpCode is the VM's instruction set. Encoding follows the corpus's
// register-machine convention (grounded on sentra-language/sentra's
// vmregister/bytecode.go): an 8-bit opcode followed by a fixed 3-byte
// operand tail whose shape depends on the opcode's Format.
type OpCode uint8

const (
	OpNop OpCode = iota

	// register moves / constants
	OpLoadConst
	OpLoadNone
	OpLoadTrue
	OpLoadFalse
	OpMove

	// numeric
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// comparison
	OpEq
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe

	// bitwise (converted via f64->i32->op->i32->f64)
	OpBAnd
	OpBOr
	OpBXor
	OpShl
	OpShr

	// control flow
	OpJmp
	OpJmpIfFalse
	OpJmpIfTrue
	OpJmpNotNone
	OpMatch
	OpForRange
	OpForRangeFwd
	OpForRangeRev

	// collections
	OpNewList
	OpListGet
	OpListSet
	OpNewMap
	OpMapGet
	OpMapSetIndex
	OpMapSetIndexRelease

	// fields / methods, plain and inline-cached
	OpGetField
	OpGetFieldIC
	OpSetField
	OpSetFieldRelease
	OpSetFieldReleaseIC
	OpCallObjSym
	OpCallObjSymIC

	// calls
	OpCallSym
	OpCallSymIC
	OpCallValue
	OpRet0
	OpRet1

	// strings
	OpConcat
	OpStrLen
	OpStrSlice

	// fibers
	OpCoInit
	OpCoResume
	OpCoYield
	OpCoReturn

	// rc
	OpRetain
	OpRelease

	// panics
	OpPanic
	OpTryValue

	opCodeCount
)

var opNames = [...]string{
	OpNop: "nop",
	OpLoadConst: "load_const", OpLoadNone: "load_none", OpLoadTrue: "load_true", OpLoadFalse: "load_false",
	OpMove: "move",
	OpAdd:  "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod", OpNeg: "neg",
	OpEq: "eq", OpNeq: "neq", OpLt: "lt", OpLe: "le", OpGt: "gt", OpGe: "ge",
	OpBAnd: "band", OpBOr: "bor", OpBXor: "bxor", OpShl: "shl", OpShr: "shr",
	OpJmp: "jmp", OpJmpIfFalse: "jmp_if_false", OpJmpIfTrue: "jmp_if_true",
	OpJmpNotNone: "jmp_not_none", OpMatch: "match",
	OpForRange: "for_range", OpForRangeFwd: "for_range_fwd", OpForRangeRev: "for_range_rev",
	OpNewList: "new_list", OpListGet: "list_get", OpListSet: "list_set",
	OpNewMap: "new_map", OpMapGet: "map_get",
	OpMapSetIndex: "set_index", OpMapSetIndexRelease: "set_index_release",
	OpGetField: "field", OpGetFieldIC: "field_ic",
	OpSetField: "set_field", OpSetFieldRelease: "set_field_release", OpSetFieldReleaseIC: "set_field_release_ic",
	OpCallObjSym: "call_obj_sym", OpCallObjSymIC: "call_obj_sym_ic",
	OpCallSym: "call_sym", OpCallSymIC: "call_sym_ic", OpCallValue: "call_value",
	OpRet0: "ret0", OpRet1: "ret1",
	OpConcat: "concat", OpStrLen: "str_len", OpStrSlice: "str_slice",
	OpCoInit: "coinit", OpCoResume: "coresume", OpCoYield: "coyield", OpCoReturn: "coreturn",
	OpRetain: "retain", OpRelease: "release",
	OpPanic: "panic", OpTryValue: "try_value",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// Format describes an opcode's operand shape, mirroring the
// iABC/iABx/iAsBx convention the corpus uses for register machines.
type Format uint8

const (
	FormatABC  Format = iota // three 8-bit register operands: A, B, C
	FormatABx                // one 8-bit A plus one 16-bit unsigned Bx
	FormatAsBx               // one 8-bit A plus one 16-bit signed sBx (jump targets)
)

func formatOf(op OpCode) Format {
	switch op {
	case OpLoadConst, OpNewMap, OpCallSym, OpCallSymIC, OpMatch:
		return FormatABx
	case OpJmp, OpJmpIfFalse, OpJmpIfTrue, OpJmpNotNone, OpForRange, OpForRangeFwd, OpForRangeRev:
		return FormatAsBx
	default:
		return FormatABC
	}
}

// instructionSize returns the instruction's total encoded length in bytes,
// including its 1-byte opcode (grounded on mna-nenuphar's lang/compiler
// opcode.go encodedSize table, adapted from LEB128 varints to this VM's
// fixed-width register operands).
func instructionSize(op OpCode) int {
	switch formatOf(op) {
	case FormatABC:
		return 4 // opcode + A + B + C
	case FormatABx, FormatAsBx:
		return 4 // opcode + A + 16-bit Bx/sBx
	default:
		return 1
	}
}

// Instruction is a decoded bytecode word.
type Instruction struct {
	Op  OpCode
	A   uint8
	B   uint8
	C   uint8
	Bx  uint16
	SBx int16
}

// DecodeInstruction reads one instruction starting at pc, returning it and
// the pc of the following instruction.
func DecodeInstruction(code []byte, pc int) (Instruction, int) {
	op := OpCode(code[pc])
	in := Instruction{Op: op}
	switch formatOf(op) {
	case FormatABC:
		in.A, in.B, in.C = code[pc+1], code[pc+2], code[pc+3]
	case FormatABx:
		in.A = code[pc+1]
		in.Bx = uint16(code[pc+2]) | uint16(code[pc+3])<<8
	case FormatAsBx:
		in.A = code[pc+1]
		in.SBx = int16(uint16(code[pc+2]) | uint16(code[pc+3])<<8)
	}
	return in, pc + instructionSize(op)
}

// EncodeABC appends an iABC-format instruction to code.
func EncodeABC(code []byte, op OpCode, a, b, c uint8) []byte {
	return append(code, byte(op), a, b, c)
}

// EncodeABx appends an iABx-format instruction to code.
func EncodeABx(code []byte, op OpCode, a uint8, bx uint16) []byte {
	return append(code, byte(op), a, byte(bx), byte(bx>>8))
}

// EncodeAsBx appends an iAsBx-format instruction (a relative jump) to code.
func EncodeAsBx(code []byte, op OpCode, a uint8, sbx int16) []byte {
	return append(code, byte(op), a, byte(uint16(sbx)), byte(uint16(sbx)>>8))
}

// isJump reports whether op's target must be patched by a backpatcher
// (spec.md's control-flow opcodes), mirroring mna-nenuphar's isJump.
func (op OpCode) isJump() bool {
	switch op {
	case OpJmp, OpJmpIfFalse, OpJmpIfTrue, OpJmpNotNone, OpForRange, OpForRangeFwd, OpForRangeRev:
		return true
	default:
		return false
	}
}

// EncodeMatch appends an OpMatch header (the subject register and the
// number of case entries that follow) to code. Each case entry is a raw
// 4-byte (constant-index, relative-jump) pair appended with
// EncodeMatchCase, ended by one EncodeMatchElse entry — spec.md section
// 4.6's "match (linear scan over (value, jump) pairs with else jump
// appended)". These entries are not opcodes: execMatch reads them directly
// off the code stream rather than going back through the dispatch switch.
func EncodeMatch(code []byte, subject uint8, numCases uint16) []byte {
	return append(code, byte(OpMatch), subject, byte(numCases), byte(numCases>>8))
}

// EncodeMatchCase appends one (constIdx, sbx) case entry. sbx is relative
// to the first instruction after the whole match block (header + every
// case entry + the trailing else entry), matching OpJmp's own
// relative-to-next-instruction convention.
func EncodeMatchCase(code []byte, constIdx uint16, sbx int16) []byte {
	return append(code, byte(constIdx), byte(constIdx>>8), byte(uint16(sbx)), byte(uint16(sbx)>>8))
}

// EncodeMatchElse appends the trailing else entry taken when no case
// matched.
func EncodeMatchElse(code []byte, sbx int16) []byte {
	return append(code, 0, 0, byte(uint16(sbx)), byte(uint16(sbx)>>8))
}

// readMatchEntry decodes one raw 4-byte match-table entry at pc (see
// EncodeMatchCase/EncodeMatchElse).
func readMatchEntry(code []byte, pc int) (constIdx uint16, sbx int16) {
	constIdx = uint16(code[pc]) | uint16(code[pc+1])<<8
	sbx = int16(uint16(code[pc+2]) | uint16(code[pc+3])<<8)
	return constIdx, sbx
}

// Constants is the per-program constant pool: immutable values referenced
// by OpLoadConst's Bx operand (spec.md section 6).
type Constants struct {
	Values []Value
}

func (c *Constants) Add(v Value) uint16 {
	c.Values = append(c.Values, v)
	return uint16(len(c.Values) - 1)
}

func (c *Constants) Get(idx uint16) Value { return c.Values[idx] }

// StringBuffer is the flat backing store for every static string literal a
// program embeds, addressed by (start, end) byte offsets the way
// value.go's StaticAStringSlice/StaticUStringSlice payloads do. It carries
// the same MRU byte/char-index cursor UString uses, scoped per buffer
// instead of per live string object, since static literals never move.
type StringBuffer struct {
	Bytes   []byte
	mruByte int
	mruChar int
}

// Intern appends s to the buffer (without deduplication: callers are
// expected to have already deduplicated identical literals at compile
// time) and returns its (start, end) offsets.
func (b *StringBuffer) Intern(s []byte) (start, end uint16) {
	start = uint16(len(b.Bytes))
	b.Bytes = append(b.Bytes, s...)
	end = uint16(len(b.Bytes))
	return start, end
}

func (b *StringBuffer) Slice(start, end uint16) []byte { return b.Bytes[start:end] }

// DebugEntry maps a program counter to its originating source location,
// the enclosing function's name, and (optionally) how many of the frame's
// leading registers are still live there — the information
// build_stack_trace and fiber destruction both need (spec.md section 6).
// Despite its name, EndLocalsPC is read by destroyFiber as a register count,
// not as a pc: registers 0..EndLocalsPC-1 of the frame are released.
type DebugEntry struct {
	PC          int
	Line        int
	Column      int
	FuncName    string
	EndLocalsPC int // 0 means "no live registers to release"
}

// DebugTable is a slice of DebugEntry, looked up by the nearest pc not
// exceeding the query. Lookup scans every entry linearly, so the entries
// need not be sorted.
type DebugTable struct {
	Entries []DebugEntry
}

func (t *DebugTable) Add(e DebugEntry) { t.Entries = append(t.Entries, e) }

// Lookup returns the entry covering pc, or the zero DebugEntry if the
// table is empty or pc precedes every recorded entry.
func (t *DebugTable) Lookup(pc int) (DebugEntry, bool) {
	var best DebugEntry
	found := false
	for _, e := range t.Entries {
		if e.PC <= pc && (!found || e.PC > best.PC) {
			best = e
			found = true
		}
	}
	return best, found
}

// Program is a fully assembled unit ready to run: code, constants, string
// buffer and debug table together (spec.md's external bytecode-stream,
// constants-pool, string-buffer and debug-table interfaces bundled for a
// single compiled unit, standing in for the external front-end this core
// does not implement).
type Program struct {
	Code      []byte
	Constants Constants
	Strings   StringBuffer
	Debug     DebugTable
	EntryPC   int
	NumLocals int
	NumParams int
}
