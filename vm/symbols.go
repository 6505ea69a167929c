package vm

// Symbol tables resolve names to dense integer IDs used everywhere else in
// the VM (field offsets, function entry points, globals slots, tag
// literals, struct shapes). Each table keeps a small MRU cache in front of
// its fallback hashmap, mirroring the repeated "most call sites resolve the
// same handful of symbols" access pattern spec.md section 5 describes.
const symbolMRUSize = 4

type mruEntry struct {
	name string
	id   uint32
	used bool
}

type symbolTable struct {
	byName map[string]uint32
	names  []string
	mru    [symbolMRUSize]mruEntry
}

func newSymbolTable() *symbolTable {
	return &symbolTable{byName: map[string]uint32{}}
}

func (t *symbolTable) lookup(name string) (uint32, bool) {
	for i := range t.mru {
		if t.mru[i].used && t.mru[i].name == name {
			return t.mru[i].id, true
		}
	}
	id, ok := t.byName[name]
	if ok {
		t.touch(name, id)
	}
	return id, ok
}

func (t *symbolTable) touch(name string, id uint32) {
	copy(t.mru[1:], t.mru[:len(t.mru)-1])
	t.mru[0] = mruEntry{name: name, id: id, used: true}
}

// intern assigns a fresh ID to name if it has none yet, and returns the ID
// either way.
func (t *symbolTable) intern(name string) uint32 {
	if id, ok := t.lookup(name); ok {
		return id
	}
	id := uint32(len(t.names))
	t.names = append(t.names, name)
	t.byName[name] = id
	t.touch(name, id)
	return id
}

func (t *symbolTable) nameOf(id uint32) string {
	if int(id) >= len(t.names) {
		return ""
	}
	return t.names[id]
}

// StructShape is the compile-time layout of a declared struct: its ordered
// field names, each resolved through the shared field symbol table so two
// structs with a field in common share one field ID.
type StructShape struct {
	Name       string
	FieldIDs   []uint32
	MethodIDs  map[uint32]int // method symbol ID (Methods table) -> function table index
}

// SymbolTables bundles every name table the runtime needs to resolve
// bytecode references to dense integers (spec.md section 5).
type SymbolTables struct {
	Fields    *symbolTable
	Methods   *symbolTable
	Functions *symbolTable
	Variables *symbolTable
	TagTypes  *symbolTable
	TagLits   *symbolTable

	Structs []*StructShape
}

func newSymbolTables() *SymbolTables {
	return &SymbolTables{
		Fields:    newSymbolTable(),
		Methods:   newSymbolTable(),
		Functions: newSymbolTable(),
		Variables: newSymbolTable(),
		TagTypes:  newSymbolTable(),
		TagLits:   newSymbolTable(),
	}
}

// DeclareStruct registers a new struct shape and returns its ID, suitable
// for use as UserObject.StructID.
func (st *SymbolTables) DeclareStruct(name string, fieldNames []string) uint32 {
	shape := &StructShape{Name: name, MethodIDs: map[uint32]int{}}
	for _, f := range fieldNames {
		shape.FieldIDs = append(shape.FieldIDs, st.Fields.intern(f))
	}
	id := uint32(len(st.Structs))
	st.Structs = append(st.Structs, shape)
	return id
}

// DeclareMethod binds methodName against structID to the function table
// index that callValue/resolveMethod will dispatch to.
func (st *SymbolTables) DeclareMethod(structID uint32, methodName string, funcTableIdx int) {
	methodID := st.Methods.intern(methodName)
	st.Structs[structID].MethodIDs[methodID] = funcTableIdx
}

// FieldIndex returns the slot index of fieldID within structID's shape, or
// -1 if the struct has no such field (spec.md's field-miss edge case, which
// the dispatch loop turns into a panic rather than a Go error).
func (st *SymbolTables) FieldIndex(structID uint32, fieldID uint32) int {
	if int(structID) >= len(st.Structs) {
		return -1
	}
	shape := st.Structs[structID]
	for i, f := range shape.FieldIDs {
		if f == fieldID {
			return i
		}
	}
	return -1
}
