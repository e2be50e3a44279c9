package ir

// FeatureSpec caps resource usage while decoding and validating a module.
// Fuzzed input is bounded by these before any allocation proportional to the
// counts happens.
type FeatureSpec struct {
	MaxLabelsPerFunction uint32
	MaxLocals            uint32
	MaxDataSegments      uint32
}

// DefaultFeatureSpec returns the caps used when the host does not override
// them.
func DefaultFeatureSpec() FeatureSpec {
	return FeatureSpec{
		MaxLabelsPerFunction: 65536,
		MaxLocals:            16384,
		MaxDataSegments:      65536,
	}
}

// ConstantExpression is an initializer expression: a single const or
// global.get opcode followed by its immediate, terminated by end.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// Import requests an object from the host under a (module, name) pair.
// Exactly one of the type fields is meaningful, selected by Kind.
type Import struct {
	Module string
	Name   string
	Kind   ObjectKind

	FunctionTypeIndex uint32
	TableType         TableType
	MemoryType        MemoryType
	GlobalType        GlobalType
	ExceptionType     ExceptionType
}

// ObjectType returns the import's requested type against the module's type
// table.
func (imp *Import) ObjectType(types []FunctionType) ObjectType {
	switch imp.Kind {
	case ObjectKindFunction:
		return FunctionObjectType(types[imp.FunctionTypeIndex])
	case ObjectKindTable:
		return TableObjectType(imp.TableType)
	case ObjectKindMemory:
		return MemoryObjectType(imp.MemoryType)
	case ObjectKindGlobal:
		return GlobalObjectType(imp.GlobalType)
	case ObjectKindExceptionType:
		return ExceptionObjectType(imp.ExceptionType)
	}
	return ObjectType{Kind: ObjectKindInvalid}
}

// FunctionDef is a function defined by the module itself.
type FunctionDef struct {
	TypeIndex  uint32
	LocalTypes []ValueType
	Body       []byte
}

// GlobalDef is a global defined by the module itself.
type GlobalDef struct {
	Type GlobalType
	Init ConstantExpression
}

// Export names an object by index into the module's combined
// (imported ++ defined) index space for its kind.
type Export struct {
	Name  string
	Kind  ObjectKind
	Index uint32
}

// ElementSegment initializes a run of table elements with function indices.
type ElementSegment struct {
	TableIndex uint32
	Offset     ConstantExpression
	Indices    []uint32
}

// DataSegment initializes a run of memory bytes.
type DataSegment struct {
	MemoryIndex uint32
	Offset      ConstantExpression
	Bytes       []byte
}

// DisassemblyNames carries the optional name-section data used to label call
// stack frames.
type DisassemblyNames struct {
	ModuleName string
	Functions  map[uint32]string
}

// Module is the decoded, not-yet-instantiated form of a wasm module. It is
// plain data with no runtime identity: two decodes of the same bytes yield
// equal but distinct modules.
type Module struct {
	FeatureSpec FeatureSpec

	Types []FunctionType

	Imports   []Import
	Functions []FunctionDef
	Tables    []TableType
	Memories  []MemoryType
	Globals   []GlobalDef

	ExceptionTypes []ExceptionType

	Exports  []Export
	Start    *uint32
	Elements []ElementSegment
	Data     []DataSegment

	Names DisassemblyNames
}

// ImportCount returns how many imports of the given kind the module declares.
func (m *Module) ImportCount(kind ObjectKind) uint32 {
	var n uint32
	for i := range m.Imports {
		if m.Imports[i].Kind == kind {
			n++
		}
	}
	return n
}

// functionTypes returns the type of every function in the combined index
// space: imported functions first, then defined ones.
func (m *Module) functionTypes() ([]FunctionType, error) {
	var types []FunctionType
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Kind != ObjectKindFunction {
			continue
		}
		if imp.FunctionTypeIndex >= uint32(len(m.Types)) {
			return nil, &ValidationError{Message: "import function type index out of range"}
		}
		types = append(types, m.Types[imp.FunctionTypeIndex])
	}
	for i := range m.Functions {
		if m.Functions[i].TypeIndex >= uint32(len(m.Types)) {
			return nil, &ValidationError{Message: "function type index out of range"}
		}
		types = append(types, m.Types[m.Functions[i].TypeIndex])
	}
	return types, nil
}

// globalTypes returns the type of every global in the combined index space.
func (m *Module) globalTypes() []GlobalType {
	var types []GlobalType
	for i := range m.Imports {
		if m.Imports[i].Kind == ObjectKindGlobal {
			types = append(types, m.Imports[i].GlobalType)
		}
	}
	for i := range m.Globals {
		types = append(types, m.Globals[i].Type)
	}
	return types
}

// tableTypes returns every table type in the combined index space.
func (m *Module) tableTypes() []TableType {
	var types []TableType
	for i := range m.Imports {
		if m.Imports[i].Kind == ObjectKindTable {
			types = append(types, m.Imports[i].TableType)
		}
	}
	types = append(types, m.Tables...)
	return types
}

// memoryTypes returns every memory type in the combined index space.
func (m *Module) memoryTypes() []MemoryType {
	var types []MemoryType
	for i := range m.Imports {
		if m.Imports[i].Kind == ObjectKindMemory {
			types = append(types, m.Imports[i].MemoryType)
		}
	}
	types = append(types, m.Memories...)
	return types
}
