package runtime

import (
	"github.com/ternlabs/tern/ir"
)

// ModuleInstance is the runtime materialization of a module: its imported
// and owned functions, tables, memories, globals and exception types, plus
// the exports map. An instance stays rooted in its compartment until the
// host releases it.
type ModuleInstance struct {
	object
	debugName string
	rooted    bool

	types          []ir.FunctionType
	functions      []*FunctionInstance
	tables         []*TableInstance
	memories       []*MemoryInstance
	globals        []*GlobalInstance
	exceptionTypes []*ExceptionTypeInstance

	exports map[string]Object
}

// Kind returns ObjectKindInvalid: module instances participate in the object
// graph but are not importable or exportable themselves.
func (mi *ModuleInstance) Kind() ir.ObjectKind { return ir.ObjectKindInvalid }
func (mi *ModuleInstance) ObjectType() ir.ObjectType {
	return ir.ObjectType{Kind: ir.ObjectKindInvalid}
}
func (mi *ModuleInstance) DebugName() string { return mi.debugName }

func (mi *ModuleInstance) trace(visit func(Object)) {
	for _, f := range mi.functions {
		visit(f)
	}
	for _, t := range mi.tables {
		visit(t)
	}
	for _, m := range mi.memories {
		visit(m)
	}
	for _, g := range mi.globals {
		visit(g)
	}
	for _, e := range mi.exceptionTypes {
		visit(e)
	}
	for _, obj := range mi.exports {
		visit(obj)
	}
}

// Export returns the exported object with the given name, or nil.
func (mi *ModuleInstance) Export(name string) Object {
	return mi.exports[name]
}

// ExportNames returns the names of every export.
func (mi *ModuleInstance) ExportNames() []string {
	names := make([]string, 0, len(mi.exports))
	for name := range mi.exports {
		names = append(names, name)
	}
	return names
}

// Release un-roots the instance; it becomes collectable once no other root
// reaches it.
func (mi *ModuleInstance) Release() {
	mi.comp.mu.Lock()
	defer mi.comp.mu.Unlock()
	mi.rooted = false
	delete(mi.comp.roots, Object(mi))
}

// Types returns the module's interned type table, indexed by call_indirect
// type immediates.
func (mi *ModuleInstance) Types() []ir.FunctionType { return mi.types }

// Function returns the function at index i of the combined imported+owned
// index space.
func (mi *ModuleInstance) Function(i uint32) *FunctionInstance {
	if i >= uint32(len(mi.functions)) {
		return nil
	}
	return mi.functions[i]
}

// Table returns the table at index i, or nil.
func (mi *ModuleInstance) Table(i uint32) *TableInstance {
	if i >= uint32(len(mi.tables)) {
		return nil
	}
	return mi.tables[i]
}

// Memory returns the memory at index i, or nil.
func (mi *ModuleInstance) Memory(i uint32) *MemoryInstance {
	if i >= uint32(len(mi.memories)) {
		return nil
	}
	return mi.memories[i]
}

// Global returns the global at index i, or nil.
func (mi *ModuleInstance) Global(i uint32) *GlobalInstance {
	if i >= uint32(len(mi.globals)) {
		return nil
	}
	return mi.globals[i]
}

// ExceptionType returns the exception type at index i, or nil.
func (mi *ModuleInstance) ExceptionType(i uint32) *ExceptionTypeInstance {
	if i >= uint32(len(mi.exceptionTypes)) {
		return nil
	}
	return mi.exceptionTypes[i]
}

// GetInstanceExport returns instance's export by name, or nil when either
// the instance is nil or no such export exists.
func GetInstanceExport(instance *ModuleInstance, name string) Object {
	if instance == nil {
		return nil
	}
	return instance.Export(name)
}

// NewExceptionTypeInstance creates a fresh exception type. Its identity is
// the type: no other instance compares equal, whatever its parameters.
func NewExceptionTypeInstance(c *Compartment, typ ir.ExceptionType, debugName string) *ExceptionTypeInstance {
	e := &ExceptionTypeInstance{
		object:    object{comp: c},
		typ:       typ,
		debugName: debugName,
	}
	c.register(e)
	return e
}
