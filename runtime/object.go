package runtime

import "github.com/ternlabs/tern/ir"

// Object is a runtime object: a function, table, memory, global, exception
// type instance or module instance. Every object belongs to exactly one
// compartment; an object may never be imported into, or stored in a table
// of, another compartment.
type Object interface {
	Kind() ir.ObjectKind
	ObjectType() ir.ObjectType

	// Compartment returns the owning compartment, or nil for process-wide
	// intrinsic objects such as the built-in trap exception types.
	Compartment() *Compartment

	// trace visits every object directly referenced by this one. Used by the
	// compartment's tracing collector; the object graph may contain cycles.
	trace(visit func(Object))
}

// object carries the compartment backlink shared by all object variants.
type object struct {
	comp *Compartment
}

func (o *object) Compartment() *Compartment { return o.comp }

// AsFunction returns obj as a function instance, or nil if it is not one.
func AsFunction(obj Object) *FunctionInstance {
	f, _ := obj.(*FunctionInstance)
	return f
}

// AsTable returns obj as a table instance, or nil.
func AsTable(obj Object) *TableInstance {
	t, _ := obj.(*TableInstance)
	return t
}

// AsMemory returns obj as a memory instance, or nil.
func AsMemory(obj Object) *MemoryInstance {
	m, _ := obj.(*MemoryInstance)
	return m
}

// AsGlobal returns obj as a global instance, or nil.
func AsGlobal(obj Object) *GlobalInstance {
	g, _ := obj.(*GlobalInstance)
	return g
}

// AsExceptionType returns obj as an exception type instance, or nil.
func AsExceptionType(obj Object) *ExceptionTypeInstance {
	e, _ := obj.(*ExceptionTypeInstance)
	return e
}
