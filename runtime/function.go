package runtime

import (
	"fmt"

	"github.com/ternlabs/tern/ir"
)

// HostFunc is the body of a host-defined function. It receives type checked
// arguments and returns results matching its declared signature, or an
// exception to deliver to the caller.
type HostFunc func(args []Value) ([]Value, *Exception)

// FunctionInstance is a callable function: either a wasm function belonging
// to a module instance, or a host function with an intrinsic calling
// convention.
type FunctionInstance struct {
	object
	signature ir.FunctionType
	conv      ir.CallingConvention
	debugName string

	// wasm functions
	module *ModuleInstance
	def    *ir.FunctionDef

	// host functions
	hostFunc HostFunc
}

// NewHostFunction wraps fn as a callable object of the given type. Intrinsic
// conventions participate in trap catching; CallingConventionC callees are
// assumed trap-free.
func NewHostFunction(c *Compartment, signature ir.FunctionType, conv ir.CallingConvention,
	debugName string, fn HostFunc) *FunctionInstance {
	f := &FunctionInstance{
		object:    object{comp: c},
		signature: signature,
		conv:      conv,
		debugName: debugName,
		hostFunc:  fn,
	}
	c.register(f)
	return f
}

func (f *FunctionInstance) Kind() ir.ObjectKind       { return ir.ObjectKindFunction }
func (f *FunctionInstance) ObjectType() ir.ObjectType { return ir.FunctionObjectType(f.signature) }
func (f *FunctionInstance) Type() ir.FunctionType     { return f.signature }

// TypeEncoding returns the pointer-sized signature tag compared on indirect
// calls.
func (f *FunctionInstance) TypeEncoding() ir.FunctionTypeEncoding { return f.signature.Encoding() }

func (f *FunctionInstance) CallingConvention() ir.CallingConvention { return f.conv }
func (f *FunctionInstance) DebugName() string                       { return f.debugName }

// Module returns the owning module instance, or nil for host functions.
func (f *FunctionInstance) Module() *ModuleInstance { return f.module }

// Def returns the IR definition, or nil for host functions.
func (f *FunctionInstance) Def() *ir.FunctionDef { return f.def }

// HostFunc returns the host body, or nil for wasm functions.
func (f *FunctionInstance) HostFunc() HostFunc { return f.hostFunc }

func (f *FunctionInstance) trace(visit func(Object)) {
	if f.module != nil {
		visit(f.module)
	}
}

// Invoke calls the function with type checked arguments. Guest traps and
// host-raised platform exceptions are caught at this boundary and returned
// as a *Exception error; the callee never unwinds into the caller's frames.
func (f *FunctionInstance) Invoke(args ...Value) ([]Value, error) {
	params := f.signature.Params()
	if len(args) != params.Len() {
		return nil, fmt.Errorf("expected %d arguments, got %d", params.Len(), len(args))
	}
	for i, arg := range args {
		if !ir.IsSubtype(arg.Type, params.At(i)) {
			return nil, fmt.Errorf("argument %d: %s is not a subtype of %s", i, arg.Type, params.At(i))
		}
	}

	var results []Value
	excep, err := catch(func() error {
		var callErr error
		results, callErr = f.call(args)
		return callErr
	})
	if excep != nil {
		return nil, excep
	}
	return results, err
}

func (f *FunctionInstance) call(args []Value) ([]Value, error) {
	if f.hostFunc != nil {
		results, excep := f.hostFunc(args)
		if excep != nil {
			return nil, excep
		}
		return results, nil
	}

	raw := make([]uint64, len(args))
	for i, arg := range args {
		raw[i] = arg.Bits
	}
	rawResults, err := f.comp.engine.Call(f, raw...)
	if err != nil {
		return nil, err
	}
	resultTypes := f.signature.Results()
	if len(rawResults) != resultTypes.Len() {
		return nil, fmt.Errorf("engine returned %d results, expected %d", len(rawResults), resultTypes.Len())
	}
	results := make([]Value, len(rawResults))
	for i, bits := range rawResults {
		results[i] = Value{Type: resultTypes.At(i), Bits: bits}
	}
	return results, nil
}
