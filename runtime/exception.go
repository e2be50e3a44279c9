package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ternlabs/tern/ir"
)

// ExceptionTypeInstance is the runtime identity of an exception type. Two
// instances are distinct exception types even when their parameter tuples
// are equal; guest catch clauses match by instance identity.
type ExceptionTypeInstance struct {
	object
	typ       ir.ExceptionType
	debugName string
}

func (e *ExceptionTypeInstance) Kind() ir.ObjectKind { return ir.ObjectKindExceptionType }
func (e *ExceptionTypeInstance) ObjectType() ir.ObjectType {
	return ir.ExceptionObjectType(e.typ)
}
func (e *ExceptionTypeInstance) Type() ir.ExceptionType   { return e.typ }
func (e *ExceptionTypeInstance) DebugName() string        { return e.debugName }
func (e *ExceptionTypeInstance) trace(visit func(Object)) {}

// newIntrinsicExceptionType builds the process-wide exception types used to
// deliver traps. They belong to no compartment and are never collected.
func newIntrinsicExceptionType(name string, params ...ir.ValueType) *ExceptionTypeInstance {
	return &ExceptionTypeInstance{
		typ:       ir.ExceptionType{Params: ir.Tuple(params...)},
		debugName: name,
	}
}

// The built-in trap exception types. Guest faults are delivered as
// exceptions of these types; they are distinguishable from user exception
// types by identity alone.
var (
	TrapAccessViolation         = newIntrinsicExceptionType("runtime.accessViolation")
	TrapStackOverflow           = newIntrinsicExceptionType("runtime.stackOverflow")
	TrapIntegerDivideByZero     = newIntrinsicExceptionType("runtime.integerDivideByZeroOrOverflow")
	TrapInvalidFloatOperation   = newIntrinsicExceptionType("runtime.invalidFloatOperation")
	TrapOutOfBoundsMemoryAccess = newIntrinsicExceptionType("runtime.outOfBoundsMemoryAccess")
	TrapOutOfBoundsTableAccess  = newIntrinsicExceptionType("runtime.outOfBoundsTableAccess")
	TrapIndirectCallMismatch    = newIntrinsicExceptionType("runtime.indirectCallSignatureMismatch")
	TrapUndefinedTableElement   = newIntrinsicExceptionType("runtime.undefinedTableElement")
	TrapUnreachable             = newIntrinsicExceptionType("runtime.unreachableCodeReached")
	TrapUnhandledException      = newIntrinsicExceptionType("runtime.unhandledException")
	TrapInvalidArgument         = newIntrinsicExceptionType("runtime.invalidArgument")
	TrapMismatchedReferenceType = newIntrinsicExceptionType("runtime.mismatchedReferenceType")
)

// StackFrame is one call stack entry captured when an exception is raised.
// The description is resolved lazily from the function's symbol data.
type StackFrame struct {
	Function *FunctionInstance
	IP       uint64
}

// Description renders the frame for diagnostics.
func (f StackFrame) Description() string {
	if f.Function == nil || f.Function.debugName == "" {
		return "<unknown function>"
	}
	return f.Function.debugName
}

// CallStack is the ordered list of frames from outermost to innermost.
type CallStack []StackFrame

func (cs CallStack) String() string {
	var b strings.Builder
	for i, f := range cs {
		if i != 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d %s +%d", i, f.Description(), f.IP)
	}
	return b.String()
}

// Exception is the structured value delivered for both guest traps and
// guest-thrown exceptions. It implements error so it can flow through
// ordinary Go call chains until a CatchRuntimeExceptions frame absorbs it.
type Exception struct {
	TypeInstance *ExceptionTypeInstance
	Params       []Value
	Stack        CallStack
}

func (e *Exception) Error() string {
	name := "<unknown exception type>"
	if e.TypeInstance != nil {
		name = e.TypeInstance.debugName
		if name == "" {
			name = "<user exception type>"
		}
	}
	if len(e.Params) == 0 {
		return name
	}
	parts := make([]string, len(e.Params))
	for i, p := range e.Params {
		parts[i] = p.String()
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// IsTrap reports whether e carries one of the built-in trap types rather
// than a user exception type.
func (e *Exception) IsTrap() bool {
	return e.TypeInstance != nil && e.TypeInstance.comp == nil
}

// NewTrap builds an exception of the given built-in trap type.
func NewTrap(typ *ExceptionTypeInstance, stack CallStack) *Exception {
	return &Exception{TypeInstance: typ, Stack: stack}
}

// RaisePlatformException aborts the current guest call by panicking with the
// exception. Only intrinsic callees running under a CatchRuntimeExceptions
// frame may call it; the panic unwinds host frames up to that scope.
func RaisePlatformException(e *Exception) {
	panic(e)
}

// CatchRuntimeExceptions invokes thunk and delivers any trap or user
// exception it raises - whether returned as an error or raised as a platform
// exception - to handler exactly once. Errors that are not exceptions pass
// through unchanged. An exception raised while the handler itself is running
// escalates to a panic: handlers must not throw.
func CatchRuntimeExceptions(thunk func() error, handler func(*Exception)) error {
	excep, err := catch(thunk)
	if excep != nil {
		handler(excep)
		return nil
	}
	return err
}

func catch(thunk func() error) (excep *Exception, err error) {
	defer func() {
		if v := recover(); v != nil {
			e, ok := v.(*Exception)
			if !ok {
				panic(v)
			}
			excep = e
		}
	}()
	err = thunk()
	if err != nil {
		var e *Exception
		if errors.As(err, &e) {
			return e, nil
		}
	}
	return nil, err
}
