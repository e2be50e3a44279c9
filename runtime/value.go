// Package runtime implements the object model of the WebAssembly abstract
// machine: compartments, module instances, functions, memories, tables,
// globals, exception types, references, traps and garbage collection.
package runtime

import (
	"fmt"
	"math"

	"github.com/ternlabs/tern/ir"
)

// Value is a typed wasm value. Numeric payloads live in Bits using the
// canonical encodings (f32/f64 as IEEE 754 bit patterns); reference payloads
// live in Ref. A nil Ref with a reference type is the null reference.
type Value struct {
	Type ir.ValueType
	Bits uint64
	Ref  Object
}

func I32Value(v int32) Value { return Value{Type: ir.ValueTypeI32, Bits: uint64(uint32(v))} }
func I64Value(v int64) Value { return Value{Type: ir.ValueTypeI64, Bits: uint64(v)} }
func F32Value(v float32) Value {
	return Value{Type: ir.ValueTypeF32, Bits: uint64(math.Float32bits(v))}
}
func F64Value(v float64) Value { return Value{Type: ir.ValueTypeF64, Bits: math.Float64bits(v)} }

// NullValue is the null reference, a subtype of every reference type.
func NullValue() Value { return Value{Type: ir.ValueTypeNullref} }

// FuncValue returns an anyfunc reference to f.
func FuncValue(f *FunctionInstance) Value {
	return Value{Type: ir.ValueTypeAnyfunc, Ref: f}
}

// RefValue returns an anyref reference to obj.
func RefValue(obj Object) Value {
	return Value{Type: ir.ValueTypeAnyref, Ref: obj}
}

// ZeroValue returns the zero of t: numeric zero, or null for references.
func ZeroValue(t ir.ValueType) Value {
	return Value{Type: t}
}

func (v Value) I32() int32   { return int32(uint32(v.Bits)) }
func (v Value) I64() int64   { return int64(v.Bits) }
func (v Value) F32() float32 { return math.Float32frombits(uint32(v.Bits)) }
func (v Value) F64() float64 { return math.Float64frombits(v.Bits) }
func (v Value) IsNull() bool { return ir.IsReferenceType(v.Type) && v.Ref == nil }
func (v Value) AsFunc() *FunctionInstance {
	f, _ := v.Ref.(*FunctionInstance)
	return f
}

func (v Value) String() string {
	switch v.Type {
	case ir.ValueTypeI32:
		return fmt.Sprintf("i32 %d", v.I32())
	case ir.ValueTypeI64:
		return fmt.Sprintf("i64 %d", v.I64())
	case ir.ValueTypeF32:
		return fmt.Sprintf("f32 %g", v.F32())
	case ir.ValueTypeF64:
		return fmt.Sprintf("f64 %g", v.F64())
	case ir.ValueTypeV128:
		return fmt.Sprintf("v128 %#x", v.Bits)
	}
	if v.Ref == nil {
		return v.Type.String() + " null"
	}
	return fmt.Sprintf("%s %p", v.Type, v.Ref)
}
