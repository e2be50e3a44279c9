// Package ir holds the in-memory representation of a WebAssembly module and
// the value type lattice used by both the validator and the runtime.
package ir

// ValueType is the type of a WebAssembly operand.
//
// The any and none types never appear in a module; they exist only as the top
// and bottom of the subtype lattice inside the type checker.
type ValueType byte

const (
	ValueTypeNone ValueType = iota
	ValueTypeAny
	ValueTypeI32
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
	ValueTypeV128
	ValueTypeAnyref
	ValueTypeAnyfunc
	ValueTypeNullref

	numValueTypes
)

// ReferenceType is the subset of ValueType allowed as a table element type.
type ReferenceType byte

const (
	ReferenceTypeInvalid ReferenceType = 0
	ReferenceTypeAnyref                = ReferenceType(ValueTypeAnyref)
	ReferenceTypeAnyfunc               = ReferenceType(ValueTypeAnyfunc)
)

// AsValueType widens a reference type back into the value type space.
func AsValueType(t ReferenceType) ValueType { return ValueType(t) }

// IsReferenceType reports whether t is anyref, anyfunc or nullref.
func IsReferenceType(t ValueType) bool {
	return t == ValueTypeAnyref || t == ValueTypeAnyfunc || t == ValueTypeNullref
}

// IsSubtype reports whether sub <: super in the value type lattice:
// nullref <: anyfunc <: anyref <: any, every type is a subtype of the top
// type any, and the bottom type none is a subtype of every type.
func IsSubtype(sub, super ValueType) bool {
	if sub == super || sub == ValueTypeNone {
		return true
	}
	switch super {
	case ValueTypeAny:
		return true
	case ValueTypeAnyref:
		return sub == ValueTypeAnyfunc || sub == ValueTypeNullref
	case ValueTypeAnyfunc:
		return sub == ValueTypeNullref
	default:
		return false
	}
}

// Join returns the least type that includes all values of a OR b.
func Join(a, b ValueType) ValueType {
	if a == b {
		return a
	}
	if IsReferenceType(a) && IsReferenceType(b) {
		// a \ b    anyref  anyfunc  nullref
		// anyref   anyref  anyref   anyref
		// anyfunc  anyref  anyfunc  anyfunc
		// nullref  anyref  anyfunc  nullref
		if a == ValueTypeNullref {
			return b
		}
		if b == ValueTypeNullref {
			return a
		}
		// a != b and neither is nullref, so one is anyref and one is anyfunc.
		return ValueTypeAnyref
	}
	return ValueTypeAny
}

// Meet returns the greatest type whose values are instances of both a AND b.
func Meet(a, b ValueType) ValueType {
	if a == b {
		return a
	}
	if IsReferenceType(a) && IsReferenceType(b) {
		// a \ b    anyref   anyfunc  nullref
		// anyref   anyref   anyfunc  nullref
		// anyfunc  anyfunc  anyfunc  nullref
		// nullref  nullref  nullref  nullref
		if a == ValueTypeNullref || b == ValueTypeNullref {
			return ValueTypeNullref
		}
		if a == ValueTypeAnyref {
			return b
		}
		return a
	}
	return ValueTypeNone
}

// ByteWidth returns the number of bytes a value of type t occupies.
// References are pointer-width; this implementation fixes them at 8.
func ByteWidth(t ValueType) byte {
	switch t {
	case ValueTypeI32, ValueTypeF32:
		return 4
	case ValueTypeI64, ValueTypeF64:
		return 8
	case ValueTypeV128:
		return 16
	case ValueTypeAnyref, ValueTypeAnyfunc, ValueTypeNullref:
		return 8
	}
	panic("byte width of non-value type")
}

// BitWidth returns the number of bits a value of type t occupies.
func BitWidth(t ValueType) byte { return ByteWidth(t) * 8 }

// ValueTypeName returns the text-format name of t, matching the names used in
// the WebAssembly text format.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeAny:
		return "any"
	case ValueTypeNone:
		return "none"
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeAnyref:
		return "anyref"
	case ValueTypeAnyfunc:
		return "anyfunc"
	case ValueTypeNullref:
		return "nullref"
	}
	return "unknown"
}

func (t ValueType) String() string { return ValueTypeName(t) }

// CallingConvention distinguishes how a function instance is entered.
// Only wasm and intrinsic callees participate in trap catching; c callees are
// assumed trap-free.
type CallingConvention byte

const (
	CallingConventionWasm CallingConvention = iota
	CallingConventionIntrinsic
	CallingConventionIntrinsicWithContextSwitch
	CallingConventionC
)
