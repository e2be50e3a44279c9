package ir

import (
	"fmt"
	"math"
	"strconv"
)

// Unbounded marks a SizeConstraints maximum as unlimited.
const Unbounded uint64 = math.MaxUint64

// SizeConstraints is a range of expected sizes for a size-constrained type.
type SizeConstraints struct {
	Min uint64
	Max uint64
}

// IsSubset reports whether sub is contained in super:
// sub.Min >= super.Min and sub.Max <= super.Max.
func (sub SizeConstraints) IsSubset(super SizeConstraints) bool {
	return sub.Min >= super.Min && sub.Max <= super.Max
}

func (sc SizeConstraints) String() string {
	if sc.Max == Unbounded {
		return strconv.FormatUint(sc.Min, 10) + ".."
	}
	return strconv.FormatUint(sc.Min, 10) + ".." + strconv.FormatUint(sc.Max, 10)
}

// TableType describes a table: its element type, sharedness and size bounds
// in elements.
type TableType struct {
	ElementType ReferenceType
	IsShared    bool
	Size        SizeConstraints
}

// IsSubtype reports whether sub may satisfy an import of type super.
// Element type and sharedness are invariant; the size range must be a subset.
func (sub TableType) IsSubtype(super TableType) bool {
	return sub.ElementType == super.ElementType && sub.IsShared == super.IsShared &&
		sub.Size.IsSubset(super.Size)
}

func (tt TableType) String() string {
	s := tt.Size.String() + " "
	if tt.IsShared {
		s += "shared "
	}
	return s + AsValueType(tt.ElementType).String()
}

// MemoryType describes a linear memory with size bounds in 64KiB pages.
type MemoryType struct {
	IsShared bool
	Size     SizeConstraints
}

// IsSubtype reports whether sub may satisfy an import of type super.
func (sub MemoryType) IsSubtype(super MemoryType) bool {
	return sub.IsShared == super.IsShared && sub.Size.IsSubset(super.Size)
}

func (mt MemoryType) String() string {
	if mt.IsShared {
		return mt.Size.String() + " shared"
	}
	return mt.Size.String()
}

// GlobalType describes a global variable.
type GlobalType struct {
	ValueType ValueType
	IsMutable bool
}

// IsSubtype reports whether sub may satisfy an import of type super. Mutable
// globals are invariant in their value type; immutable globals are covariant.
func (sub GlobalType) IsSubtype(super GlobalType) bool {
	if sub.IsMutable != super.IsMutable {
		return false
	}
	if sub.IsMutable {
		return sub.ValueType == super.ValueType
	}
	return IsSubtype(sub.ValueType, super.ValueType)
}

func (gt GlobalType) String() string {
	if gt.IsMutable {
		return "global " + gt.ValueType.String()
	}
	return "immutable " + gt.ValueType.String()
}

// ExceptionType describes the parameters carried by a thrown exception.
type ExceptionType struct {
	Params TypeTuple
}

func (et ExceptionType) String() string { return et.Params.String() }

// ObjectKind tags the variants of ObjectType.
type ObjectKind byte

const (
	ObjectKindFunction ObjectKind = iota
	ObjectKindTable
	ObjectKindMemory
	ObjectKindGlobal
	ObjectKindExceptionType
	ObjectKindInvalid ObjectKind = 0xff
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectKindFunction:
		return "func"
	case ObjectKindTable:
		return "table"
	case ObjectKindMemory:
		return "memory"
	case ObjectKindGlobal:
		return "global"
	case ObjectKindExceptionType:
		return "exception_type"
	}
	return "invalid"
}

// ObjectType is a tagged union over the five importable/exportable kinds.
// The As* accessors are total only when the kind matches; use Kind to check.
type ObjectType struct {
	Kind ObjectKind

	function      FunctionType
	table         TableType
	memory        MemoryType
	global        GlobalType
	exceptionType ExceptionType
}

func FunctionObjectType(ft FunctionType) ObjectType {
	return ObjectType{Kind: ObjectKindFunction, function: ft}
}

func TableObjectType(tt TableType) ObjectType {
	return ObjectType{Kind: ObjectKindTable, table: tt}
}

func MemoryObjectType(mt MemoryType) ObjectType {
	return ObjectType{Kind: ObjectKindMemory, memory: mt}
}

func GlobalObjectType(gt GlobalType) ObjectType {
	return ObjectType{Kind: ObjectKindGlobal, global: gt}
}

func ExceptionObjectType(et ExceptionType) ObjectType {
	return ObjectType{Kind: ObjectKindExceptionType, exceptionType: et}
}

func (ot ObjectType) AsFunctionType() FunctionType {
	if ot.Kind != ObjectKindFunction {
		panic("object type is not a function")
	}
	return ot.function
}

func (ot ObjectType) AsTableType() TableType {
	if ot.Kind != ObjectKindTable {
		panic("object type is not a table")
	}
	return ot.table
}

func (ot ObjectType) AsMemoryType() MemoryType {
	if ot.Kind != ObjectKindMemory {
		panic("object type is not a memory")
	}
	return ot.memory
}

func (ot ObjectType) AsGlobalType() GlobalType {
	if ot.Kind != ObjectKindGlobal {
		panic("object type is not a global")
	}
	return ot.global
}

func (ot ObjectType) AsExceptionType() ExceptionType {
	if ot.Kind != ObjectKindExceptionType {
		panic("object type is not an exception type")
	}
	return ot.exceptionType
}

func (ot ObjectType) String() string {
	switch ot.Kind {
	case ObjectKindFunction:
		return "func " + ot.function.String()
	case ObjectKindTable:
		return "table " + ot.table.String()
	case ObjectKindMemory:
		return "memory " + ot.memory.String()
	case ObjectKindGlobal:
		return ot.global.String()
	case ObjectKindExceptionType:
		return "exception_type " + ot.exceptionType.String()
	}
	return fmt.Sprintf("invalid(%d)", ot.Kind)
}
