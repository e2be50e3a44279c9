package runtime

import (
	"sync"

	"github.com/ternlabs/tern/ir"
)

// maxTableElems bounds eager allocation of table storage.
const maxTableElems uint64 = 1 << 24

// TableInstance holds reference values. Get and Set are bounds checked, and
// Set enforces the element type: a table of anyfunc rejects references that
// are not functions.
type TableInstance struct {
	object
	typ ir.TableType

	mu    sync.Mutex
	elems []Value
}

// NewTable allocates a table of tt's minimum length filled with nulls.
func NewTable(c *Compartment, tt ir.TableType) (*TableInstance, error) {
	if tt.Size.Min > tt.Size.Max {
		return nil, &ObjectCreationError{Kind: ir.ObjectKindTable, Message: "minimum size exceeds maximum"}
	}
	if tt.Size.Min > maxTableElems {
		return nil, &ObjectCreationError{Kind: ir.ObjectKindTable, Message: "minimum size exceeds the implementation limit"}
	}
	t := &TableInstance{
		object: object{comp: c},
		typ:    tt,
		elems:  make([]Value, tt.Size.Min),
	}
	for i := range t.elems {
		t.elems[i] = NullValue()
	}
	c.register(t)
	return t, nil
}

func (t *TableInstance) Kind() ir.ObjectKind       { return ir.ObjectKindTable }
func (t *TableInstance) ObjectType() ir.ObjectType { return ir.TableObjectType(t.typ) }
func (t *TableInstance) Type() ir.TableType        { return t.typ }

func (t *TableInstance) trace(visit func(Object)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.elems {
		if v.Ref != nil {
			visit(v.Ref)
		}
	}
}

// Size returns the current length in elements.
func (t *TableInstance) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.elems))
}

// Grow extends the table by delta null elements, returning the previous
// length. ok=false means the type's maximum or the implementation limit
// would be exceeded; the table is unchanged.
func (t *TableInstance) Grow(delta uint64) (previousLen uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previousLen = uint64(len(t.elems))
	if delta == 0 {
		return previousLen, true
	}
	newLen := previousLen + delta
	if newLen < previousLen || newLen > t.typ.Size.Max || newLen > maxTableElems {
		return previousLen, false
	}
	for i := previousLen; i < newLen; i++ {
		t.elems = append(t.elems, NullValue())
	}
	return previousLen, true
}

// Get returns the element at index i, or an out-of-bounds trap.
func (t *TableInstance) Get(i uint64) (Value, *Exception) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= uint64(len(t.elems)) {
		return Value{}, NewTrap(TrapOutOfBoundsTableAccess, nil)
	}
	return t.elems[i], nil
}

// Set stores ref at index i after checking bounds, compartment and element
// type. A non-null reference stored into an anyfunc table must be a
// function whose compartment matches the table's.
func (t *TableInstance) Set(i uint64, ref Value) *Exception {
	if !ir.IsReferenceType(ref.Type) {
		return NewTrap(TrapMismatchedReferenceType, nil)
	}
	if ref.Ref != nil {
		if !ir.IsSubtype(ref.Type, ir.AsValueType(t.typ.ElementType)) {
			return NewTrap(TrapMismatchedReferenceType, nil)
		}
		if t.typ.ElementType == ir.ReferenceTypeAnyfunc && AsFunction(ref.Ref) == nil {
			return NewTrap(TrapMismatchedReferenceType, nil)
		}
		if ref.Ref.Compartment() != t.comp {
			return NewTrap(TrapMismatchedReferenceType, nil)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= uint64(len(t.elems)) {
		return NewTrap(TrapOutOfBoundsTableAccess, nil)
	}
	t.elems[i] = ref
	return nil
}

// setDuringInstantiation stores a function element without the public Set's
// type gate; the validator already proved the segment's indices well-typed.
func (t *TableInstance) setDuringInstantiation(i uint64, ref Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elems[i] = ref
}
