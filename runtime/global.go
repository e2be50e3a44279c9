package runtime

import (
	"sync"

	"github.com/ternlabs/tern/ir"
)

// GlobalInstance is a global variable cell. Immutable globals are written
// exactly once, by the instantiator or at creation; Set rejects writes to
// them.
type GlobalInstance struct {
	object
	typ ir.GlobalType

	mu    sync.Mutex
	value Value
}

// NewGlobal creates a global holding the given initial value. The value must
// be a subtype of the declared value type.
func NewGlobal(c *Compartment, gt ir.GlobalType, initial Value) (*GlobalInstance, error) {
	if !ir.IsSubtype(initial.Type, gt.ValueType) {
		return nil, &ObjectCreationError{Kind: ir.ObjectKindGlobal, Message: "initial value type mismatch"}
	}
	g := &GlobalInstance{
		object: object{comp: c},
		typ:    gt,
		value:  initial,
	}
	c.register(g)
	return g, nil
}

func (g *GlobalInstance) Kind() ir.ObjectKind       { return ir.ObjectKindGlobal }
func (g *GlobalInstance) ObjectType() ir.ObjectType { return ir.GlobalObjectType(g.typ) }
func (g *GlobalInstance) Type() ir.GlobalType       { return g.typ }

func (g *GlobalInstance) trace(visit func(Object)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value.Ref != nil {
		visit(g.value.Ref)
	}
}

// Get returns the current value.
func (g *GlobalInstance) Get() Value {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Set writes a mutable global. Writing an immutable global or a value of the
// wrong type traps.
func (g *GlobalInstance) Set(v Value) *Exception {
	if !g.typ.IsMutable {
		return NewTrap(TrapInvalidArgument, nil)
	}
	if !ir.IsSubtype(v.Type, g.typ.ValueType) {
		return NewTrap(TrapInvalidArgument, nil)
	}
	if v.Ref != nil && v.Ref.Compartment() != g.comp {
		return NewTrap(TrapMismatchedReferenceType, nil)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
	return nil
}

// SetBits updates the numeric payload from guest code, which the validator
// has already type checked. Host code must use Set.
func (g *GlobalInstance) SetBits(bits uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value.Bits = bits
}

// Bits reads the numeric payload for guest code.
func (g *GlobalInstance) Bits() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value.Bits
}
