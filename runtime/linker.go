package runtime

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ternlabs/tern/ir"
)

// Resolver maps an import request to a runtime object. Implementations may
// look objects up or synthesize them on demand; returning an error marks the
// import missing.
type Resolver interface {
	Resolve(moduleName, exportName string, typ ir.ObjectType) (Object, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(moduleName, exportName string, typ ir.ObjectType) (Object, error)

func (f ResolverFunc) Resolve(moduleName, exportName string, typ ir.ObjectType) (Object, error) {
	return f(moduleName, exportName, typ)
}

// LinkResult is the outcome of matching a module's imports against a
// resolver: either a complete resolved-import vector, or the list of imports
// that could not be satisfied and why.
type LinkResult struct {
	ResolvedImports []Object
	MissingImports  []MissingImport
}

// Success reports whether every import resolved.
func (r LinkResult) Success() bool { return len(r.MissingImports) == 0 }

// Err returns nil on success, or a *LinkError carrying the missing imports.
func (r LinkResult) Err() error {
	if r.Success() {
		return nil
	}
	return &LinkError{MissingImports: r.MissingImports}
}

// LinkModule matches m's imports, in declaration order, against resolver.
// Resolved objects must belong to c and their concrete type must be a
// subtype of the requested type. LinkModule never mutates the module and
// never instantiates anything; given a pure resolver it is pure. It holds
// the compartment's operation mutex while it runs, so the resolver must not
// instantiate into or collect c.
func LinkModule(c *Compartment, m *ir.Module, resolver Resolver) LinkResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var result LinkResult
	for i := range m.Imports {
		imp := &m.Imports[i]
		requested := imp.ObjectType(m.Types)

		miss := func(cause LinkCause) {
			result.MissingImports = append(result.MissingImports, MissingImport{
				Module: imp.Module,
				Name:   imp.Name,
				Type:   requested,
				Cause:  cause,
			})
		}

		obj, err := resolver.Resolve(imp.Module, imp.Name, requested)
		if err != nil || obj == nil {
			c.log.Debug("unresolved import",
				zap.String("module", imp.Module), zap.String("name", imp.Name), zap.Error(err))
			miss(LinkCauseMissing)
			continue
		}
		if obj.Compartment() != c {
			miss(LinkCauseCompartmentMismatch)
			continue
		}
		if !isObjectSubtype(obj.ObjectType(), requested) {
			miss(LinkCauseTypeMismatch)
			continue
		}
		result.ResolvedImports = append(result.ResolvedImports, obj)
	}
	return result
}

// isObjectSubtype applies the per-kind subtype rules of the type system.
func isObjectSubtype(sub, super ir.ObjectType) bool {
	if sub.Kind != super.Kind {
		return false
	}
	switch super.Kind {
	case ir.ObjectKindFunction:
		// Function types are interned: subtype is identity.
		return sub.AsFunctionType() == super.AsFunctionType()
	case ir.ObjectKindTable:
		return sub.AsTableType().IsSubtype(super.AsTableType())
	case ir.ObjectKindMemory:
		return sub.AsMemoryType().IsSubtype(super.AsMemoryType())
	case ir.ObjectKindGlobal:
		return sub.AsGlobalType().IsSubtype(super.AsGlobalType())
	case ir.ObjectKindExceptionType:
		return sub.AsExceptionType().Params == super.AsExceptionType().Params
	}
	return false
}

// StubResolver satisfies every import structurally: trap-only functions,
// zero-initialized memories, tables and globals, and fresh exception types.
// It is the reference resolver for fuzzing, where the imports of arbitrary
// modules must be satisfiable without any real host environment.
type StubResolver struct {
	Compartment *Compartment
}

func (s StubResolver) Resolve(moduleName, exportName string, typ ir.ObjectType) (Object, error) {
	debugName := fmt.Sprintf("importStub: %s.%s", moduleName, exportName)
	switch typ.Kind {
	case ir.ObjectKindFunction:
		ft := typ.AsFunctionType()
		return NewHostFunction(s.Compartment, ft, ir.CallingConventionIntrinsic, debugName,
			func(args []Value) ([]Value, *Exception) {
				return nil, NewTrap(TrapUnreachable, nil)
			}), nil
	case ir.ObjectKindMemory:
		return NewMemory(s.Compartment, typ.AsMemoryType())
	case ir.ObjectKindTable:
		return NewTable(s.Compartment, typ.AsTableType())
	case ir.ObjectKindGlobal:
		gt := typ.AsGlobalType()
		return NewGlobal(s.Compartment, gt, ZeroValue(gt.ValueType))
	case ir.ObjectKindExceptionType:
		return NewExceptionTypeInstance(s.Compartment, typ.AsExceptionType(), debugName), nil
	}
	return nil, fmt.Errorf("cannot stub import of kind %s", typ.Kind)
}
