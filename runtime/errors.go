package runtime

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/ternlabs/tern/ir"
)

// ObjectCreationError reports a failed runtime object allocation.
type ObjectCreationError struct {
	Kind    ir.ObjectKind
	Message string
}

func (e *ObjectCreationError) Error() string {
	return fmt.Sprintf("cannot create %s: %s", e.Kind, e.Message)
}

// LinkCause classifies why an import could not be satisfied.
type LinkCause byte

const (
	LinkCauseMissing LinkCause = iota
	LinkCauseTypeMismatch
	LinkCauseCompartmentMismatch
)

func (c LinkCause) String() string {
	switch c {
	case LinkCauseMissing:
		return "missing"
	case LinkCauseTypeMismatch:
		return "type mismatch"
	case LinkCauseCompartmentMismatch:
		return "compartment mismatch"
	}
	return "unknown"
}

// MissingImport describes one unsatisfied import request.
type MissingImport struct {
	Module string
	Name   string
	Type   ir.ObjectType
	Cause  LinkCause
}

func (m *MissingImport) Error() string {
	return fmt.Sprintf("import %q.%q (%s): %s", m.Module, m.Name, m.Type, m.Cause)
}

// LinkError aggregates every unsatisfied import of a link attempt.
type LinkError struct {
	MissingImports []MissingImport
}

func (e *LinkError) Error() string {
	var err error
	for i := range e.MissingImports {
		err = multierr.Append(err, &e.MissingImports[i])
	}
	return fmt.Sprintf("link failed: %v", err)
}

// InstantiationError reports a failure between import checking and the
// publish point: segment bounds, initializer evaluation, or allocation. The
// compartment is rolled back to its pre-call state before this is returned.
type InstantiationError struct {
	Message string
	Cause   error
}

func (e *InstantiationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("instantiation failed: %s: %v", e.Message, e.Cause)
	}
	return "instantiation failed: " + e.Message
}

func (e *InstantiationError) Unwrap() error { return e.Cause }
