package ir

import (
	"hash/maphash"
	"strings"
	"sync"
)

// TypeTuple is an ordered, immutable sequence of value types, uniquely
// interned for the lifetime of the process. Equality of two tuples is
// equality of their handles, and the hash is computed once at interning time.
type TypeTuple struct {
	impl *tupleImpl
}

type tupleImpl struct {
	hash  uint64
	elems []ValueType
}

var (
	internMu    sync.Mutex
	tupleSeed   = maphash.MakeSeed()
	tupleTable  = map[string]*tupleImpl{}
	emptyTuple  = internTuple(nil)
	funcTable   = map[[2]*tupleImpl]*funcTypeImpl{}
	emptyFnType = internFunctionType(emptyTuple, emptyTuple)
)

func internTuple(elems []ValueType) *tupleImpl {
	key := tupleKey(elems)
	internMu.Lock()
	defer internMu.Unlock()
	if impl, ok := tupleTable[key]; ok {
		return impl
	}
	impl := &tupleImpl{
		hash:  maphash.String(tupleSeed, key),
		elems: append([]ValueType(nil), elems...),
	}
	tupleTable[key] = impl
	return impl
}

func tupleKey(elems []ValueType) string {
	b := make([]byte, len(elems))
	for i, e := range elems {
		b[i] = byte(e)
	}
	return string(b)
}

// Tuple interns elems and returns the canonical handle. Calling Tuple twice
// with equal element sequences returns identical handles.
func Tuple(elems ...ValueType) TypeTuple {
	if len(elems) == 0 {
		return TypeTuple{impl: emptyTuple}
	}
	return TypeTuple{impl: internTuple(elems)}
}

// Elems returns the element sequence. Callers must not mutate it.
func (t TypeTuple) Elems() []ValueType {
	if t.impl == nil {
		return nil
	}
	return t.impl.elems
}

// Len returns the number of elements.
func (t TypeTuple) Len() int {
	if t.impl == nil {
		return 0
	}
	return len(t.impl.elems)
}

// At returns the element at index i.
func (t TypeTuple) At(i int) ValueType { return t.impl.elems[i] }

// Hash returns the cached content hash.
func (t TypeTuple) Hash() uint64 {
	if t.impl == nil {
		return emptyTuple.hash
	}
	return t.impl.hash
}

func (t TypeTuple) String() string {
	if t.Len() == 1 {
		return t.At(0).String()
	}
	var b strings.Builder
	b.WriteByte('(')
	for i, e := range t.Elems() {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	b.WriteByte(')')
	return b.String()
}

// FunctionType is an interned (results, params) pair. Like TypeTuple,
// equality is handle identity.
type FunctionType struct {
	impl *funcTypeImpl
}

type funcTypeImpl struct {
	hash    uint64
	results *tupleImpl
	params  *tupleImpl
}

func internFunctionType(results, params *tupleImpl) *funcTypeImpl {
	key := [2]*tupleImpl{results, params}
	internMu.Lock()
	defer internMu.Unlock()
	if impl, ok := funcTable[key]; ok {
		return impl
	}
	impl := &funcTypeImpl{
		hash:    results.hash*31 ^ params.hash,
		results: results,
		params:  params,
	}
	funcTable[key] = impl
	return impl
}

// NewFunctionType interns the (results, params) pair.
func NewFunctionType(results, params TypeTuple) FunctionType {
	ri, pi := results.impl, params.impl
	if ri == nil {
		ri = emptyTuple
	}
	if pi == nil {
		pi = emptyTuple
	}
	return FunctionType{impl: internFunctionType(ri, pi)}
}

// Results returns the result tuple.
func (ft FunctionType) Results() TypeTuple {
	if ft.impl == nil {
		return TypeTuple{impl: emptyTuple}
	}
	return TypeTuple{impl: ft.impl.results}
}

// Params returns the parameter tuple.
func (ft FunctionType) Params() TypeTuple {
	if ft.impl == nil {
		return TypeTuple{impl: emptyTuple}
	}
	return TypeTuple{impl: ft.impl.params}
}

// Hash returns the cached hash of the pair.
func (ft FunctionType) Hash() uint64 {
	if ft.impl == nil {
		return emptyFnType.hash
	}
	return ft.impl.hash
}

func (ft FunctionType) String() string {
	return ft.Params().String() + "->" + ft.Results().String()
}

// FunctionTypeEncoding is a pointer-sized opaque re-encoding of a
// FunctionType, used as the element tag of anyfunc references so an indirect
// call can compare callee signatures with a single word comparison.
type FunctionTypeEncoding struct {
	impl *funcTypeImpl
}

// Encoding returns the opaque handle for ft.
func (ft FunctionType) Encoding() FunctionTypeEncoding {
	if ft.impl == nil {
		return FunctionTypeEncoding{impl: emptyFnType}
	}
	return FunctionTypeEncoding{impl: ft.impl}
}

// DecodeFunctionType recovers the function type behind an encoding.
func DecodeFunctionType(e FunctionTypeEncoding) FunctionType {
	return FunctionType{impl: e.impl}
}
