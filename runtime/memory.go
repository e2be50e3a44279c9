package runtime

import (
	"sync"

	"github.com/ternlabs/tern/ir"
)

// PageSize is the wasm page size in bytes.
const PageSize uint64 = 65536

// maxMemoryPages bounds eager allocation: a wasm32 address space is at most
// 2^16 pages.
const maxMemoryPages uint64 = 1 << 16

// MemoryInstance is a linear memory. All accesses are bounds checked; out of
// bounds reads and writes trap without leaving the memory in a partial
// state. A shared memory serializes growth under its mutex.
type MemoryInstance struct {
	object
	typ ir.MemoryType

	mu     sync.Mutex
	buffer []byte
}

// NewMemory allocates a memory of mt's minimum size, zero-initialized, and
// registers it with the compartment.
func NewMemory(c *Compartment, mt ir.MemoryType) (*MemoryInstance, error) {
	if mt.Size.Min > mt.Size.Max {
		return nil, &ObjectCreationError{Kind: ir.ObjectKindMemory, Message: "minimum size exceeds maximum"}
	}
	if mt.Size.Min > maxMemoryPages {
		return nil, &ObjectCreationError{Kind: ir.ObjectKindMemory, Message: "minimum size exceeds the wasm32 address space"}
	}
	m := &MemoryInstance{
		object: object{comp: c},
		typ:    mt,
		buffer: make([]byte, mt.Size.Min*PageSize),
	}
	c.register(m)
	return m, nil
}

func (m *MemoryInstance) Kind() ir.ObjectKind       { return ir.ObjectKindMemory }
func (m *MemoryInstance) ObjectType() ir.ObjectType { return ir.MemoryObjectType(m.typ) }
func (m *MemoryInstance) Type() ir.MemoryType       { return m.typ }
func (m *MemoryInstance) trace(visit func(Object))  {}

// Size returns the current size in pages.
func (m *MemoryInstance) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.buffer)) / PageSize
}

// Grow extends the memory by delta pages and returns the previous size in
// pages. Growth past the type's maximum, or past the wasm32 address space,
// fails with ok=false and no state change. Concurrent growers of a shared
// memory each observe a distinct previous size.
func (m *MemoryInstance) Grow(delta uint64) (previousPages uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previousPages = uint64(len(m.buffer)) / PageSize
	if delta == 0 {
		return previousPages, true
	}
	newPages := previousPages + delta
	if newPages < previousPages || newPages > m.typ.Size.Max || newPages > maxMemoryPages {
		return previousPages, false
	}
	next := make([]byte, newPages*PageSize)
	copy(next, m.buffer)
	m.buffer = next
	return previousPages, true
}

// Read copies len(dst) bytes starting at offset. ok=false means the range is
// out of bounds and nothing was copied.
func (m *MemoryInstance) Read(offset uint64, dst []byte) (ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + uint64(len(dst))
	if end < offset || end > uint64(len(m.buffer)) {
		return false
	}
	copy(dst, m.buffer[offset:end])
	return true
}

// Write copies src into memory at offset with the same bounds discipline as
// Read.
func (m *MemoryInstance) Write(offset uint64, src []byte) (ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + uint64(len(src))
	if end < offset || end > uint64(len(m.buffer)) {
		return false
	}
	copy(m.buffer[offset:end], src)
	return true
}

// Bytes exposes the backing buffer for the executing engine. The engine owns
// bounds checking on the returned slice; growth may replace the buffer, so
// callers must not cache it across calls that can grow the memory.
func (m *MemoryInstance) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}
