package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/leb128"
)

// CompiledModule is a validated module ready for instantiation. Compilation
// of individual function bodies is deferred to the compartment's engine at
// instantiation time.
type CompiledModule struct {
	Module *ir.Module
}

// CompileModule validates m and wraps it for instantiation. The returned
// value is immutable and may be instantiated many times, in any compartment.
func CompileModule(m *ir.Module) (*CompiledModule, error) {
	if err := ir.Validate(m); err != nil {
		return nil, err
	}
	return &CompiledModule{Module: m}, nil
}

// InstantiateModule builds a module instance from compiled and the
// resolved-import vector produced by LinkModule. Either it returns a fully
// registered, rooted instance, or it fails leaving the compartment exactly
// as it was: every object allocated before the failure is released in
// reverse order.
//
// A trap raised by the start function is returned as a *Exception error; the
// instance is already published at that point and stays registered, matching
// the wasm specification.
func InstantiateModule(c *Compartment, compiled *CompiledModule, resolvedImports []Object, debugName string) (*ModuleInstance, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	m := compiled.Module
	if len(resolvedImports) != len(m.Imports) {
		return nil, fmt.Errorf("resolved %d imports for a module declaring %d", len(resolvedImports), len(m.Imports))
	}

	inst := &ModuleInstance{
		object:    object{comp: c},
		debugName: debugName,
		types:     m.Types,
		exports:   map[string]Object{},
	}

	// Step 1: type check the imports against the declared import types.
	var linkErr LinkError
	for i := range m.Imports {
		imp := &m.Imports[i]
		requested := imp.ObjectType(m.Types)
		obj := resolvedImports[i]
		cause := LinkCause(0xff)
		if obj == nil {
			cause = LinkCauseMissing
		} else if obj.Compartment() != c {
			cause = LinkCauseCompartmentMismatch
		} else if !isObjectSubtype(obj.ObjectType(), requested) {
			cause = LinkCauseTypeMismatch
		}
		if cause != LinkCause(0xff) {
			linkErr.MissingImports = append(linkErr.MissingImports, MissingImport{
				Module: imp.Module, Name: imp.Name, Type: requested, Cause: cause,
			})
			continue
		}
		switch imp.Kind {
		case ir.ObjectKindFunction:
			inst.functions = append(inst.functions, AsFunction(obj))
		case ir.ObjectKindTable:
			inst.tables = append(inst.tables, AsTable(obj))
		case ir.ObjectKindMemory:
			inst.memories = append(inst.memories, AsMemory(obj))
		case ir.ObjectKindGlobal:
			inst.globals = append(inst.globals, AsGlobal(obj))
		case ir.ObjectKindExceptionType:
			inst.exceptionTypes = append(inst.exceptionTypes, AsExceptionType(obj))
		}
	}
	if len(linkErr.MissingImports) > 0 {
		return nil, &linkErr
	}

	importedGlobals := append([]*GlobalInstance(nil), inst.globals...)

	// Steps 2-3: allocate owned objects, recording each for rollback.
	// Ordering is observable to the start function, so it is fixed:
	// exception types, globals, memories, tables, functions.
	var created []Object
	rollback := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i := len(created) - 1; i >= 0; i-- {
			c.removeLocked(created[i])
		}
	}

	for i, et := range m.ExceptionTypes {
		e := NewExceptionTypeInstance(c, et, fmt.Sprintf("%s!exceptionType%d", debugName, i))
		created = append(created, e)
		inst.exceptionTypes = append(inst.exceptionTypes, e)
	}

	for i := range m.Globals {
		def := &m.Globals[i]
		initial, err := evaluateConstExpression(&def.Init, importedGlobals)
		if err != nil {
			rollback()
			return nil, &InstantiationError{Message: fmt.Sprintf("global %d initializer", i), Cause: err}
		}
		initial.Type = def.Type.ValueType
		g, err := NewGlobal(c, def.Type, initial)
		if err != nil {
			rollback()
			return nil, &InstantiationError{Message: fmt.Sprintf("global %d", i), Cause: err}
		}
		created = append(created, g)
		inst.globals = append(inst.globals, g)
	}

	for i, mt := range m.Memories {
		mem, err := NewMemory(c, mt)
		if err != nil {
			rollback()
			return nil, &InstantiationError{Message: fmt.Sprintf("memory %d", i), Cause: err}
		}
		created = append(created, mem)
		inst.memories = append(inst.memories, mem)
	}

	for i, tt := range m.Tables {
		table, err := NewTable(c, tt)
		if err != nil {
			rollback()
			return nil, &InstantiationError{Message: fmt.Sprintf("table %d", i), Cause: err}
		}
		created = append(created, table)
		inst.tables = append(inst.tables, table)
	}

	importedFunctionCount := uint32(len(inst.functions))
	for i := range m.Functions {
		def := &m.Functions[i]
		index := importedFunctionCount + uint32(i)
		name := m.Names.Functions[index]
		if name == "" {
			name = fmt.Sprintf("%s!function%d", debugName, i)
		}
		f := &FunctionInstance{
			object:    object{comp: c},
			signature: m.Types[def.TypeIndex],
			conv:      ir.CallingConventionWasm,
			debugName: name,
			module:    inst,
			def:       def,
		}
		c.register(f)
		created = append(created, f)
		inst.functions = append(inst.functions, f)
		if err := c.engine.Compile(f); err != nil {
			rollback()
			return nil, &InstantiationError{Message: fmt.Sprintf("compile function %d", i), Cause: err}
		}
	}

	// Step 4: element segments. Every (offset, length) pair is checked
	// before any table is written; a failing segment leaves no partial
	// state.
	type pendingElems struct {
		table  *TableInstance
		offset uint64
		elems  []Value
	}
	var elemCopies []pendingElems
	for i := range m.Elements {
		seg := &m.Elements[i]
		table := inst.tables[seg.TableIndex]
		offsetValue, err := evaluateConstExpression(&seg.Offset, importedGlobals)
		if err != nil {
			rollback()
			return nil, &InstantiationError{Message: fmt.Sprintf("element segment %d offset", i), Cause: err}
		}
		offset := uint64(uint32(offsetValue.Bits))
		end := offset + uint64(len(seg.Indices))
		if end < offset || end > table.Size() {
			rollback()
			return nil, &InstantiationError{
				Message: fmt.Sprintf("element segment %d range [%d, %d) exceeds table length %d",
					i, offset, end, table.Size()),
			}
		}
		elems := make([]Value, len(seg.Indices))
		for j, fi := range seg.Indices {
			elems[j] = FuncValue(inst.functions[fi])
		}
		elemCopies = append(elemCopies, pendingElems{table: table, offset: offset, elems: elems})
	}

	// Step 5: data segments, with the same pre-check discipline.
	type pendingData struct {
		memory *MemoryInstance
		offset uint64
		bytes  []byte
	}
	var dataCopies []pendingData
	for i := range m.Data {
		seg := &m.Data[i]
		mem := inst.memories[seg.MemoryIndex]
		offsetValue, err := evaluateConstExpression(&seg.Offset, importedGlobals)
		if err != nil {
			rollback()
			return nil, &InstantiationError{Message: fmt.Sprintf("data segment %d offset", i), Cause: err}
		}
		offset := uint64(uint32(offsetValue.Bits))
		end := offset + uint64(len(seg.Bytes))
		if end < offset || end > mem.Size()*PageSize {
			rollback()
			return nil, &InstantiationError{
				Message: fmt.Sprintf("data segment %d range [%d, %d) exceeds memory size", i, offset, end),
			}
		}
		dataCopies = append(dataCopies, pendingData{memory: mem, offset: offset, bytes: seg.Bytes})
	}

	for _, p := range elemCopies {
		for j, v := range p.elems {
			p.table.setDuringInstantiation(p.offset+uint64(j), v)
		}
	}
	for _, p := range dataCopies {
		p.memory.Write(p.offset, p.bytes)
	}

	// Step 6: publish. From here the instance is observable and failures no
	// longer roll back. The creation roots of the owned objects are dropped:
	// the rooted instance now keeps them reachable.
	c.mu.Lock()
	c.registerLocked(inst)
	inst.rooted = true
	c.instances = append(c.instances, inst)
	for _, obj := range created {
		delete(c.roots, obj)
	}
	c.mu.Unlock()

	for i := range m.Exports {
		exp := &m.Exports[i]
		var obj Object
		switch exp.Kind {
		case ir.ObjectKindFunction:
			obj = inst.functions[exp.Index]
		case ir.ObjectKindTable:
			obj = inst.tables[exp.Index]
		case ir.ObjectKindMemory:
			obj = inst.memories[exp.Index]
		case ir.ObjectKindGlobal:
			obj = inst.globals[exp.Index]
		case ir.ObjectKindExceptionType:
			obj = inst.exceptionTypes[exp.Index]
		}
		inst.exports[exp.Name] = obj
	}

	c.log.Debug("module instantiated",
		zap.String("name", debugName),
		zap.Int("functions", len(inst.functions)),
		zap.Int("exports", len(inst.exports)))

	// Step 7: run the start function. A trap here is re-raised to the
	// caller, but the instance remains published.
	if m.Start != nil {
		start := inst.functions[*m.Start]
		if _, err := start.Invoke(); err != nil {
			var excep *Exception
			if errors.As(err, &excep) {
				return inst, excep
			}
			return inst, err
		}
	}
	return inst, nil
}

// evaluateConstExpression computes an initializer value. global.get indices
// reference the imported-globals prefix of the index space; the validator
// has already established they are immutable.
func evaluateConstExpression(expr *ir.ConstantExpression, importedGlobals []*GlobalInstance) (Value, error) {
	r := bytes.NewReader(expr.Data)
	switch expr.Opcode {
	case ir.OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(r)
		if err != nil {
			return Value{}, fmt.Errorf("read i32 immediate: %w", err)
		}
		return I32Value(v), nil
	case ir.OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(r)
		if err != nil {
			return Value{}, fmt.Errorf("read i64 immediate: %w", err)
		}
		return I64Value(v), nil
	case ir.OpcodeF32Const:
		if len(expr.Data) < 4 {
			return Value{}, fmt.Errorf("truncated f32 immediate")
		}
		bits := uint32(expr.Data[0]) | uint32(expr.Data[1])<<8 | uint32(expr.Data[2])<<16 | uint32(expr.Data[3])<<24
		return F32Value(math.Float32frombits(bits)), nil
	case ir.OpcodeF64Const:
		if len(expr.Data) < 8 {
			return Value{}, fmt.Errorf("truncated f64 immediate")
		}
		var bits uint64
		for i := 0; i < 8; i++ {
			bits |= uint64(expr.Data[i]) << (8 * i)
		}
		return F64Value(math.Float64frombits(bits)), nil
	case ir.OpcodeRefNull:
		return NullValue(), nil
	case ir.OpcodeGlobalGet:
		index, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return Value{}, fmt.Errorf("read global index: %w", err)
		}
		if index >= uint32(len(importedGlobals)) {
			return Value{}, fmt.Errorf("global index %d out of range", index)
		}
		return importedGlobals[index].Get(), nil
	}
	return Value{}, fmt.Errorf("opcode %#x is not constant", byte(expr.Opcode))
}
