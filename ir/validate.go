package ir

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ternlabs/tern/leb128"
)

// Validate walks the module once and verifies it is well-formed: indices in
// range, unique import/export names, constant initializers, and every
// function body type-checked against the value type lattice. Validating the
// same module twice yields the same result; Validate never mutates m.
func Validate(m *Module) error {
	if len(m.Functions) > 0 && len(m.Types) == 0 {
		return &ValidationError{Message: "module defines functions but no types"}
	}

	funcTypes, err := m.functionTypes()
	if err != nil {
		return err
	}
	globalTypes := m.globalTypes()
	tableTypes := m.tableTypes()
	memoryTypes := m.memoryTypes()

	if err := validateImports(m); err != nil {
		return err
	}
	if err := validateLimits(m, tableTypes, memoryTypes); err != nil {
		return err
	}
	if err := validateGlobals(m); err != nil {
		return err
	}
	if err := validateExports(m, funcTypes, globalTypes, tableTypes, memoryTypes); err != nil {
		return err
	}
	if err := validateSegments(m, funcTypes, tableTypes, memoryTypes); err != nil {
		return err
	}
	if err := validateStart(m, funcTypes); err != nil {
		return err
	}

	for i := range m.Functions {
		def := &m.Functions[i]
		if uint32(len(def.LocalTypes)) > m.FeatureSpec.MaxLocals {
			return &ValidationError{Message: fmt.Sprintf("function %d declares %d locals, limit is %d",
				i, len(def.LocalTypes), m.FeatureSpec.MaxLocals)}
		}
		sig := m.Types[def.TypeIndex]
		if err := validateFunctionBody(m, def, sig, funcTypes, globalTypes, tableTypes, memoryTypes); err != nil {
			return &ValidationError{Message: fmt.Sprintf("function %d: %v", i, err)}
		}
	}
	return nil
}

func validateImports(m *Module) error {
	seen := map[[2]string]bool{}
	for i := range m.Imports {
		imp := &m.Imports[i]
		key := [2]string{imp.Module, imp.Name}
		if seen[key] {
			return &ValidationError{Message: fmt.Sprintf("duplicate import %q.%q", imp.Module, imp.Name)}
		}
		seen[key] = true
		if imp.Kind == ObjectKindFunction && imp.FunctionTypeIndex >= uint32(len(m.Types)) {
			return &ValidationError{Message: fmt.Sprintf("import %q.%q: type index out of range", imp.Module, imp.Name)}
		}
	}
	return nil
}

func validateLimits(m *Module, tableTypes []TableType, memoryTypes []MemoryType) error {
	for _, tt := range tableTypes {
		if tt.Size.Min > tt.Size.Max {
			return &ValidationError{Message: "table minimum size exceeds maximum"}
		}
		if tt.ElementType != ReferenceTypeAnyfunc && tt.ElementType != ReferenceTypeAnyref {
			return &ValidationError{Message: "invalid table element type"}
		}
	}
	for _, mt := range memoryTypes {
		if mt.Size.Min > mt.Size.Max {
			return &ValidationError{Message: "memory minimum size exceeds maximum"}
		}
	}
	return nil
}

func validateGlobals(m *Module) error {
	// A defined global's initializer may reference only imported immutable
	// globals, so the index space for global.get in initializers is the
	// imported prefix.
	var importedGlobals []GlobalType
	for i := range m.Imports {
		if m.Imports[i].Kind == ObjectKindGlobal {
			importedGlobals = append(importedGlobals, m.Imports[i].GlobalType)
		}
	}
	for i := range m.Globals {
		def := &m.Globals[i]
		if err := checkConstExpression(&def.Init, def.Type.ValueType, importedGlobals); err != nil {
			return &ValidationError{Message: fmt.Sprintf("global %d initializer: %v", i, err)}
		}
	}
	return nil
}

func validateExports(m *Module, funcTypes []FunctionType, globalTypes []GlobalType, tableTypes []TableType, memoryTypes []MemoryType) error {
	seen := map[string]bool{}
	for i := range m.Exports {
		exp := &m.Exports[i]
		if seen[exp.Name] {
			return &ValidationError{Message: fmt.Sprintf("duplicate export %q", exp.Name)}
		}
		seen[exp.Name] = true

		var max int
		switch exp.Kind {
		case ObjectKindFunction:
			max = len(funcTypes)
		case ObjectKindTable:
			max = len(tableTypes)
		case ObjectKindMemory:
			max = len(memoryTypes)
		case ObjectKindGlobal:
			max = len(globalTypes)
		case ObjectKindExceptionType:
			max = int(m.ImportCount(ObjectKindExceptionType)) + len(m.ExceptionTypes)
		default:
			return &ValidationError{Message: fmt.Sprintf("export %q: invalid kind", exp.Name)}
		}
		if exp.Index >= uint32(max) {
			return &ValidationError{Message: fmt.Sprintf("export %q: %s index %d out of range", exp.Name, exp.Kind, exp.Index)}
		}
	}
	return nil
}

func validateSegments(m *Module, funcTypes []FunctionType, tableTypes []TableType, memoryTypes []MemoryType) error {
	var importedGlobals []GlobalType
	for i := range m.Imports {
		if m.Imports[i].Kind == ObjectKindGlobal {
			importedGlobals = append(importedGlobals, m.Imports[i].GlobalType)
		}
	}
	for i := range m.Elements {
		seg := &m.Elements[i]
		if seg.TableIndex >= uint32(len(tableTypes)) {
			return &ValidationError{Message: fmt.Sprintf("element segment %d: table index out of range", i)}
		}
		if err := checkConstExpression(&seg.Offset, ValueTypeI32, importedGlobals); err != nil {
			return &ValidationError{Message: fmt.Sprintf("element segment %d offset: %v", i, err)}
		}
		for _, fi := range seg.Indices {
			if fi >= uint32(len(funcTypes)) {
				return &ValidationError{Message: fmt.Sprintf("element segment %d: function index %d out of range", i, fi)}
			}
		}
	}
	if uint32(len(m.Data)) > m.FeatureSpec.MaxDataSegments {
		return &ValidationError{Message: "too many data segments"}
	}
	for i := range m.Data {
		seg := &m.Data[i]
		if seg.MemoryIndex >= uint32(len(memoryTypes)) {
			return &ValidationError{Message: fmt.Sprintf("data segment %d: memory index out of range", i)}
		}
		if err := checkConstExpression(&seg.Offset, ValueTypeI32, importedGlobals); err != nil {
			return &ValidationError{Message: fmt.Sprintf("data segment %d offset: %v", i, err)}
		}
	}
	return nil
}

func validateStart(m *Module, funcTypes []FunctionType) error {
	if m.Start == nil {
		return nil
	}
	if *m.Start >= uint32(len(funcTypes)) {
		return &ValidationError{Message: "start function index out of range"}
	}
	sig := funcTypes[*m.Start]
	if sig.Params().Len() != 0 || sig.Results().Len() != 0 {
		return &ValidationError{Message: "start function must have an empty signature"}
	}
	return nil
}

// checkConstExpression verifies an initializer expression yields a value of
// the expected type. global.get may reference imported immutable globals
// only.
func checkConstExpression(expr *ConstantExpression, expected ValueType, importedGlobals []GlobalType) error {
	var actual ValueType
	switch expr.Opcode {
	case OpcodeI32Const:
		actual = ValueTypeI32
	case OpcodeI64Const:
		actual = ValueTypeI64
	case OpcodeF32Const:
		actual = ValueTypeF32
	case OpcodeF64Const:
		actual = ValueTypeF64
	case OpcodeRefNull:
		actual = ValueTypeNullref
	case OpcodeGlobalGet:
		index, _, err := leb128.DecodeUint32(bytes.NewReader(expr.Data))
		if err != nil {
			return fmt.Errorf("read global index: %w", err)
		}
		if index >= uint32(len(importedGlobals)) {
			return fmt.Errorf("global.get %d does not reference an imported global", index)
		}
		if importedGlobals[index].IsMutable {
			return fmt.Errorf("global.get %d references a mutable global", index)
		}
		actual = importedGlobals[index].ValueType
	default:
		return fmt.Errorf("opcode %#x is not constant", byte(expr.Opcode))
	}
	if !IsSubtype(actual, expected) {
		return fmt.Errorf("type mismatch: got %s, expected %s", actual, expected)
	}
	return nil
}

// opSignature describes the stack effect of a simple instruction.
type opSignature struct {
	pops   []ValueType
	pushes []ValueType
}

func sig(pops []ValueType, pushes ...ValueType) opSignature {
	return opSignature{pops: pops, pushes: pushes}
}

var (
	i32        = []ValueType{ValueTypeI32}
	i64        = []ValueType{ValueTypeI64}
	f32        = []ValueType{ValueTypeF32}
	f64        = []ValueType{ValueTypeF64}
	i32i32     = []ValueType{ValueTypeI32, ValueTypeI32}
	i64i64     = []ValueType{ValueTypeI64, ValueTypeI64}
	f32f32     = []ValueType{ValueTypeF32, ValueTypeF32}
	f64f64     = []ValueType{ValueTypeF64, ValueTypeF64}
	simpleSigs = buildSimpleSigs()
)

func buildSimpleSigs() map[Opcode]opSignature {
	sigs := map[Opcode]opSignature{
		OpcodeI32Eqz: sig(i32, ValueTypeI32),
		OpcodeI64Eqz: sig(i64, ValueTypeI32),

		OpcodeI32Clz: sig(i32, ValueTypeI32), OpcodeI32Ctz: sig(i32, ValueTypeI32), OpcodeI32Popcnt: sig(i32, ValueTypeI32),
		OpcodeI64Clz: sig(i64, ValueTypeI64), OpcodeI64Ctz: sig(i64, ValueTypeI64), OpcodeI64Popcnt: sig(i64, ValueTypeI64),

		OpcodeI32WrapI64:    sig(i64, ValueTypeI32),
		OpcodeI64ExtendI32S: sig(i32, ValueTypeI64), OpcodeI64ExtendI32U: sig(i32, ValueTypeI64),
		OpcodeI32TruncF32S: sig(f32, ValueTypeI32), OpcodeI32TruncF32U: sig(f32, ValueTypeI32),
		OpcodeI32TruncF64S: sig(f64, ValueTypeI32), OpcodeI32TruncF64U: sig(f64, ValueTypeI32),
		OpcodeI64TruncF32S: sig(f32, ValueTypeI64), OpcodeI64TruncF32U: sig(f32, ValueTypeI64),
		OpcodeI64TruncF64S: sig(f64, ValueTypeI64), OpcodeI64TruncF64U: sig(f64, ValueTypeI64),
		OpcodeF32ConvertI32S: sig(i32, ValueTypeF32), OpcodeF32ConvertI32U: sig(i32, ValueTypeF32),
		OpcodeF32ConvertI64S: sig(i64, ValueTypeF32), OpcodeF32ConvertI64U: sig(i64, ValueTypeF32),
		OpcodeF64ConvertI32S: sig(i32, ValueTypeF64), OpcodeF64ConvertI32U: sig(i32, ValueTypeF64),
		OpcodeF64ConvertI64S: sig(i64, ValueTypeF64), OpcodeF64ConvertI64U: sig(i64, ValueTypeF64),
		OpcodeF32DemoteF64:  sig(f64, ValueTypeF32),
		OpcodeF64PromoteF32: sig(f32, ValueTypeF64),

		OpcodeI32ReinterpretF32: sig(f32, ValueTypeI32),
		OpcodeI64ReinterpretF64: sig(f64, ValueTypeI64),
		OpcodeF32ReinterpretI32: sig(i32, ValueTypeF32),
		OpcodeF64ReinterpretI64: sig(i64, ValueTypeF64),

		OpcodeF32Abs: sig(f32, ValueTypeF32), OpcodeF32Neg: sig(f32, ValueTypeF32),
		OpcodeF32Ceil: sig(f32, ValueTypeF32), OpcodeF32Floor: sig(f32, ValueTypeF32),
		OpcodeF32Trunc: sig(f32, ValueTypeF32), OpcodeF32Nearest: sig(f32, ValueTypeF32),
		OpcodeF32Sqrt: sig(f32, ValueTypeF32),
		OpcodeF64Abs:  sig(f64, ValueTypeF64), OpcodeF64Neg: sig(f64, ValueTypeF64),
		OpcodeF64Ceil: sig(f64, ValueTypeF64), OpcodeF64Floor: sig(f64, ValueTypeF64),
		OpcodeF64Trunc: sig(f64, ValueTypeF64), OpcodeF64Nearest: sig(f64, ValueTypeF64),
		OpcodeF64Sqrt: sig(f64, ValueTypeF64),
	}
	for op := OpcodeI32Eq; op <= OpcodeI32GeU; op++ {
		sigs[op] = sig(i32i32, ValueTypeI32)
	}
	for op := OpcodeI64Eq; op <= OpcodeI64GeU; op++ {
		sigs[op] = sig(i64i64, ValueTypeI32)
	}
	for op := OpcodeF32Eq; op <= OpcodeF32Ge; op++ {
		sigs[op] = sig(f32f32, ValueTypeI32)
	}
	for op := OpcodeF64Eq; op <= OpcodeF64Ge; op++ {
		sigs[op] = sig(f64f64, ValueTypeI32)
	}
	for op := OpcodeI32Add; op <= OpcodeI32Rotr; op++ {
		sigs[op] = sig(i32i32, ValueTypeI32)
	}
	for op := OpcodeI64Add; op <= OpcodeI64Rotr; op++ {
		sigs[op] = sig(i64i64, ValueTypeI64)
	}
	for op := OpcodeF32Add; op <= OpcodeF32Copysign; op++ {
		sigs[op] = sig(f32f32, ValueTypeF32)
	}
	for op := OpcodeF64Add; op <= OpcodeF64Copysign; op++ {
		sigs[op] = sig(f64f64, ValueTypeF64)
	}
	return sigs
}

// memoryOpInfo describes a load or store: its natural width in bytes and the
// operand type moved to or from memory.
type memoryOpInfo struct {
	width   uint32
	typ     ValueType
	isStore bool
}

var memoryOps = map[Opcode]memoryOpInfo{
	OpcodeI32Load: {4, ValueTypeI32, false}, OpcodeI64Load: {8, ValueTypeI64, false},
	OpcodeF32Load: {4, ValueTypeF32, false}, OpcodeF64Load: {8, ValueTypeF64, false},
	OpcodeI32Load8S: {1, ValueTypeI32, false}, OpcodeI32Load8U: {1, ValueTypeI32, false},
	OpcodeI32Load16S: {2, ValueTypeI32, false}, OpcodeI32Load16U: {2, ValueTypeI32, false},
	OpcodeI64Load8S: {1, ValueTypeI64, false}, OpcodeI64Load8U: {1, ValueTypeI64, false},
	OpcodeI64Load16S: {2, ValueTypeI64, false}, OpcodeI64Load16U: {2, ValueTypeI64, false},
	OpcodeI64Load32S: {4, ValueTypeI64, false}, OpcodeI64Load32U: {4, ValueTypeI64, false},
	OpcodeI32Store: {4, ValueTypeI32, true}, OpcodeI64Store: {8, ValueTypeI64, true},
	OpcodeF32Store: {4, ValueTypeF32, true}, OpcodeF64Store: {8, ValueTypeF64, true},
	OpcodeI32Store8: {1, ValueTypeI32, true}, OpcodeI32Store16: {2, ValueTypeI32, true},
	OpcodeI64Store8: {1, ValueTypeI64, true}, OpcodeI64Store16: {2, ValueTypeI64, true},
	OpcodeI64Store32: {4, ValueTypeI64, true},
}

// controlFrame is one entry of the structured control stack.
type controlFrame struct {
	opcode      Opcode
	startTypes  TypeTuple
	endTypes    TypeTuple
	height      int
	unreachable bool
}

// bodyChecker implements the standard wasm validation algorithm: an operand stack of
// value types alongside a control stack, with stack-polymorphic instructions
// marking the current frame unreachable.
type bodyChecker struct {
	operands []ValueType
	control  []controlFrame
}

func (c *bodyChecker) pushOperand(t ValueType) { c.operands = append(c.operands, t) }

func (c *bodyChecker) popOperand() (ValueType, error) {
	frame := &c.control[len(c.control)-1]
	if len(c.operands) == frame.height {
		if frame.unreachable {
			return ValueTypeNone, nil
		}
		return 0, fmt.Errorf("operand stack underflow")
	}
	t := c.operands[len(c.operands)-1]
	c.operands = c.operands[:len(c.operands)-1]
	return t, nil
}

func (c *bodyChecker) popExpect(expected ValueType) (ValueType, error) {
	actual, err := c.popOperand()
	if err != nil {
		return 0, err
	}
	// none is the bottom type pushed by polymorphic stacks.
	if !IsSubtype(actual, expected) && actual != ValueTypeNone && expected != ValueTypeNone {
		return 0, fmt.Errorf("type mismatch: got %s, expected %s", actual, expected)
	}
	return actual, nil
}

func (c *bodyChecker) popTuple(tuple TypeTuple) error {
	for i := tuple.Len() - 1; i >= 0; i-- {
		if _, err := c.popExpect(tuple.At(i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *bodyChecker) pushTuple(tuple TypeTuple) {
	for _, t := range tuple.Elems() {
		c.pushOperand(t)
	}
}

func (c *bodyChecker) pushControl(opcode Opcode, start, end TypeTuple) {
	c.control = append(c.control, controlFrame{
		opcode:     opcode,
		startTypes: start,
		endTypes:   end,
		height:     len(c.operands),
	})
	c.pushTuple(start)
}

func (c *bodyChecker) popControl() (controlFrame, error) {
	if len(c.control) == 0 {
		return controlFrame{}, fmt.Errorf("control stack underflow")
	}
	frame := c.control[len(c.control)-1]
	if err := c.popTuple(frame.endTypes); err != nil {
		return controlFrame{}, err
	}
	if len(c.operands) != frame.height {
		return controlFrame{}, fmt.Errorf("leftover operands at end of block")
	}
	c.control = c.control[:len(c.control)-1]
	return frame, nil
}

func (c *bodyChecker) setUnreachable() {
	frame := &c.control[len(c.control)-1]
	c.operands = c.operands[:frame.height]
	frame.unreachable = true
}

// labelTypes returns the tuple a branch to this frame must supply: the start
// types for a loop (the continuation is the loop head), the end types
// otherwise.
func (f *controlFrame) labelTypes() TypeTuple {
	if f.opcode == OpcodeLoop {
		return f.startTypes
	}
	return f.endTypes
}

func validateFunctionBody(m *Module, def *FunctionDef, signature FunctionType,
	funcTypes []FunctionType, globalTypes []GlobalType, tableTypes []TableType, memoryTypes []MemoryType) error {

	localTypes := append(append([]ValueType(nil), signature.Params().Elems()...), def.LocalTypes...)

	c := &bodyChecker{}
	c.control = append(c.control, controlFrame{
		opcode:   OpcodeBlock,
		endTypes: signature.Results(),
	})

	r := bytes.NewReader(def.Body)
	var labelCount uint32

	readIndex := func() (uint32, error) {
		v, _, err := leb128.DecodeUint32(r)
		return v, err
	}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("function body is not terminated")
		}
		op := Opcode(b)

		switch op {
		case OpcodeUnreachable:
			c.setUnreachable()
		case OpcodeNop:
		case OpcodeBlock, OpcodeLoop, OpcodeIf:
			labelCount++
			if labelCount > m.FeatureSpec.MaxLabelsPerFunction {
				return fmt.Errorf("too many labels: limit is %d", m.FeatureSpec.MaxLabelsPerFunction)
			}
			start, end, err := readBlockType(r, m)
			if err != nil {
				return err
			}
			if op == OpcodeIf {
				if _, err := c.popExpect(ValueTypeI32); err != nil {
					return fmt.Errorf("if condition: %v", err)
				}
			}
			if err := c.popTuple(start); err != nil {
				return fmt.Errorf("block parameters: %v", err)
			}
			c.pushControl(op, start, end)
		case OpcodeElse:
			frame, err := c.popControl()
			if err != nil {
				return err
			}
			if frame.opcode != OpcodeIf {
				return fmt.Errorf("else without matching if")
			}
			c.pushControl(OpcodeElse, frame.startTypes, frame.endTypes)
		case OpcodeEnd:
			frame, err := c.popControl()
			if err != nil {
				return err
			}
			if frame.opcode == OpcodeIf && frame.startTypes != frame.endTypes {
				return fmt.Errorf("if without else must have matching parameter and result types")
			}
			c.pushTuple(frame.endTypes)
			if len(c.control) == 0 {
				if r.Len() != 0 {
					return fmt.Errorf("instructions after function end")
				}
				return nil
			}
		case OpcodeBr, OpcodeBrIf:
			depth, err := readIndex()
			if err != nil {
				return fmt.Errorf("read branch depth: %w", err)
			}
			if depth >= uint32(len(c.control)) {
				return fmt.Errorf("branch depth %d out of range", depth)
			}
			if op == OpcodeBrIf {
				if _, err := c.popExpect(ValueTypeI32); err != nil {
					return fmt.Errorf("br_if condition: %v", err)
				}
			}
			target := c.control[len(c.control)-1-int(depth)].labelTypes()
			if err := c.popTuple(target); err != nil {
				return fmt.Errorf("branch operands: %v", err)
			}
			if op == OpcodeBr {
				c.setUnreachable()
			} else {
				c.pushTuple(target)
			}
		case OpcodeBrTable:
			count, err := readIndex()
			if err != nil {
				return fmt.Errorf("read br_table count: %w", err)
			}
			if uint64(count) > uint64(r.Len()) {
				return fmt.Errorf("br_table count %d exceeds remaining body", count)
			}
			targets := make([]uint32, count)
			for i := range targets {
				if targets[i], err = readIndex(); err != nil {
					return fmt.Errorf("read br_table target: %w", err)
				}
			}
			defaultDepth, err := readIndex()
			if err != nil {
				return fmt.Errorf("read br_table default: %w", err)
			}
			if _, err := c.popExpect(ValueTypeI32); err != nil {
				return fmt.Errorf("br_table index: %v", err)
			}
			if defaultDepth >= uint32(len(c.control)) {
				return fmt.Errorf("br_table default depth out of range")
			}
			defaultTypes := c.control[len(c.control)-1-int(defaultDepth)].labelTypes()
			for _, depth := range targets {
				if depth >= uint32(len(c.control)) {
					return fmt.Errorf("br_table depth %d out of range", depth)
				}
				if c.control[len(c.control)-1-int(depth)].labelTypes() != defaultTypes {
					return fmt.Errorf("br_table targets have inconsistent types")
				}
			}
			if err := c.popTuple(defaultTypes); err != nil {
				return fmt.Errorf("br_table operands: %v", err)
			}
			c.setUnreachable()
		case OpcodeReturn:
			if err := c.popTuple(signature.Results()); err != nil {
				return fmt.Errorf("return operands: %v", err)
			}
			c.setUnreachable()
		case OpcodeCall:
			index, err := readIndex()
			if err != nil {
				return fmt.Errorf("read call index: %w", err)
			}
			if index >= uint32(len(funcTypes)) {
				return fmt.Errorf("call function index %d out of range", index)
			}
			callee := funcTypes[index]
			if err := c.popTuple(callee.Params()); err != nil {
				return fmt.Errorf("call arguments: %v", err)
			}
			c.pushTuple(callee.Results())
		case OpcodeCallIndirect:
			typeIndex, err := readIndex()
			if err != nil {
				return fmt.Errorf("read call_indirect type index: %w", err)
			}
			tableIndex, err := r.ReadByte()
			if err != nil || tableIndex != 0 {
				return fmt.Errorf("call_indirect reserved byte must be zero")
			}
			if len(tableTypes) == 0 {
				return fmt.Errorf("call_indirect without a table")
			}
			if typeIndex >= uint32(len(m.Types)) {
				return fmt.Errorf("call_indirect type index %d out of range", typeIndex)
			}
			if _, err := c.popExpect(ValueTypeI32); err != nil {
				return fmt.Errorf("call_indirect table index: %v", err)
			}
			callee := m.Types[typeIndex]
			if err := c.popTuple(callee.Params()); err != nil {
				return fmt.Errorf("call_indirect arguments: %v", err)
			}
			c.pushTuple(callee.Results())
		case OpcodeDrop:
			if _, err := c.popOperand(); err != nil {
				return fmt.Errorf("drop: %v", err)
			}
		case OpcodeSelect:
			if _, err := c.popExpect(ValueTypeI32); err != nil {
				return fmt.Errorf("select condition: %v", err)
			}
			t1, err := c.popOperand()
			if err != nil {
				return fmt.Errorf("select: %v", err)
			}
			t2, err := c.popOperand()
			if err != nil {
				return fmt.Errorf("select: %v", err)
			}
			switch {
			case t1 == ValueTypeNone:
				c.pushOperand(t2)
			case t2 == ValueTypeNone:
				c.pushOperand(t1)
			case t1 == t2:
				c.pushOperand(t1)
			default:
				return fmt.Errorf("select operands disagree: %s vs %s", t1, t2)
			}
		case OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee:
			index, err := readIndex()
			if err != nil {
				return fmt.Errorf("read local index: %w", err)
			}
			if index >= uint32(len(localTypes)) {
				return fmt.Errorf("local index %d out of range", index)
			}
			t := localTypes[index]
			switch op {
			case OpcodeLocalGet:
				c.pushOperand(t)
			case OpcodeLocalSet:
				if _, err := c.popExpect(t); err != nil {
					return fmt.Errorf("local.set: %v", err)
				}
			case OpcodeLocalTee:
				if _, err := c.popExpect(t); err != nil {
					return fmt.Errorf("local.tee: %v", err)
				}
				c.pushOperand(t)
			}
		case OpcodeGlobalGet, OpcodeGlobalSet:
			index, err := readIndex()
			if err != nil {
				return fmt.Errorf("read global index: %w", err)
			}
			if index >= uint32(len(globalTypes)) {
				return fmt.Errorf("global index %d out of range", index)
			}
			gt := globalTypes[index]
			if op == OpcodeGlobalGet {
				c.pushOperand(gt.ValueType)
			} else {
				if !gt.IsMutable {
					return fmt.Errorf("global.set on immutable global %d", index)
				}
				if _, err := c.popExpect(gt.ValueType); err != nil {
					return fmt.Errorf("global.set: %v", err)
				}
			}
		case OpcodeMemorySize, OpcodeMemoryGrow:
			if len(memoryTypes) == 0 {
				return fmt.Errorf("memory instruction without a memory")
			}
			reserved, err := r.ReadByte()
			if err != nil || reserved != 0 {
				return fmt.Errorf("memory instruction reserved byte must be zero")
			}
			if op == OpcodeMemoryGrow {
				if _, err := c.popExpect(ValueTypeI32); err != nil {
					return fmt.Errorf("memory.grow: %v", err)
				}
			}
			c.pushOperand(ValueTypeI32)
		case OpcodeI32Const:
			if _, _, err := leb128.DecodeInt32(r); err != nil {
				return fmt.Errorf("read i32.const: %w", err)
			}
			c.pushOperand(ValueTypeI32)
		case OpcodeI64Const:
			if _, _, err := leb128.DecodeInt64(r); err != nil {
				return fmt.Errorf("read i64.const: %w", err)
			}
			c.pushOperand(ValueTypeI64)
		case OpcodeF32Const:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return fmt.Errorf("read f32.const: %w", err)
			}
			c.pushOperand(ValueTypeF32)
		case OpcodeF64Const:
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return fmt.Errorf("read f64.const: %w", err)
			}
			c.pushOperand(ValueTypeF64)
		case OpcodeRefNull:
			c.pushOperand(ValueTypeNullref)
		default:
			if info, ok := memoryOps[op]; ok {
				if len(memoryTypes) == 0 {
					return fmt.Errorf("memory access without a memory")
				}
				align, _, err := leb128.DecodeUint32(r)
				if err != nil {
					return fmt.Errorf("read alignment: %w", err)
				}
				if align >= 32 || 1<<align > info.width {
					return fmt.Errorf("alignment 2^%d exceeds natural width %d", align, info.width)
				}
				if _, _, err := leb128.DecodeUint32(r); err != nil {
					return fmt.Errorf("read offset: %w", err)
				}
				if info.isStore {
					if _, err := c.popExpect(info.typ); err != nil {
						return fmt.Errorf("store value: %v", err)
					}
					if _, err := c.popExpect(ValueTypeI32); err != nil {
						return fmt.Errorf("store address: %v", err)
					}
				} else {
					if _, err := c.popExpect(ValueTypeI32); err != nil {
						return fmt.Errorf("load address: %v", err)
					}
					c.pushOperand(info.typ)
				}
				break
			}
			if s, ok := simpleSigs[op]; ok {
				for i := len(s.pops) - 1; i >= 0; i-- {
					if _, err := c.popExpect(s.pops[i]); err != nil {
						return fmt.Errorf("opcode %#x: %v", byte(op), err)
					}
				}
				for _, t := range s.pushes {
					c.pushOperand(t)
				}
				break
			}
			return fmt.Errorf("unknown opcode %#x", byte(op))
		}
	}
}

// readBlockType parses a block type immediate: empty, a single value type, or
// an s33 index into the module's type table.
func readBlockType(r *bytes.Reader, m *Module) (start, end TypeTuple, err error) {
	raw, _, err := leb128.DecodeInt33AsInt64(r)
	if err != nil {
		return TypeTuple{}, TypeTuple{}, fmt.Errorf("read block type: %w", err)
	}
	if raw < 0 {
		switch byte(raw & 0x7f) {
		case 0x40:
			return Tuple(), Tuple(), nil
		case 0x7f:
			return Tuple(), Tuple(ValueTypeI32), nil
		case 0x7e:
			return Tuple(), Tuple(ValueTypeI64), nil
		case 0x7d:
			return Tuple(), Tuple(ValueTypeF32), nil
		case 0x7c:
			return Tuple(), Tuple(ValueTypeF64), nil
		default:
			return TypeTuple{}, TypeTuple{}, fmt.Errorf("invalid block type %#x", byte(raw&0x7f))
		}
	}
	if raw >= int64(len(m.Types)) {
		return TypeTuple{}, TypeTuple{}, fmt.Errorf("block type index %d out of range", raw)
	}
	ft := m.Types[raw]
	return ft.Params(), ft.Results(), nil
}
