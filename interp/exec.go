package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/runtime"
)

// memoryAccessOps maps each load/store opcode to its access width in bytes.
var memoryAccessOps = map[ir.Opcode]uint64{
	ir.OpcodeI32Load: 4, ir.OpcodeI64Load: 8, ir.OpcodeF32Load: 4, ir.OpcodeF64Load: 8,
	ir.OpcodeI32Load8S: 1, ir.OpcodeI32Load8U: 1, ir.OpcodeI32Load16S: 2, ir.OpcodeI32Load16U: 2,
	ir.OpcodeI64Load8S: 1, ir.OpcodeI64Load8U: 1, ir.OpcodeI64Load16S: 2, ir.OpcodeI64Load16U: 2,
	ir.OpcodeI64Load32S: 4, ir.OpcodeI64Load32U: 4,
	ir.OpcodeI32Store: 4, ir.OpcodeI64Store: 8, ir.OpcodeF32Store: 4, ir.OpcodeF64Store: 8,
	ir.OpcodeI32Store8: 1, ir.OpcodeI32Store16: 2,
	ir.OpcodeI64Store8: 1, ir.OpcodeI64Store16: 2, ir.OpcodeI64Store32: 4,
}

// callContext is the per-entry execution state: the guest call stack for
// trap reporting and the recursion depth guard.
type callContext struct {
	interp *Interpreter
	frames runtime.CallStack
}

func (vm *callContext) trap(typ *runtime.ExceptionTypeInstance) *runtime.Exception {
	stack := make(runtime.CallStack, len(vm.frames))
	copy(stack, vm.frames)
	return runtime.NewTrap(typ, stack)
}

func (vm *callContext) callFunction(f *runtime.FunctionInstance, args []uint64) ([]uint64, error) {
	if len(vm.frames) >= callStackCeiling {
		return nil, vm.trap(runtime.TrapStackOverflow)
	}
	vm.frames = append(vm.frames, runtime.StackFrame{Function: f})
	defer func() { vm.frames = vm.frames[:len(vm.frames)-1] }()

	if host := f.HostFunc(); host != nil {
		return vm.callHostFunction(f, host, args)
	}
	compiled, ok := vm.interp.lookup(f)
	if !ok {
		return nil, fmt.Errorf("function %q is not compiled", f.DebugName())
	}
	return vm.exec(f, compiled, args)
}

func (vm *callContext) callHostFunction(f *runtime.FunctionInstance, host runtime.HostFunc, args []uint64) ([]uint64, error) {
	params := f.Type().Params()
	typedArgs := make([]runtime.Value, len(args))
	for i, bits := range args {
		typedArgs[i] = runtime.Value{Type: params.At(i), Bits: bits}
	}
	results, excep := host(typedArgs)
	if excep != nil {
		if excep.Stack == nil {
			excep.Stack = append(runtime.CallStack(nil), vm.frames...)
		}
		return nil, excep
	}
	raw := make([]uint64, len(results))
	for i, v := range results {
		raw[i] = v.Bits
	}
	return raw, nil
}

// label is one entry of the control stack during execution.
type label struct {
	block  *block // nil for the function-level label
	height int    // operand stack height below the block's parameters
}

func (vm *callContext) exec(f *runtime.FunctionInstance, compiled *compiledFunction, args []uint64) (_ []uint64, err error) {
	body := compiled.body
	mi := f.Module()

	locals := make([]uint64, len(args)+len(compiled.localTypes))
	copy(locals, args)

	var stack []uint64
	push := func(v uint64) { stack = append(stack, v) }
	pop := func() uint64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	pushBool := func(b bool) {
		if b {
			push(1)
		} else {
			push(0)
		}
	}

	labels := []label{{block: nil, height: 0}}

	resultArity := compiled.signature.Results().Len()
	pc := uint64(0)

	// branch transfers control to the label depth levels up, carrying the
	// label's arity of values.
	branch := func(depth int) {
		target := labels[len(labels)-1-depth]
		if target.block == nil {
			// Branch out of the function body.
			pc = uint64(len(body))
			labels = labels[:1]
			return
		}
		keep := target.block.resultArity
		if target.block.isLoop {
			keep = target.block.paramArity
		}
		kept := append([]uint64(nil), stack[len(stack)-keep:]...)
		stack = append(stack[:target.height], kept...)
		labels = labels[:len(labels)-1-depth]
		if target.block.isLoop {
			pc = target.block.startAt
		} else {
			pc = target.block.endAt + 1
		}
	}

	for pc < uint64(len(body)) {
		vm.frames[len(vm.frames)-1].IP = pc
		op := ir.Opcode(body[pc])
		opPC := pc
		pc++
		switch op {
		case ir.OpcodeUnreachable:
			return nil, vm.trap(runtime.TrapUnreachable)
		case ir.OpcodeNop:
		case ir.OpcodeBlock, ir.OpcodeLoop:
			_, n, _ := decodeS33(body[pc:])
			pc += n
			b := compiled.blocks[opPC]
			labels = append(labels, label{block: b, height: len(stack) - b.paramArity})
		case ir.OpcodeIf:
			_, n, _ := decodeS33(body[pc:])
			pc += n
			b := compiled.blocks[opPC]
			cond := pop()
			if cond != 0 {
				labels = append(labels, label{block: b, height: len(stack) - b.paramArity})
			} else if b.elseAt != 0 {
				labels = append(labels, label{block: b, height: len(stack) - b.paramArity})
				pc = b.elseAt + 1
			} else {
				// No else: an if without one must have matching parameter
				// and result types, so the operands already on the stack are
				// the results.
				pc = b.endAt + 1
			}
		case ir.OpcodeElse:
			// Falling into else from the then branch: skip to end.
			top := labels[len(labels)-1]
			pc = top.block.endAt
		case ir.OpcodeEnd:
			labels = labels[:len(labels)-1]
		case ir.OpcodeBr:
			depth, n, _ := decodeU32(body[pc:])
			pc += n
			branch(int(depth))
		case ir.OpcodeBrIf:
			depth, n, _ := decodeU32(body[pc:])
			pc += n
			if pop() != 0 {
				branch(int(depth))
			}
		case ir.OpcodeBrTable:
			count, n, _ := decodeU32(body[pc:])
			pc += n
			targets := make([]uint32, count)
			for i := range targets {
				targets[i], n, _ = decodeU32(body[pc:])
				pc += n
			}
			defaultDepth, n, _ := decodeU32(body[pc:])
			pc += n
			index := uint32(pop())
			if index < count {
				branch(int(targets[index]))
			} else {
				branch(int(defaultDepth))
			}
		case ir.OpcodeReturn:
			results := append([]uint64(nil), stack[len(stack)-resultArity:]...)
			return results, nil
		case ir.OpcodeCall:
			index, n, _ := decodeU32(body[pc:])
			pc += n
			if err := vm.invoke(mi.Function(index), &stack); err != nil {
				return nil, err
			}
		case ir.OpcodeCallIndirect:
			typeIndex, n, _ := decodeU32(body[pc:])
			pc += n + 1 // skip the reserved table index byte
			elemIndex := uint32(pop())
			table := mi.Table(0)
			elem, trapErr := table.Get(uint64(elemIndex))
			if trapErr != nil {
				return nil, vm.trap(runtime.TrapOutOfBoundsTableAccess)
			}
			if elem.IsNull() {
				return nil, vm.trap(runtime.TrapUndefinedTableElement)
			}
			callee := elem.AsFunc()
			if callee == nil {
				return nil, vm.trap(runtime.TrapUndefinedTableElement)
			}
			expected := mi.Types()[typeIndex]
			if callee.TypeEncoding() != expected.Encoding() {
				return nil, vm.trap(runtime.TrapIndirectCallMismatch)
			}
			if err := vm.invoke(callee, &stack); err != nil {
				return nil, err
			}
		case ir.OpcodeDrop:
			pop()
		case ir.OpcodeSelect:
			cond := pop()
			v2, v1 := pop(), pop()
			if cond != 0 {
				push(v1)
			} else {
				push(v2)
			}
		case ir.OpcodeLocalGet:
			index, n, _ := decodeU32(body[pc:])
			pc += n
			push(locals[index])
		case ir.OpcodeLocalSet:
			index, n, _ := decodeU32(body[pc:])
			pc += n
			locals[index] = pop()
		case ir.OpcodeLocalTee:
			index, n, _ := decodeU32(body[pc:])
			pc += n
			locals[index] = stack[len(stack)-1]
		case ir.OpcodeGlobalGet:
			index, n, _ := decodeU32(body[pc:])
			pc += n
			push(mi.Global(index).Get().Bits)
		case ir.OpcodeGlobalSet:
			index, n, _ := decodeU32(body[pc:])
			pc += n
			mi.Global(index).SetBits(pop())
		case ir.OpcodeMemorySize:
			pc++ // reserved byte
			push(uint64(uint32(mi.Memory(0).Size())))
		case ir.OpcodeMemoryGrow:
			pc++ // reserved byte
			delta := uint32(pop())
			previous, ok := mi.Memory(0).Grow(uint64(delta))
			if ok {
				push(uint64(uint32(previous)))
			} else {
				push(uint64(uint32(0xffffffff)))
			}
		case ir.OpcodeI32Const:
			v, n, err := decodeS32(body[pc:])
			if err != nil {
				return nil, err
			}
			pc += n
			push(uint64(uint32(v)))
		case ir.OpcodeI64Const:
			v, n, err := decodeS64(body[pc:])
			if err != nil {
				return nil, err
			}
			pc += n
			push(uint64(v))
		case ir.OpcodeF32Const:
			push(uint64(binary.LittleEndian.Uint32(body[pc:])))
			pc += 4
		case ir.OpcodeF64Const:
			push(binary.LittleEndian.Uint64(body[pc:]))
			pc += 8
		default:
			if width, ok := memoryAccessOps[op]; ok {
				_, n, _ := decodeU32(body[pc:]) // alignment hint
				pc += n
				offset, n, _ := decodeU32(body[pc:])
				pc += n
				if err := vm.memoryAccess(mi.Memory(0), op, width, uint64(offset), &stack); err != nil {
					return nil, err
				}
				break
			}
			if err := vm.numericOp(op, pop, push, pushBool); err != nil {
				return nil, err
			}
		}
	}

	results := append([]uint64(nil), stack[len(stack)-resultArity:]...)
	return results, nil
}

// invoke pops the callee's arguments from the operand stack, calls it, and
// pushes its results.
func (vm *callContext) invoke(callee *runtime.FunctionInstance, stack *[]uint64) error {
	paramCount := callee.Type().Params().Len()
	s := *stack
	args := append([]uint64(nil), s[len(s)-paramCount:]...)
	*stack = s[:len(s)-paramCount]
	results, err := vm.callFunction(callee, args)
	if err != nil {
		return err
	}
	*stack = append(*stack, results...)
	return nil
}

func (vm *callContext) memoryAccess(mem *runtime.MemoryInstance, op ir.Opcode, width, offset uint64, stack *[]uint64) error {
	s := *stack
	isStore := op >= ir.OpcodeI32Store && op <= ir.OpcodeI64Store32
	var value uint64
	if isStore {
		value = s[len(s)-1]
		s = s[:len(s)-1]
	}
	base := uint64(uint32(s[len(s)-1]))
	s = s[:len(s)-1]

	buf := mem.Bytes()
	addr := base + offset
	if addr+width < addr || addr+width > uint64(len(buf)) {
		*stack = s
		return vm.trap(runtime.TrapOutOfBoundsMemoryAccess)
	}

	if isStore {
		switch op {
		case ir.OpcodeI32Store, ir.OpcodeF32Store:
			binary.LittleEndian.PutUint32(buf[addr:], uint32(value))
		case ir.OpcodeI64Store, ir.OpcodeF64Store:
			binary.LittleEndian.PutUint64(buf[addr:], value)
		case ir.OpcodeI32Store8, ir.OpcodeI64Store8:
			buf[addr] = byte(value)
		case ir.OpcodeI32Store16, ir.OpcodeI64Store16:
			binary.LittleEndian.PutUint16(buf[addr:], uint16(value))
		case ir.OpcodeI64Store32:
			binary.LittleEndian.PutUint32(buf[addr:], uint32(value))
		}
		*stack = s
		return nil
	}

	var loaded uint64
	switch op {
	case ir.OpcodeI32Load, ir.OpcodeF32Load:
		loaded = uint64(binary.LittleEndian.Uint32(buf[addr:]))
	case ir.OpcodeI64Load, ir.OpcodeF64Load:
		loaded = binary.LittleEndian.Uint64(buf[addr:])
	case ir.OpcodeI32Load8S:
		loaded = uint64(uint32(int32(int8(buf[addr]))))
	case ir.OpcodeI32Load8U:
		loaded = uint64(buf[addr])
	case ir.OpcodeI32Load16S:
		loaded = uint64(uint32(int32(int16(binary.LittleEndian.Uint16(buf[addr:])))))
	case ir.OpcodeI32Load16U:
		loaded = uint64(binary.LittleEndian.Uint16(buf[addr:]))
	case ir.OpcodeI64Load8S:
		loaded = uint64(int64(int8(buf[addr])))
	case ir.OpcodeI64Load8U:
		loaded = uint64(buf[addr])
	case ir.OpcodeI64Load16S:
		loaded = uint64(int64(int16(binary.LittleEndian.Uint16(buf[addr:]))))
	case ir.OpcodeI64Load16U:
		loaded = uint64(binary.LittleEndian.Uint16(buf[addr:]))
	case ir.OpcodeI64Load32S:
		loaded = uint64(int64(int32(binary.LittleEndian.Uint32(buf[addr:]))))
	case ir.OpcodeI64Load32U:
		loaded = uint64(binary.LittleEndian.Uint32(buf[addr:]))
	}
	s = append(s, loaded)
	*stack = s
	return nil
}

func decodeS32(b []byte) (int32, uint64, error) {
	var ret int32
	var shift uint
	for i := 0; i < len(b) && i < 5; i++ {
		ret |= int32(b[i]&0x7f) << shift
		shift += 7
		if b[i]&0x80 == 0 {
			if shift < 32 && b[i]&0x40 != 0 {
				ret |= -1 << shift
			}
			return ret, uint64(i) + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated i32 immediate")
}

func decodeS64(b []byte) (int64, uint64, error) {
	var ret int64
	var shift uint
	for i := 0; i < len(b) && i < 10; i++ {
		ret |= int64(b[i]&0x7f) << shift
		shift += 7
		if b[i]&0x80 == 0 {
			if shift < 64 && b[i]&0x40 != 0 {
				ret |= -1 << shift
			}
			return ret, uint64(i) + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated i64 immediate")
}
