// Package interp is a bytecode interpreter for compiled modules: it resolves
// every block's else and end positions at compile time and executes the
// function bodies' bytecode directly. It is the reference implementation of runtime.Engine; a
// machine-code generator can replace it without touching the core.
package interp

import (
	"fmt"
	"sync"

	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/runtime"
)

// callStackCeiling bounds recursion so runaway guest code surfaces as a
// stack overflow trap with enough host stack left to format the trace.
const callStackCeiling = 2048

// Interpreter implements runtime.Engine.
type Interpreter struct {
	mu       sync.Mutex
	compiled map[*runtime.FunctionInstance]*compiledFunction
}

var _ runtime.Engine = (*Interpreter)(nil)

// NewEngine returns an empty interpreter.
func NewEngine() *Interpreter {
	return &Interpreter{compiled: map[*runtime.FunctionInstance]*compiledFunction{}}
}

// compiledFunction is a function body with every block's else/end target
// resolved, so branches are O(1) at execution time.
type compiledFunction struct {
	signature  ir.FunctionType
	localTypes []ir.ValueType
	body       []byte
	blocks     map[uint64]*block
}

// block records the span of one block, loop or if instruction.
type block struct {
	startAt, elseAt, endAt uint64
	paramArity             int
	resultArity            int
	isLoop                 bool
}

// Compile resolves f's block structure. Host functions need no compilation
// and are accepted as-is.
func (it *Interpreter) Compile(f *runtime.FunctionInstance) error {
	if f.HostFunc() != nil {
		return nil
	}
	def := f.Def()
	if def == nil {
		return fmt.Errorf("function %q has neither a body nor a host implementation", f.DebugName())
	}
	blocks, err := scanBlocks(def.Body, f.Module().Types())
	if err != nil {
		return fmt.Errorf("scan %q: %w", f.DebugName(), err)
	}
	compiled := &compiledFunction{
		signature:  f.Type(),
		localTypes: def.LocalTypes,
		body:       def.Body,
		blocks:     blocks,
	}
	it.mu.Lock()
	it.compiled[f] = compiled
	it.mu.Unlock()
	return nil
}

func (it *Interpreter) lookup(f *runtime.FunctionInstance) (*compiledFunction, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	c, ok := it.compiled[f]
	return c, ok
}

// Call enters f with raw argument bits and returns raw result bits. Traps
// are returned as *runtime.Exception errors carrying the guest call stack.
func (it *Interpreter) Call(f *runtime.FunctionInstance, args ...uint64) ([]uint64, error) {
	vm := &callContext{interp: it}
	return vm.callFunction(f, args)
}

// scanBlocks walks a body once, pairing every block/loop/if with its else
// and end, and skipping immediates exactly as the executor will.
func scanBlocks(body []byte, types []ir.FunctionType) (map[uint64]*block, error) {
	blocks := map[uint64]*block{}
	var stack []*block
	pc := uint64(0)
	for pc < uint64(len(body)) {
		op := ir.Opcode(body[pc])
		opPC := pc
		pc++
		switch op {
		case ir.OpcodeBlock, ir.OpcodeLoop, ir.OpcodeIf:
			raw, n, err := decodeS33(body[pc:])
			if err != nil {
				return nil, err
			}
			pc += n
			b := &block{startAt: opPC, isLoop: op == ir.OpcodeLoop}
			if raw >= 0 {
				if raw >= int64(len(types)) {
					return nil, fmt.Errorf("block type index %d out of range", raw)
				}
				b.paramArity = types[raw].Params().Len()
				b.resultArity = types[raw].Results().Len()
			} else if byte(raw&0x7f) != 0x40 {
				b.resultArity = 1
			}
			blocks[opPC] = b
			stack = append(stack, b)
		case ir.OpcodeElse:
			if len(stack) == 0 {
				return nil, fmt.Errorf("else outside a block at %d", opPC)
			}
			stack[len(stack)-1].elseAt = opPC
		case ir.OpcodeEnd:
			if len(stack) > 0 {
				stack[len(stack)-1].endAt = opPC
				stack = stack[:len(stack)-1]
			}
		default:
			n, err := immediateWidth(op, body[pc:])
			if err != nil {
				return nil, fmt.Errorf("opcode %#x at %d: %w", byte(op), opPC, err)
			}
			pc += n
		}
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unterminated block")
	}
	return blocks, nil
}

// immediateWidth returns how many bytes of immediates follow op.
func immediateWidth(op ir.Opcode, rest []byte) (uint64, error) {
	switch op {
	case ir.OpcodeBr, ir.OpcodeBrIf, ir.OpcodeCall,
		ir.OpcodeLocalGet, ir.OpcodeLocalSet, ir.OpcodeLocalTee,
		ir.OpcodeGlobalGet, ir.OpcodeGlobalSet,
		ir.OpcodeI32Const:
		return varintWidth(rest)
	case ir.OpcodeI64Const:
		return varintWidth(rest)
	case ir.OpcodeBrTable:
		total := uint64(0)
		count, n, err := decodeU32(rest)
		if err != nil {
			return 0, err
		}
		total += n
		for i := uint64(0); i < uint64(count)+1; i++ {
			_, n, err := decodeU32(rest[total:])
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	case ir.OpcodeCallIndirect:
		n, err := varintWidth(rest)
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	case ir.OpcodeMemorySize, ir.OpcodeMemoryGrow:
		return 1, nil
	case ir.OpcodeF32Const:
		return 4, nil
	case ir.OpcodeF64Const:
		return 8, nil
	}
	if _, ok := memoryAccessOps[op]; ok {
		n1, err := varintWidth(rest)
		if err != nil {
			return 0, err
		}
		n2, err := varintWidth(rest[n1:])
		if err != nil {
			return 0, err
		}
		return n1 + n2, nil
	}
	return 0, nil
}

func varintWidth(b []byte) (uint64, error) {
	for i := 0; i < len(b) && i < 10; i++ {
		if b[i]&0x80 == 0 {
			return uint64(i) + 1, nil
		}
	}
	return 0, fmt.Errorf("truncated varint")
}

func decodeU32(b []byte) (uint32, uint64, error) {
	var ret uint32
	for i := 0; i < len(b) && i < 5; i++ {
		ret |= uint32(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return ret, uint64(i) + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated varint")
}

func decodeS33(b []byte) (int64, uint64, error) {
	var ret int64
	var shift uint
	for i := 0; i < len(b) && i < 5; i++ {
		ret |= int64(b[i]&0x7f) << shift
		shift += 7
		if b[i]&0x80 == 0 {
			if shift < 64 && b[i]&0x40 != 0 {
				ret |= -1 << shift
			}
			return ret, uint64(i) + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated block type")
}
