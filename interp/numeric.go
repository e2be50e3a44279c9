package interp

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/runtime"
)

// numericOp executes the pure stack-to-stack instructions. Integer division
// traps on zero divisors and on the INT_MIN/-1 overflow; float-to-int
// truncation traps on NaN and out-of-range inputs.
func (vm *callContext) numericOp(op ir.Opcode, pop func() uint64, push func(uint64), pushBool func(bool)) error {
	switch op {
	case ir.OpcodeI32Eqz:
		pushBool(uint32(pop()) == 0)
	case ir.OpcodeI32Eq:
		v2, v1 := uint32(pop()), uint32(pop())
		pushBool(v1 == v2)
	case ir.OpcodeI32Ne:
		v2, v1 := uint32(pop()), uint32(pop())
		pushBool(v1 != v2)
	case ir.OpcodeI32LtS:
		v2, v1 := int32(pop()), int32(pop())
		pushBool(v1 < v2)
	case ir.OpcodeI32LtU:
		v2, v1 := uint32(pop()), uint32(pop())
		pushBool(v1 < v2)
	case ir.OpcodeI32GtS:
		v2, v1 := int32(pop()), int32(pop())
		pushBool(v1 > v2)
	case ir.OpcodeI32GtU:
		v2, v1 := uint32(pop()), uint32(pop())
		pushBool(v1 > v2)
	case ir.OpcodeI32LeS:
		v2, v1 := int32(pop()), int32(pop())
		pushBool(v1 <= v2)
	case ir.OpcodeI32LeU:
		v2, v1 := uint32(pop()), uint32(pop())
		pushBool(v1 <= v2)
	case ir.OpcodeI32GeS:
		v2, v1 := int32(pop()), int32(pop())
		pushBool(v1 >= v2)
	case ir.OpcodeI32GeU:
		v2, v1 := uint32(pop()), uint32(pop())
		pushBool(v1 >= v2)

	case ir.OpcodeI64Eqz:
		pushBool(pop() == 0)
	case ir.OpcodeI64Eq:
		v2, v1 := pop(), pop()
		pushBool(v1 == v2)
	case ir.OpcodeI64Ne:
		v2, v1 := pop(), pop()
		pushBool(v1 != v2)
	case ir.OpcodeI64LtS:
		v2, v1 := int64(pop()), int64(pop())
		pushBool(v1 < v2)
	case ir.OpcodeI64LtU:
		v2, v1 := pop(), pop()
		pushBool(v1 < v2)
	case ir.OpcodeI64GtS:
		v2, v1 := int64(pop()), int64(pop())
		pushBool(v1 > v2)
	case ir.OpcodeI64GtU:
		v2, v1 := pop(), pop()
		pushBool(v1 > v2)
	case ir.OpcodeI64LeS:
		v2, v1 := int64(pop()), int64(pop())
		pushBool(v1 <= v2)
	case ir.OpcodeI64LeU:
		v2, v1 := pop(), pop()
		pushBool(v1 <= v2)
	case ir.OpcodeI64GeS:
		v2, v1 := int64(pop()), int64(pop())
		pushBool(v1 >= v2)
	case ir.OpcodeI64GeU:
		v2, v1 := pop(), pop()
		pushBool(v1 >= v2)

	case ir.OpcodeF32Eq, ir.OpcodeF32Ne, ir.OpcodeF32Lt, ir.OpcodeF32Gt, ir.OpcodeF32Le, ir.OpcodeF32Ge:
		v2, v1 := math.Float32frombits(uint32(pop())), math.Float32frombits(uint32(pop()))
		pushBool(floatCompare32(op, v1, v2))
	case ir.OpcodeF64Eq, ir.OpcodeF64Ne, ir.OpcodeF64Lt, ir.OpcodeF64Gt, ir.OpcodeF64Le, ir.OpcodeF64Ge:
		v2, v1 := math.Float64frombits(pop()), math.Float64frombits(pop())
		pushBool(floatCompare64(op, v1, v2))

	case ir.OpcodeI32Clz:
		push(uint64(uint32(bits.LeadingZeros32(uint32(pop())))))
	case ir.OpcodeI32Ctz:
		push(uint64(uint32(bits.TrailingZeros32(uint32(pop())))))
	case ir.OpcodeI32Popcnt:
		push(uint64(uint32(bits.OnesCount32(uint32(pop())))))
	case ir.OpcodeI32Add:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 + v2))
	case ir.OpcodeI32Sub:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 - v2))
	case ir.OpcodeI32Mul:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 * v2))
	case ir.OpcodeI32DivS:
		v2, v1 := int32(pop()), int32(pop())
		if v2 == 0 || (v1 == math.MinInt32 && v2 == -1) {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		push(uint64(uint32(v1 / v2)))
	case ir.OpcodeI32DivU:
		v2, v1 := uint32(pop()), uint32(pop())
		if v2 == 0 {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		push(uint64(v1 / v2))
	case ir.OpcodeI32RemS:
		v2, v1 := int32(pop()), int32(pop())
		if v2 == 0 {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		if v1 == math.MinInt32 && v2 == -1 {
			push(0)
		} else {
			push(uint64(uint32(v1 % v2)))
		}
	case ir.OpcodeI32RemU:
		v2, v1 := uint32(pop()), uint32(pop())
		if v2 == 0 {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		push(uint64(v1 % v2))
	case ir.OpcodeI32And:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 & v2))
	case ir.OpcodeI32Or:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 | v2))
	case ir.OpcodeI32Xor:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 ^ v2))
	case ir.OpcodeI32Shl:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 << (v2 % 32)))
	case ir.OpcodeI32ShrS:
		v2, v1 := uint32(pop()), int32(pop())
		push(uint64(uint32(v1 >> (v2 % 32))))
	case ir.OpcodeI32ShrU:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(v1 >> (v2 % 32)))
	case ir.OpcodeI32Rotl:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(bits.RotateLeft32(v1, int(v2%32))))
	case ir.OpcodeI32Rotr:
		v2, v1 := uint32(pop()), uint32(pop())
		push(uint64(bits.RotateLeft32(v1, -int(v2%32))))

	case ir.OpcodeI64Clz:
		push(uint64(bits.LeadingZeros64(pop())))
	case ir.OpcodeI64Ctz:
		push(uint64(bits.TrailingZeros64(pop())))
	case ir.OpcodeI64Popcnt:
		push(uint64(bits.OnesCount64(pop())))
	case ir.OpcodeI64Add:
		v2, v1 := pop(), pop()
		push(v1 + v2)
	case ir.OpcodeI64Sub:
		v2, v1 := pop(), pop()
		push(v1 - v2)
	case ir.OpcodeI64Mul:
		v2, v1 := pop(), pop()
		push(v1 * v2)
	case ir.OpcodeI64DivS:
		v2, v1 := int64(pop()), int64(pop())
		if v2 == 0 || (v1 == math.MinInt64 && v2 == -1) {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		push(uint64(v1 / v2))
	case ir.OpcodeI64DivU:
		v2, v1 := pop(), pop()
		if v2 == 0 {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		push(v1 / v2)
	case ir.OpcodeI64RemS:
		v2, v1 := int64(pop()), int64(pop())
		if v2 == 0 {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		if v1 == math.MinInt64 && v2 == -1 {
			push(0)
		} else {
			push(uint64(v1 % v2))
		}
	case ir.OpcodeI64RemU:
		v2, v1 := pop(), pop()
		if v2 == 0 {
			return vm.trap(runtime.TrapIntegerDivideByZero)
		}
		push(v1 % v2)
	case ir.OpcodeI64And:
		v2, v1 := pop(), pop()
		push(v1 & v2)
	case ir.OpcodeI64Or:
		v2, v1 := pop(), pop()
		push(v1 | v2)
	case ir.OpcodeI64Xor:
		v2, v1 := pop(), pop()
		push(v1 ^ v2)
	case ir.OpcodeI64Shl:
		v2, v1 := pop(), pop()
		push(v1 << (v2 % 64))
	case ir.OpcodeI64ShrS:
		v2, v1 := pop(), int64(pop())
		push(uint64(v1 >> (v2 % 64)))
	case ir.OpcodeI64ShrU:
		v2, v1 := pop(), pop()
		push(v1 >> (v2 % 64))
	case ir.OpcodeI64Rotl:
		v2, v1 := pop(), pop()
		push(bits.RotateLeft64(v1, int(v2%64)))
	case ir.OpcodeI64Rotr:
		v2, v1 := pop(), pop()
		push(bits.RotateLeft64(v1, -int(v2%64)))

	case ir.OpcodeF32Abs, ir.OpcodeF32Neg, ir.OpcodeF32Ceil, ir.OpcodeF32Floor,
		ir.OpcodeF32Trunc, ir.OpcodeF32Nearest, ir.OpcodeF32Sqrt:
		v := math.Float32frombits(uint32(pop()))
		push(uint64(math.Float32bits(floatUnary32(op, v))))
	case ir.OpcodeF32Add, ir.OpcodeF32Sub, ir.OpcodeF32Mul, ir.OpcodeF32Div,
		ir.OpcodeF32Min, ir.OpcodeF32Max, ir.OpcodeF32Copysign:
		v2, v1 := math.Float32frombits(uint32(pop())), math.Float32frombits(uint32(pop()))
		push(uint64(math.Float32bits(floatBinary32(op, v1, v2))))
	case ir.OpcodeF64Abs, ir.OpcodeF64Neg, ir.OpcodeF64Ceil, ir.OpcodeF64Floor,
		ir.OpcodeF64Trunc, ir.OpcodeF64Nearest, ir.OpcodeF64Sqrt:
		v := math.Float64frombits(pop())
		push(math.Float64bits(floatUnary64(op, v)))
	case ir.OpcodeF64Add, ir.OpcodeF64Sub, ir.OpcodeF64Mul, ir.OpcodeF64Div,
		ir.OpcodeF64Min, ir.OpcodeF64Max, ir.OpcodeF64Copysign:
		v2, v1 := math.Float64frombits(pop()), math.Float64frombits(pop())
		push(math.Float64bits(floatBinary64(op, v1, v2)))

	case ir.OpcodeI32WrapI64:
		push(uint64(uint32(pop())))
	case ir.OpcodeI64ExtendI32S:
		push(uint64(int64(int32(pop()))))
	case ir.OpcodeI64ExtendI32U:
		push(uint64(uint32(pop())))

	case ir.OpcodeI32TruncF32S:
		v := float64(math.Float32frombits(uint32(pop())))
		if math.IsNaN(v) || v >= math.MaxInt32+1 || v < math.MinInt32 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(uint32(int32(v))))
	case ir.OpcodeI32TruncF32U:
		v := float64(math.Float32frombits(uint32(pop())))
		if math.IsNaN(v) || v >= math.MaxUint32+1 || v <= -1 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(uint32(v)))
	case ir.OpcodeI32TruncF64S:
		v := math.Float64frombits(pop())
		if math.IsNaN(v) || v >= math.MaxInt32+1 || v < math.MinInt32 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(uint32(int32(v))))
	case ir.OpcodeI32TruncF64U:
		v := math.Float64frombits(pop())
		if math.IsNaN(v) || v >= math.MaxUint32+1 || v <= -1 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(uint32(v)))
	case ir.OpcodeI64TruncF32S:
		v := float64(math.Float32frombits(uint32(pop())))
		if math.IsNaN(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(int64(v)))
	case ir.OpcodeI64TruncF32U:
		v := float64(math.Float32frombits(uint32(pop())))
		if math.IsNaN(v) || v >= math.MaxUint64 || v <= -1 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(v))
	case ir.OpcodeI64TruncF64S:
		v := math.Float64frombits(pop())
		if math.IsNaN(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(int64(v)))
	case ir.OpcodeI64TruncF64U:
		v := math.Float64frombits(pop())
		if math.IsNaN(v) || v >= math.MaxUint64 || v <= -1 {
			return vm.trap(runtime.TrapInvalidFloatOperation)
		}
		push(uint64(v))

	case ir.OpcodeF32ConvertI32S:
		push(uint64(math.Float32bits(float32(int32(pop())))))
	case ir.OpcodeF32ConvertI32U:
		push(uint64(math.Float32bits(float32(uint32(pop())))))
	case ir.OpcodeF32ConvertI64S:
		push(uint64(math.Float32bits(float32(int64(pop())))))
	case ir.OpcodeF32ConvertI64U:
		push(uint64(math.Float32bits(float32(pop()))))
	case ir.OpcodeF32DemoteF64:
		push(uint64(math.Float32bits(float32(math.Float64frombits(pop())))))
	case ir.OpcodeF64ConvertI32S:
		push(math.Float64bits(float64(int32(pop()))))
	case ir.OpcodeF64ConvertI32U:
		push(math.Float64bits(float64(uint32(pop()))))
	case ir.OpcodeF64ConvertI64S:
		push(math.Float64bits(float64(int64(pop()))))
	case ir.OpcodeF64ConvertI64U:
		push(math.Float64bits(float64(pop())))
	case ir.OpcodeF64PromoteF32:
		push(math.Float64bits(float64(math.Float32frombits(uint32(pop())))))

	case ir.OpcodeI32ReinterpretF32, ir.OpcodeI64ReinterpretF64,
		ir.OpcodeF32ReinterpretI32, ir.OpcodeF64ReinterpretI64:
		// Bit patterns are already the representation.

	default:
		return fmt.Errorf("unimplemented opcode %#x", byte(op))
	}
	return nil
}

func floatCompare32(op ir.Opcode, v1, v2 float32) bool {
	switch op {
	case ir.OpcodeF32Eq:
		return v1 == v2
	case ir.OpcodeF32Ne:
		return v1 != v2
	case ir.OpcodeF32Lt:
		return v1 < v2
	case ir.OpcodeF32Gt:
		return v1 > v2
	case ir.OpcodeF32Le:
		return v1 <= v2
	default:
		return v1 >= v2
	}
}

func floatCompare64(op ir.Opcode, v1, v2 float64) bool {
	switch op {
	case ir.OpcodeF64Eq:
		return v1 == v2
	case ir.OpcodeF64Ne:
		return v1 != v2
	case ir.OpcodeF64Lt:
		return v1 < v2
	case ir.OpcodeF64Gt:
		return v1 > v2
	case ir.OpcodeF64Le:
		return v1 <= v2
	default:
		return v1 >= v2
	}
}

func floatUnary32(op ir.Opcode, v float32) float32 {
	return float32(floatUnary64(op+(ir.OpcodeF64Abs-ir.OpcodeF32Abs), float64(v)))
}

func floatUnary64(op ir.Opcode, v float64) float64 {
	switch op {
	case ir.OpcodeF64Abs:
		return math.Abs(v)
	case ir.OpcodeF64Neg:
		return -v
	case ir.OpcodeF64Ceil:
		return math.Ceil(v)
	case ir.OpcodeF64Floor:
		return math.Floor(v)
	case ir.OpcodeF64Trunc:
		return math.Trunc(v)
	case ir.OpcodeF64Nearest:
		return math.RoundToEven(v)
	default:
		return math.Sqrt(v)
	}
}

func floatBinary32(op ir.Opcode, v1, v2 float32) float32 {
	return float32(floatBinary64(op+(ir.OpcodeF64Add-ir.OpcodeF32Add), float64(v1), float64(v2)))
}

func floatBinary64(op ir.Opcode, v1, v2 float64) float64 {
	switch op {
	case ir.OpcodeF64Add:
		return v1 + v2
	case ir.OpcodeF64Sub:
		return v1 - v2
	case ir.OpcodeF64Mul:
		return v1 * v2
	case ir.OpcodeF64Div:
		return v1 / v2
	case ir.OpcodeF64Min:
		return math.Min(v1, v2)
	case ir.OpcodeF64Max:
		return math.Max(v1, v2)
	default:
		return math.Copysign(v1, v2)
	}
}
