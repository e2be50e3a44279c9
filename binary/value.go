package binary

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/leb128"
)

func decodeValueType(r *bytes.Reader) (ir.ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read value type: %w", err)
	}
	switch b {
	case 0x7f:
		return ir.ValueTypeI32, nil
	case 0x7e:
		return ir.ValueTypeI64, nil
	case 0x7d:
		return ir.ValueTypeF32, nil
	case 0x7c:
		return ir.ValueTypeF64, nil
	case 0x7b:
		return ir.ValueTypeV128, nil
	case 0x70:
		return ir.ValueTypeAnyfunc, nil
	case 0x6f:
		return ir.ValueTypeAnyref, nil
	}
	return 0, fmt.Errorf("%w: %#x is not a value type", ErrInvalidByte, b)
}

func decodeValueTypeVec(r *bytes.Reader) ([]ir.ValueType, error) {
	var types []ir.ValueType
	err := decodeVec(r, func() error {
		t, err := decodeValueType(r)
		if err != nil {
			return err
		}
		types = append(types, t)
		return nil
	})
	return types, err
}

func decodeFunctionType(r *bytes.Reader) (ir.FunctionType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return ir.FunctionType{}, fmt.Errorf("read leading byte: %w", err)
	}
	if b != 0x60 {
		return ir.FunctionType{}, fmt.Errorf("%w: %#x != 0x60", ErrInvalidByte, b)
	}
	params, err := decodeValueTypeVec(r)
	if err != nil {
		return ir.FunctionType{}, fmt.Errorf("read parameter types: %w", err)
	}
	results, err := decodeValueTypeVec(r)
	if err != nil {
		return ir.FunctionType{}, fmt.Errorf("read result types: %w", err)
	}
	return ir.NewFunctionType(ir.Tuple(results...), ir.Tuple(params...)), nil
}

func decodeName(r *bytes.Reader) (string, error) {
	size, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return "", fmt.Errorf("read name size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return "", fmt.Errorf("name size %d exceeds section size", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("name is not valid UTF-8")
	}
	return string(buf), nil
}

// decodeLimits reads the limits encoding shared by tables and memories.
func decodeLimits(r *bytes.Reader) (size ir.SizeConstraints, shared bool, err error) {
	flag, err := r.ReadByte()
	if err != nil {
		return size, false, fmt.Errorf("read limits flag: %w", err)
	}
	min, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return size, false, fmt.Errorf("read limits minimum: %w", err)
	}
	size.Min = uint64(min)
	switch flag {
	case 0x00:
		size.Max = ir.Unbounded
	case 0x01, 0x03:
		max, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return size, false, fmt.Errorf("read limits maximum: %w", err)
		}
		size.Max = uint64(max)
		shared = flag == 0x03
	default:
		return size, false, fmt.Errorf("%w: invalid limits flag %#x", ErrInvalidByte, flag)
	}
	return size, shared, nil
}

func decodeTableType(r *bytes.Reader) (ir.TableType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return ir.TableType{}, fmt.Errorf("read element type: %w", err)
	}
	var elem ir.ReferenceType
	switch b {
	case 0x70:
		elem = ir.ReferenceTypeAnyfunc
	case 0x6f:
		elem = ir.ReferenceTypeAnyref
	default:
		return ir.TableType{}, fmt.Errorf("%w: %#x is not an element type", ErrInvalidByte, b)
	}
	size, shared, err := decodeLimits(r)
	if err != nil {
		return ir.TableType{}, err
	}
	return ir.TableType{ElementType: elem, IsShared: shared, Size: size}, nil
}

func decodeMemoryType(r *bytes.Reader) (ir.MemoryType, error) {
	size, shared, err := decodeLimits(r)
	if err != nil {
		return ir.MemoryType{}, err
	}
	return ir.MemoryType{IsShared: shared, Size: size}, nil
}

func decodeGlobalType(r *bytes.Reader) (ir.GlobalType, error) {
	t, err := decodeValueType(r)
	if err != nil {
		return ir.GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return ir.GlobalType{}, fmt.Errorf("read mutability: %w", err)
	}
	if mut > 1 {
		return ir.GlobalType{}, fmt.Errorf("%w: invalid mutability %#x", ErrInvalidByte, mut)
	}
	return ir.GlobalType{ValueType: t, IsMutable: mut == 1}, nil
}

func decodeImport(r *bytes.Reader) (ir.Import, error) {
	module, err := decodeName(r)
	if err != nil {
		return ir.Import{}, fmt.Errorf("read import module: %w", err)
	}
	name, err := decodeName(r)
	if err != nil {
		return ir.Import{}, fmt.Errorf("read import name: %w", err)
	}
	kind, err := r.ReadByte()
	if err != nil {
		return ir.Import{}, fmt.Errorf("read import kind: %w", err)
	}
	imp := ir.Import{Module: module, Name: name}
	switch kind {
	case 0x00:
		imp.Kind = ir.ObjectKindFunction
		index, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return ir.Import{}, fmt.Errorf("read import type index: %w", err)
		}
		imp.FunctionTypeIndex = index
	case 0x01:
		imp.Kind = ir.ObjectKindTable
		if imp.TableType, err = decodeTableType(r); err != nil {
			return ir.Import{}, err
		}
	case 0x02:
		imp.Kind = ir.ObjectKindMemory
		if imp.MemoryType, err = decodeMemoryType(r); err != nil {
			return ir.Import{}, err
		}
	case 0x03:
		imp.Kind = ir.ObjectKindGlobal
		if imp.GlobalType, err = decodeGlobalType(r); err != nil {
			return ir.Import{}, err
		}
	default:
		return ir.Import{}, fmt.Errorf("%w: invalid import kind %#x", ErrInvalidByte, kind)
	}
	return imp, nil
}

func decodeExport(r *bytes.Reader) (ir.Export, error) {
	name, err := decodeName(r)
	if err != nil {
		return ir.Export{}, fmt.Errorf("read export name: %w", err)
	}
	kind, err := r.ReadByte()
	if err != nil {
		return ir.Export{}, fmt.Errorf("read export kind: %w", err)
	}
	var objectKind ir.ObjectKind
	switch kind {
	case 0x00:
		objectKind = ir.ObjectKindFunction
	case 0x01:
		objectKind = ir.ObjectKindTable
	case 0x02:
		objectKind = ir.ObjectKindMemory
	case 0x03:
		objectKind = ir.ObjectKindGlobal
	default:
		return ir.Export{}, fmt.Errorf("%w: invalid export kind %#x", ErrInvalidByte, kind)
	}
	index, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return ir.Export{}, fmt.Errorf("read export index: %w", err)
	}
	return ir.Export{Name: name, Kind: objectKind, Index: index}, nil
}

func decodeConstantExpression(r *bytes.Reader) (ir.ConstantExpression, error) {
	b, err := r.ReadByte()
	if err != nil {
		return ir.ConstantExpression{}, fmt.Errorf("read opcode: %w", err)
	}
	opcode := ir.Opcode(b)

	start := int64(r.Size()) - int64(r.Len())
	switch opcode {
	case ir.OpcodeI32Const:
		_, _, err = leb128.DecodeInt32(r)
	case ir.OpcodeI64Const:
		_, _, err = leb128.DecodeInt64(r)
	case ir.OpcodeF32Const:
		var buf [4]byte
		_, err = io.ReadFull(r, buf[:])
	case ir.OpcodeF64Const:
		var buf [8]byte
		_, err = io.ReadFull(r, buf[:])
	case ir.OpcodeGlobalGet:
		_, _, err = leb128.DecodeUint32(r)
	case ir.OpcodeRefNull:
		// no immediate
	default:
		return ir.ConstantExpression{}, fmt.Errorf("%w: %#x is not a constant opcode", ErrInvalidByte, b)
	}
	if err != nil {
		return ir.ConstantExpression{}, fmt.Errorf("read constant immediate: %w", err)
	}
	end := int64(r.Size()) - int64(r.Len())

	data := make([]byte, end-start)
	if _, err := r.ReadAt(data, start); err != nil {
		return ir.ConstantExpression{}, err
	}

	b, err = r.ReadByte()
	if err != nil {
		return ir.ConstantExpression{}, fmt.Errorf("look for end opcode: %w", err)
	}
	if ir.Opcode(b) != ir.OpcodeEnd {
		return ir.ConstantExpression{}, fmt.Errorf("constant expression is not terminated")
	}
	return ir.ConstantExpression{Opcode: opcode, Data: data}, nil
}

func decodeElementSegment(r *bytes.Reader) (ir.ElementSegment, error) {
	tableIndex, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return ir.ElementSegment{}, fmt.Errorf("read table index: %w", err)
	}
	offset, err := decodeConstantExpression(r)
	if err != nil {
		return ir.ElementSegment{}, err
	}
	seg := ir.ElementSegment{TableIndex: tableIndex, Offset: offset}
	err = decodeVec(r, func() error {
		index, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		seg.Indices = append(seg.Indices, index)
		return nil
	})
	if err != nil {
		return ir.ElementSegment{}, fmt.Errorf("read element indices: %w", err)
	}
	return seg, nil
}

func decodeDataSegment(r *bytes.Reader) (ir.DataSegment, error) {
	memoryIndex, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return ir.DataSegment{}, fmt.Errorf("read memory index: %w", err)
	}
	offset, err := decodeConstantExpression(r)
	if err != nil {
		return ir.DataSegment{}, err
	}
	size, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return ir.DataSegment{}, fmt.Errorf("read data size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return ir.DataSegment{}, fmt.Errorf("data size %d exceeds section size", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return ir.DataSegment{}, err
	}
	return ir.DataSegment{MemoryIndex: memoryIndex, Offset: offset, Bytes: data}, nil
}
