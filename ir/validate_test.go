package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validModule() *Module {
	return &Module{FeatureSpec: DefaultFeatureSpec()}
}

func TestValidate_EmptyModule(t *testing.T) {
	m := validModule()
	require.NoError(t, Validate(m))
	// Validation is pure: a second run gives the same result.
	require.NoError(t, Validate(m))
}

func TestValidate_SimpleFunction(t *testing.T) {
	m := validModule()
	m.Types = []FunctionType{NewFunctionType(Tuple(ValueTypeI32), Tuple(ValueTypeI32, ValueTypeI32))}
	m.Functions = []FunctionDef{{
		TypeIndex: 0,
		Body: []byte{
			byte(OpcodeLocalGet), 0,
			byte(OpcodeLocalGet), 1,
			byte(OpcodeI32Add),
			byte(OpcodeEnd),
		},
	}}
	require.NoError(t, Validate(m))
}

func TestValidate_TypeIndexOutOfRange(t *testing.T) {
	m := validModule()
	m.Types = []FunctionType{NewFunctionType(Tuple(), Tuple())}
	m.Functions = []FunctionDef{{TypeIndex: 7, Body: []byte{byte(OpcodeEnd)}}}
	assert.Error(t, Validate(m))
}

func TestValidate_BodyTypeErrors(t *testing.T) {
	void := NewFunctionType(Tuple(), Tuple())
	for _, c := range []struct {
		name string
		body []byte
	}{
		{name: "stack underflow", body: []byte{byte(OpcodeDrop), byte(OpcodeEnd)}},
		{name: "unterminated", body: []byte{byte(OpcodeNop)}},
		{name: "leftover operand", body: []byte{byte(OpcodeI32Const), 1, byte(OpcodeEnd)}},
		{name: "unknown opcode", body: []byte{0xff, byte(OpcodeEnd)}},
		{name: "add operand type", body: []byte{
			byte(OpcodeI32Const), 1,
			byte(OpcodeI64Const), 1,
			byte(OpcodeI32Add),
			byte(OpcodeDrop),
			byte(OpcodeEnd),
		}},
		{name: "else without if", body: []byte{byte(OpcodeElse), byte(OpcodeEnd)}},
		{name: "branch depth", body: []byte{byte(OpcodeBr), 5, byte(OpcodeEnd)}},
	} {
		t.Run(c.name, func(t *testing.T) {
			m := validModule()
			m.Types = []FunctionType{void}
			m.Functions = []FunctionDef{{TypeIndex: 0, Body: c.body}}
			assert.Error(t, Validate(m))
		})
	}
}

func TestValidate_StructuredControl(t *testing.T) {
	void := NewFunctionType(Tuple(), Tuple())
	m := validModule()
	m.Types = []FunctionType{void}
	m.Functions = []FunctionDef{{TypeIndex: 0, Body: []byte{
		byte(OpcodeBlock), 0x40,
		byte(OpcodeI32Const), 0,
		byte(OpcodeIf), 0x7f, // if with i32 result
		byte(OpcodeI32Const), 1,
		byte(OpcodeElse),
		byte(OpcodeI32Const), 2,
		byte(OpcodeEnd),
		byte(OpcodeDrop),
		byte(OpcodeBr), 0,
		byte(OpcodeEnd),
		byte(OpcodeEnd),
	}}}
	require.NoError(t, Validate(m))
}

func TestValidate_DuplicateExport(t *testing.T) {
	m := validModule()
	m.Types = []FunctionType{NewFunctionType(Tuple(), Tuple())}
	m.Functions = []FunctionDef{{TypeIndex: 0, Body: []byte{byte(OpcodeEnd)}}}
	m.Exports = []Export{
		{Name: "f", Kind: ObjectKindFunction, Index: 0},
		{Name: "f", Kind: ObjectKindFunction, Index: 0},
	}
	err := Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate export")
}

func TestValidate_DuplicateImport(t *testing.T) {
	m := validModule()
	gt := GlobalType{ValueType: ValueTypeI32}
	m.Imports = []Import{
		{Module: "env", Name: "g", Kind: ObjectKindGlobal, GlobalType: gt},
		{Module: "env", Name: "g", Kind: ObjectKindGlobal, GlobalType: gt},
	}
	assert.Error(t, Validate(m))
}

func TestValidate_GlobalInitializers(t *testing.T) {
	t.Run("constant", func(t *testing.T) {
		m := validModule()
		m.Globals = []GlobalDef{{
			Type: GlobalType{ValueType: ValueTypeI32},
			Init: ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{7}},
		}}
		require.NoError(t, Validate(m))
	})
	t.Run("imported immutable global reference", func(t *testing.T) {
		m := validModule()
		m.Imports = []Import{{
			Module: "env", Name: "g", Kind: ObjectKindGlobal,
			GlobalType: GlobalType{ValueType: ValueTypeI32},
		}}
		m.Globals = []GlobalDef{{
			Type: GlobalType{ValueType: ValueTypeI32},
			Init: ConstantExpression{Opcode: OpcodeGlobalGet, Data: []byte{0}},
		}}
		require.NoError(t, Validate(m))
	})
	t.Run("mutable global reference rejected", func(t *testing.T) {
		m := validModule()
		m.Imports = []Import{{
			Module: "env", Name: "g", Kind: ObjectKindGlobal,
			GlobalType: GlobalType{ValueType: ValueTypeI32, IsMutable: true},
		}}
		m.Globals = []GlobalDef{{
			Type: GlobalType{ValueType: ValueTypeI32},
			Init: ConstantExpression{Opcode: OpcodeGlobalGet, Data: []byte{0}},
		}}
		assert.Error(t, Validate(m))
	})
	t.Run("defined global reference rejected", func(t *testing.T) {
		m := validModule()
		m.Globals = []GlobalDef{
			{
				Type: GlobalType{ValueType: ValueTypeI32},
				Init: ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{1}},
			},
			{
				Type: GlobalType{ValueType: ValueTypeI32},
				Init: ConstantExpression{Opcode: OpcodeGlobalGet, Data: []byte{0}},
			},
		}
		assert.Error(t, Validate(m))
	})
	t.Run("type mismatch", func(t *testing.T) {
		m := validModule()
		m.Globals = []GlobalDef{{
			Type: GlobalType{ValueType: ValueTypeI64},
			Init: ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{7}},
		}}
		assert.Error(t, Validate(m))
	})
}

func TestValidate_GlobalSetImmutable(t *testing.T) {
	m := validModule()
	m.Types = []FunctionType{NewFunctionType(Tuple(), Tuple())}
	m.Globals = []GlobalDef{{
		Type: GlobalType{ValueType: ValueTypeI32},
		Init: ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{0}},
	}}
	m.Functions = []FunctionDef{{TypeIndex: 0, Body: []byte{
		byte(OpcodeI32Const), 1,
		byte(OpcodeGlobalSet), 0,
		byte(OpcodeEnd),
	}}}
	err := Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestValidate_StartFunction(t *testing.T) {
	t.Run("non-empty signature", func(t *testing.T) {
		m := validModule()
		m.Types = []FunctionType{NewFunctionType(Tuple(ValueTypeI32), Tuple())}
		m.Functions = []FunctionDef{{TypeIndex: 0, Body: []byte{
			byte(OpcodeI32Const), 0, byte(OpcodeEnd),
		}}}
		start := uint32(0)
		m.Start = &start
		assert.Error(t, Validate(m))
	})
	t.Run("index out of range", func(t *testing.T) {
		m := validModule()
		start := uint32(3)
		m.Start = &start
		assert.Error(t, Validate(m))
	})
}

func TestValidate_FeatureCaps(t *testing.T) {
	t.Run("too many locals", func(t *testing.T) {
		m := validModule()
		m.FeatureSpec.MaxLocals = 2
		m.Types = []FunctionType{NewFunctionType(Tuple(), Tuple())}
		m.Functions = []FunctionDef{{
			TypeIndex:  0,
			LocalTypes: []ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32},
			Body:       []byte{byte(OpcodeEnd)},
		}}
		assert.Error(t, Validate(m))
	})
	t.Run("too many labels", func(t *testing.T) {
		m := validModule()
		m.FeatureSpec.MaxLabelsPerFunction = 1
		m.Types = []FunctionType{NewFunctionType(Tuple(), Tuple())}
		m.Functions = []FunctionDef{{TypeIndex: 0, Body: []byte{
			byte(OpcodeBlock), 0x40,
			byte(OpcodeBlock), 0x40,
			byte(OpcodeEnd),
			byte(OpcodeEnd),
			byte(OpcodeEnd),
		}}}
		assert.Error(t, Validate(m))
	})
}

func TestValidate_ElementSegments(t *testing.T) {
	m := validModule()
	m.Types = []FunctionType{NewFunctionType(Tuple(), Tuple())}
	m.Functions = []FunctionDef{{TypeIndex: 0, Body: []byte{byte(OpcodeEnd)}}}
	m.Tables = []TableType{{ElementType: ReferenceTypeAnyfunc, Size: SizeConstraints{Min: 1, Max: 1}}}
	m.Elements = []ElementSegment{{
		TableIndex: 0,
		Offset:     ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{0}},
		Indices:    []uint32{0},
	}}
	require.NoError(t, Validate(m))

	t.Run("function index out of range", func(t *testing.T) {
		m.Elements[0].Indices = []uint32{9}
		assert.Error(t, Validate(m))
		m.Elements[0].Indices = []uint32{0}
	})
	t.Run("offset type", func(t *testing.T) {
		m.Elements[0].Offset = ConstantExpression{Opcode: OpcodeI64Const, Data: []byte{0}}
		assert.Error(t, Validate(m))
	})
}

func TestTextFileLocus(t *testing.T) {
	locus := TextFileLocus{Newlines: 3, Tabs: 2, Characters: 5}
	assert.Equal(t, uint32(4), locus.LineNumber())
	assert.Equal(t, uint32(2*4+5+1), locus.Column(4))
	assert.Equal(t, uint32(2*8+5+1), locus.Column(8))
}
