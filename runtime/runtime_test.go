package runtime_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternlabs/tern/interp"
	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/runtime"
)

func newCompartment() *runtime.Compartment {
	return runtime.NewCompartment(interp.NewEngine(), nil)
}

func compile(t *testing.T, m *ir.Module) *runtime.CompiledModule {
	t.Helper()
	if m.FeatureSpec == (ir.FeatureSpec{}) {
		m.FeatureSpec = ir.DefaultFeatureSpec()
	}
	compiled, err := runtime.CompileModule(m)
	require.NoError(t, err)
	return compiled
}

func instantiate(t *testing.T, c *runtime.Compartment, m *ir.Module) *runtime.ModuleInstance {
	t.Helper()
	compiled := compile(t, m)
	link := runtime.LinkModule(c, m, runtime.StubResolver{Compartment: c})
	require.True(t, link.Success())
	inst, err := runtime.InstantiateModule(c, compiled, link.ResolvedImports, t.Name())
	require.NoError(t, err)
	return inst
}

func TestInstantiate_EmptyModule(t *testing.T) {
	c := newCompartment()
	inst := instantiate(t, c, &ir.Module{})
	assert.Nil(t, runtime.GetInstanceExport(inst, "x"))
	assert.Nil(t, runtime.GetInstanceExport(nil, "x"))
}

func TestInstantiate_StubResolverWithTrappingStart(t *testing.T) {
	// The fuzz path: every import satisfied structurally, and a start
	// function that hits unreachable. The trap must be delivered exactly
	// once, the instance stays published, and the compartment stays usable.
	voidType := ir.NewFunctionType(ir.Tuple(), ir.Tuple())
	m := &ir.Module{
		FeatureSpec: ir.DefaultFeatureSpec(),
		Types:       []ir.FunctionType{voidType},
		Imports: []ir.Import{
			{Module: "env", Name: "f", Kind: ir.ObjectKindFunction, FunctionTypeIndex: 0},
			{Module: "env", Name: "mem", Kind: ir.ObjectKindMemory,
				MemoryType: ir.MemoryType{Size: ir.SizeConstraints{Min: 1, Max: ir.Unbounded}}},
			{Module: "env", Name: "tbl", Kind: ir.ObjectKindTable,
				TableType: ir.TableType{ElementType: ir.ReferenceTypeAnyfunc, Size: ir.SizeConstraints{Min: 1, Max: ir.Unbounded}}},
			{Module: "env", Name: "g", Kind: ir.ObjectKindGlobal,
				GlobalType: ir.GlobalType{ValueType: ir.ValueTypeI64}},
		},
		Functions: []ir.FunctionDef{{TypeIndex: 0, Body: []byte{
			byte(ir.OpcodeUnreachable), byte(ir.OpcodeEnd),
		}}},
	}
	start := uint32(1) // the defined function, after the one import
	m.Start = &start

	c := newCompartment()
	compiled := compile(t, m)
	link := runtime.LinkModule(c, m, runtime.StubResolver{Compartment: c})
	require.True(t, link.Success())
	require.Len(t, link.ResolvedImports, 4)

	var delivered int
	var caught *runtime.Exception
	err := runtime.CatchRuntimeExceptions(func() error {
		_, err := runtime.InstantiateModule(c, compiled, link.ResolvedImports, "fuzz")
		return err
	}, func(e *runtime.Exception) {
		delivered++
		caught = e
	})
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.NotNil(t, caught)
	assert.Same(t, runtime.TrapUnreachable, caught.TypeInstance)
	assert.True(t, caught.IsTrap())

	// The compartment remains usable after the trap.
	inst2 := instantiate(t, c, &ir.Module{})
	assert.NotNil(t, inst2)
	c.CollectGarbage()
}

func TestInstantiate_ElementSegmentOutOfBounds(t *testing.T) {
	m := &ir.Module{
		FeatureSpec: ir.DefaultFeatureSpec(),
		Types:       []ir.FunctionType{ir.NewFunctionType(ir.Tuple(), ir.Tuple())},
		Functions:   []ir.FunctionDef{{TypeIndex: 0, Body: []byte{byte(ir.OpcodeEnd)}}},
		Tables: []ir.TableType{{
			ElementType: ir.ReferenceTypeAnyfunc,
			Size:        ir.SizeConstraints{Min: 1, Max: 1},
		}},
		Elements: []ir.ElementSegment{{
			TableIndex: 0,
			Offset:     ir.ConstantExpression{Opcode: ir.OpcodeI32Const, Data: []byte{2}},
			Indices:    []uint32{0},
		}},
	}

	c := newCompartment()
	compiled := compile(t, m)
	before := c.LiveObjectCount()

	_, err := runtime.InstantiateModule(c, compiled, nil, "oob")
	require.Error(t, err)
	var instErr *runtime.InstantiationError
	require.ErrorAs(t, err, &instErr)

	// Rollback completeness: the table allocated before the segment check is
	// gone and the compartment is exactly as it was.
	assert.Equal(t, before, c.LiveObjectCount())
}

func TestInstantiate_SegmentOffsetOverflow(t *testing.T) {
	// offset + length overflowing must fail cleanly, not panic.
	m := &ir.Module{
		FeatureSpec: ir.DefaultFeatureSpec(),
		Memories:    []ir.MemoryType{{Size: ir.SizeConstraints{Min: 1, Max: 1}}},
		Data: []ir.DataSegment{{
			MemoryIndex: 0,
			// i32.const -1, interpreted as offset 0xffffffff
			Offset: ir.ConstantExpression{Opcode: ir.OpcodeI32Const, Data: []byte{0x7f}},
			Bytes:  []byte{1, 2, 3},
		}},
	}
	c := newCompartment()
	compiled := compile(t, m)
	before := c.LiveObjectCount()
	_, err := runtime.InstantiateModule(c, compiled, nil, "overflow")
	var instErr *runtime.InstantiationError
	require.ErrorAs(t, err, &instErr)
	assert.Equal(t, before, c.LiveObjectCount())
}

func TestInstantiate_CrossImportGlobalInitializer(t *testing.T) {
	// Module imports immutable global g = 7 and defines h initialized from
	// it. Constant expressions cannot add, so the +1 happens in an exported
	// function reading h.
	i32Result := ir.NewFunctionType(ir.Tuple(ir.ValueTypeI32), ir.Tuple())
	m := &ir.Module{
		FeatureSpec: ir.DefaultFeatureSpec(),
		Types:       []ir.FunctionType{i32Result},
		Imports: []ir.Import{{
			Module: "env", Name: "g", Kind: ir.ObjectKindGlobal,
			GlobalType: ir.GlobalType{ValueType: ir.ValueTypeI32},
		}},
		Globals: []ir.GlobalDef{{
			Type: ir.GlobalType{ValueType: ir.ValueTypeI32},
			Init: ir.ConstantExpression{Opcode: ir.OpcodeGlobalGet, Data: []byte{0}},
		}},
		Functions: []ir.FunctionDef{{TypeIndex: 0, Body: []byte{
			byte(ir.OpcodeGlobalGet), 1,
			byte(ir.OpcodeI32Const), 1,
			byte(ir.OpcodeI32Add),
			byte(ir.OpcodeEnd),
		}}},
		Exports: []ir.Export{
			{Name: "h", Kind: ir.ObjectKindGlobal, Index: 1},
			{Name: "succ", Kind: ir.ObjectKindFunction, Index: 0},
		},
	}

	c := newCompartment()
	g, err := runtime.NewGlobal(c, ir.GlobalType{ValueType: ir.ValueTypeI32}, runtime.I32Value(7))
	require.NoError(t, err)

	compiled := compile(t, m)
	inst, err := runtime.InstantiateModule(c, compiled, []runtime.Object{g}, "globals")
	require.NoError(t, err)

	h := runtime.AsGlobal(inst.Export("h"))
	require.NotNil(t, h)
	assert.Equal(t, int32(7), h.Get().I32())

	succ := runtime.AsFunction(inst.Export("succ"))
	require.NotNil(t, succ)
	results, err := succ.Invoke()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int32(8), results[0].I32())
}

func TestLink_TypeMatching(t *testing.T) {
	c := newCompartment()
	mutable, err := runtime.NewGlobal(c, ir.GlobalType{ValueType: ir.ValueTypeI32, IsMutable: true}, runtime.I32Value(0))
	require.NoError(t, err)
	immutable, err := runtime.NewGlobal(c, ir.GlobalType{ValueType: ir.ValueTypeI32}, runtime.I32Value(0))
	require.NoError(t, err)

	moduleImportingGlobal := func(gt ir.GlobalType) *ir.Module {
		return &ir.Module{
			FeatureSpec: ir.DefaultFeatureSpec(),
			Imports: []ir.Import{{
				Module: "env", Name: "g", Kind: ir.ObjectKindGlobal, GlobalType: gt,
			}},
		}
	}
	fixed := func(obj runtime.Object) runtime.Resolver {
		return runtime.ResolverFunc(func(string, string, ir.ObjectType) (runtime.Object, error) {
			return obj, nil
		})
	}

	t.Run("mutable request rejects immutable global", func(t *testing.T) {
		result := runtime.LinkModule(c, moduleImportingGlobal(ir.GlobalType{ValueType: ir.ValueTypeI32, IsMutable: true}), fixed(immutable))
		require.False(t, result.Success())
		assert.Equal(t, runtime.LinkCauseTypeMismatch, result.MissingImports[0].Cause)
	})
	t.Run("immutable request rejects mutable global", func(t *testing.T) {
		result := runtime.LinkModule(c, moduleImportingGlobal(ir.GlobalType{ValueType: ir.ValueTypeI32}), fixed(mutable))
		require.False(t, result.Success())
		assert.Equal(t, runtime.LinkCauseTypeMismatch, result.MissingImports[0].Cause)
	})
	t.Run("exact mutability matches", func(t *testing.T) {
		result := runtime.LinkModule(c, moduleImportingGlobal(ir.GlobalType{ValueType: ir.ValueTypeI32, IsMutable: true}), fixed(mutable))
		assert.True(t, result.Success())
	})
	t.Run("missing import", func(t *testing.T) {
		result := runtime.LinkModule(c, moduleImportingGlobal(ir.GlobalType{ValueType: ir.ValueTypeI32}),
			runtime.ResolverFunc(func(string, string, ir.ObjectType) (runtime.Object, error) {
				return nil, nil
			}))
		require.False(t, result.Success())
		assert.Equal(t, runtime.LinkCauseMissing, result.MissingImports[0].Cause)
		assert.Error(t, result.Err())
	})
	t.Run("compartment mismatch", func(t *testing.T) {
		other := newCompartment()
		foreign, err := runtime.NewGlobal(other, ir.GlobalType{ValueType: ir.ValueTypeI32}, runtime.I32Value(0))
		require.NoError(t, err)
		result := runtime.LinkModule(c, moduleImportingGlobal(ir.GlobalType{ValueType: ir.ValueTypeI32}), fixed(foreign))
		require.False(t, result.Success())
		assert.Equal(t, runtime.LinkCauseCompartmentMismatch, result.MissingImports[0].Cause)
	})
}

func TestLink_MemorySizeConstraints(t *testing.T) {
	c := newCompartment()
	mem, err := runtime.NewMemory(c, ir.MemoryType{Size: ir.SizeConstraints{Min: 2, Max: 4}})
	require.NoError(t, err)

	moduleImportingMemory := func(size ir.SizeConstraints) *ir.Module {
		return &ir.Module{
			FeatureSpec: ir.DefaultFeatureSpec(),
			Imports: []ir.Import{{
				Module: "env", Name: "m", Kind: ir.ObjectKindMemory,
				MemoryType: ir.MemoryType{Size: size},
			}},
		}
	}
	fixed := runtime.ResolverFunc(func(string, string, ir.ObjectType) (runtime.Object, error) {
		return mem, nil
	})

	// {0, unbounded} accepts any size.
	assert.True(t, runtime.LinkModule(c, moduleImportingMemory(ir.SizeConstraints{Min: 0, Max: ir.Unbounded}), fixed).Success())
	// Subset rule: the memory's range must fit the request.
	assert.True(t, runtime.LinkModule(c, moduleImportingMemory(ir.SizeConstraints{Min: 1, Max: 8}), fixed).Success())
	assert.False(t, runtime.LinkModule(c, moduleImportingMemory(ir.SizeConstraints{Min: 3, Max: 8}), fixed).Success())
	assert.False(t, runtime.LinkModule(c, moduleImportingMemory(ir.SizeConstraints{Min: 0, Max: 3}), fixed).Success())
}

func TestMemory_Bounds(t *testing.T) {
	c := newCompartment()
	mem, err := runtime.NewMemory(c, ir.MemoryType{Size: ir.SizeConstraints{Min: 1, Max: 2}})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), mem.Size())
	assert.True(t, mem.Write(65532, []byte{1, 2, 3, 4}))
	buf := make([]byte, 4)
	assert.True(t, mem.Read(65532, buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	// One byte past the end fails without partial effects.
	assert.False(t, mem.Write(65533, []byte{1, 2, 3, 4}))
	assert.False(t, mem.Read(65536, make([]byte, 1)))

	prev, ok := mem.Grow(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), prev)
	assert.Equal(t, uint64(2), mem.Size())

	// Growth past max fails atomically.
	_, ok = mem.Grow(1)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), mem.Size())
}

func TestMemory_ConcurrentSharedGrowth(t *testing.T) {
	c := newCompartment()
	mem, err := runtime.NewMemory(c, ir.MemoryType{IsShared: true, Size: ir.SizeConstraints{Min: 1, Max: 16}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	observed := make([]uint64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prev, ok := mem.Grow(1)
			assert.True(t, ok)
			observed[i] = prev
		}(i)
	}
	wg.Wait()

	// Exactly one grower saw 1 and the other 2; the final size is 3.
	assert.ElementsMatch(t, []uint64{1, 2}, observed)
	assert.Equal(t, uint64(3), mem.Size())
}

func TestTable_ElementTypeEnforcement(t *testing.T) {
	c := newCompartment()
	table, err := runtime.NewTable(c, ir.TableType{
		ElementType: ir.ReferenceTypeAnyfunc,
		Size:        ir.SizeConstraints{Min: 2, Max: 2},
	})
	require.NoError(t, err)

	f := runtime.NewHostFunction(c, ir.NewFunctionType(ir.Tuple(), ir.Tuple()),
		ir.CallingConventionIntrinsic, "noop",
		func([]runtime.Value) ([]runtime.Value, *runtime.Exception) { return nil, nil })

	require.Nil(t, table.Set(0, runtime.FuncValue(f)))
	got, trap := table.Get(0)
	require.Nil(t, trap)
	assert.Same(t, f, got.AsFunc())

	// An anyref that is not a function is rejected.
	mem, err := runtime.NewMemory(c, ir.MemoryType{Size: ir.SizeConstraints{Min: 0, Max: 0}})
	require.NoError(t, err)
	trap = table.Set(1, runtime.RefValue(mem))
	require.NotNil(t, trap)
	assert.Same(t, runtime.TrapMismatchedReferenceType, trap.TypeInstance)

	// Nulls are always allowed; out of bounds traps.
	require.Nil(t, table.Set(1, runtime.NullValue()))
	trap = table.Set(2, runtime.NullValue())
	require.NotNil(t, trap)
	assert.Same(t, runtime.TrapOutOfBoundsTableAccess, trap.TypeInstance)

	// Objects from another compartment never enter the table.
	other := newCompartment()
	foreign := runtime.NewHostFunction(other, ir.NewFunctionType(ir.Tuple(), ir.Tuple()),
		ir.CallingConventionIntrinsic, "foreign",
		func([]runtime.Value) ([]runtime.Value, *runtime.Exception) { return nil, nil })
	trap = table.Set(1, runtime.FuncValue(foreign))
	require.NotNil(t, trap)
}

func TestGlobal_Mutability(t *testing.T) {
	c := newCompartment()
	g, err := runtime.NewGlobal(c, ir.GlobalType{ValueType: ir.ValueTypeI32}, runtime.I32Value(3))
	require.NoError(t, err)
	assert.Equal(t, int32(3), g.Get().I32())
	require.NotNil(t, g.Set(runtime.I32Value(4)))
	assert.Equal(t, int32(3), g.Get().I32())

	mg, err := runtime.NewGlobal(c, ir.GlobalType{ValueType: ir.ValueTypeI32, IsMutable: true}, runtime.I32Value(3))
	require.NoError(t, err)
	require.Nil(t, mg.Set(runtime.I32Value(4)))
	assert.Equal(t, int32(4), mg.Get().I32())
	require.NotNil(t, mg.Set(runtime.I64Value(4)))
}

func TestExceptionType_Identity(t *testing.T) {
	c := newCompartment()
	params := ir.ExceptionType{Params: ir.Tuple(ir.ValueTypeI32)}
	e1 := runtime.NewExceptionTypeInstance(c, params, "first")
	e2 := runtime.NewExceptionTypeInstance(c, params, "second")
	assert.NotSame(t, e1, e2)
	assert.Equal(t, e1.Type(), e2.Type())
}

func TestCollectGarbage_ReleasesUnreachable(t *testing.T) {
	c := newCompartment()
	inst := instantiate(t, c, &ir.Module{
		FeatureSpec: ir.DefaultFeatureSpec(),
		Types:       []ir.FunctionType{ir.NewFunctionType(ir.Tuple(), ir.Tuple())},
		Functions:   []ir.FunctionDef{{TypeIndex: 0, Body: []byte{byte(ir.OpcodeEnd)}}},
		Tables: []ir.TableType{{
			ElementType: ir.ReferenceTypeAnyfunc,
			Size:        ir.SizeConstraints{Min: 1, Max: 1},
		}},
		Elements: []ir.ElementSegment{{
			TableIndex: 0,
			Offset:     ir.ConstantExpression{Opcode: ir.OpcodeI32Const, Data: []byte{0}},
			Indices:    []uint32{0},
		}},
	})

	// The instance owns a cyclic graph: table -> function -> instance ->
	// table. While rooted, collection keeps all of it.
	require.True(t, c.Contains(inst))
	c.CollectGarbage()
	assert.True(t, c.Contains(inst))
	before := c.LiveObjectCount()
	require.Greater(t, before, 0)

	inst.Release()
	c.CollectGarbage()
	assert.False(t, c.Contains(inst))
	assert.Equal(t, 0, c.LiveObjectCount())
}

func TestCollectGarbage_RootedHandleSurvives(t *testing.T) {
	c := newCompartment()
	mem, err := runtime.NewMemory(c, ir.MemoryType{Size: ir.SizeConstraints{Min: 0, Max: 0}})
	require.NoError(t, err)

	c.CollectGarbage()
	require.True(t, c.Contains(mem))

	c.Release(mem)
	c.CollectGarbage()
	assert.False(t, c.Contains(mem))
}

func TestCatchRuntimeExceptions_PlatformException(t *testing.T) {
	c := newCompartment()
	et := runtime.NewExceptionTypeInstance(c, ir.ExceptionType{Params: ir.Tuple(ir.ValueTypeI32)}, "user")

	var delivered int
	err := runtime.CatchRuntimeExceptions(func() error {
		runtime.RaisePlatformException(&runtime.Exception{
			TypeInstance: et,
			Params:       []runtime.Value{runtime.I32Value(42)},
		})
		return nil
	}, func(e *runtime.Exception) {
		delivered++
		assert.Same(t, et, e.TypeInstance)
		assert.False(t, e.IsTrap())
		assert.Equal(t, int32(42), e.Params[0].I32())
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestCatchRuntimeExceptions_PlainErrorPassesThrough(t *testing.T) {
	sentinel := assert.AnError
	var delivered int
	err := runtime.CatchRuntimeExceptions(func() error {
		return sentinel
	}, func(*runtime.Exception) { delivered++ })
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 0, delivered)
}

func TestHostFunction_CancellationByException(t *testing.T) {
	// A host intrinsic cancels the guest call by returning an exception;
	// the guest's frames unwind and Invoke returns that exception.
	c := newCompartment()
	et := runtime.NewExceptionTypeInstance(c, ir.ExceptionType{}, "cancel")
	voidType := ir.NewFunctionType(ir.Tuple(), ir.Tuple())

	cancel := runtime.NewHostFunction(c, voidType, ir.CallingConventionIntrinsicWithContextSwitch,
		"cancel", func([]runtime.Value) ([]runtime.Value, *runtime.Exception) {
			return nil, &runtime.Exception{TypeInstance: et}
		})

	m := &ir.Module{
		FeatureSpec: ir.DefaultFeatureSpec(),
		Types:       []ir.FunctionType{voidType},
		Imports: []ir.Import{{
			Module: "env", Name: "cancel", Kind: ir.ObjectKindFunction, FunctionTypeIndex: 0,
		}},
		Functions: []ir.FunctionDef{{TypeIndex: 0, Body: []byte{
			byte(ir.OpcodeCall), 0,
			byte(ir.OpcodeEnd),
		}}},
		Exports: []ir.Export{{Name: "run", Kind: ir.ObjectKindFunction, Index: 1}},
	}
	compiled := compile(t, m)
	inst, err := runtime.InstantiateModule(c, compiled, []runtime.Object{cancel}, "cancellation")
	require.NoError(t, err)

	run := runtime.AsFunction(inst.Export("run"))
	_, err = run.Invoke()
	var excep *runtime.Exception
	require.ErrorAs(t, err, &excep)
	assert.Same(t, et, excep.TypeInstance)
}

func TestInvoke_ArgumentChecking(t *testing.T) {
	c := newCompartment()
	f := runtime.NewHostFunction(c,
		ir.NewFunctionType(ir.Tuple(), ir.Tuple(ir.ValueTypeI32)),
		ir.CallingConventionIntrinsic, "one",
		func([]runtime.Value) ([]runtime.Value, *runtime.Exception) { return nil, nil })

	_, err := f.Invoke()
	assert.Error(t, err)
	_, err = f.Invoke(runtime.I64Value(1))
	assert.Error(t, err)
	_, err = f.Invoke(runtime.I32Value(1))
	assert.NoError(t, err)
}
