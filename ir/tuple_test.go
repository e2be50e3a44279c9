package ir

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTuple_Interning(t *testing.T) {
	t1 := Tuple(ValueTypeI32, ValueTypeI64)
	t2 := Tuple(ValueTypeI32, ValueTypeI64)
	t3 := Tuple(ValueTypeI64, ValueTypeI32)

	// Structural equality is handle identity.
	assert.Equal(t, t1, t2)
	assert.True(t, t1 == t2)
	assert.False(t, t1 == t3)
	assert.Equal(t, t1.Hash(), t2.Hash())

	assert.Equal(t, []ValueType{ValueTypeI32, ValueTypeI64}, t1.Elems())
	assert.Equal(t, 2, t1.Len())
	assert.Equal(t, ValueTypeI64, t1.At(1))
}

func TestTuple_Empty(t *testing.T) {
	empty := Tuple()
	assert.Equal(t, 0, empty.Len())
	assert.True(t, empty == Tuple())

	// The zero TypeTuple behaves as the empty tuple.
	var zero TypeTuple
	assert.Equal(t, 0, zero.Len())
	assert.Equal(t, empty.Hash(), zero.Hash())
}

func TestTuple_InterningIsIdempotent(t *testing.T) {
	first := Tuple(ValueTypeF32, ValueTypeF64, ValueTypeV128)
	for i := 0; i < 10; i++ {
		assert.True(t, first == Tuple(ValueTypeF32, ValueTypeF64, ValueTypeV128))
	}
}

// Two goroutines interning the same element sequence must both receive the
// canonical handle.
func TestTuple_ConcurrentInterning(t *testing.T) {
	const goroutines = 16
	elems := []ValueType{ValueTypeI32, ValueTypeI64, ValueTypeAnyref}

	var wg sync.WaitGroup
	results := make([]TypeTuple, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Tuple(elems...)
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.True(t, results[0] == results[i])
	}
}

func TestFunctionType_Interning(t *testing.T) {
	ft1 := NewFunctionType(Tuple(ValueTypeI32), Tuple(ValueTypeI64, ValueTypeI64))
	ft2 := NewFunctionType(Tuple(ValueTypeI32), Tuple(ValueTypeI64, ValueTypeI64))
	ft3 := NewFunctionType(Tuple(ValueTypeI64), Tuple(ValueTypeI64, ValueTypeI64))

	assert.True(t, ft1 == ft2)
	assert.False(t, ft1 == ft3)
	assert.Equal(t, ft1.Hash(), ft2.Hash())
	assert.Equal(t, Tuple(ValueTypeI32), ft1.Results())
	assert.Equal(t, Tuple(ValueTypeI64, ValueTypeI64), ft1.Params())
}

func TestFunctionType_Encoding(t *testing.T) {
	ft := NewFunctionType(Tuple(), Tuple(ValueTypeI32))
	enc := ft.Encoding()
	require.Equal(t, ft, DecodeFunctionType(enc))

	other := NewFunctionType(Tuple(), Tuple(ValueTypeI64))
	assert.NotEqual(t, enc, other.Encoding())
	// The encoding round-trips through identity, not structure.
	assert.True(t, enc == ft.Encoding())
}

func TestFunctionType_String(t *testing.T) {
	ft := NewFunctionType(Tuple(ValueTypeI32), Tuple(ValueTypeI64, ValueTypeF32))
	assert.Equal(t, "(i64, f32)->i32", ft.String())
	assert.Equal(t, "()->()", NewFunctionType(Tuple(), Tuple()).String())
	assert.Equal(t, "i32", Tuple(ValueTypeI32).String())
}
