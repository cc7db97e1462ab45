package convert

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/jmorganca/safeconvert/fs/safetensors"
)

func halves(t *testing.T, b []byte) []float32 {
	t.Helper()
	require.Zero(t, len(b)%2)
	f32s := make([]float32, len(b)/2)
	for i := range f32s {
		f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	}
	return f32s
}

func storage(dtype DType, n int, put func(b []byte, i int)) *Storage {
	s := &Storage{Key: dtype.String(), DType: dtype, Len: n, Data: make([]byte, n*dtype.Size())}
	for i := 0; i < n; i++ {
		put(s.Data[i*dtype.Size():], i)
	}
	return s
}

func TestHalfDTypes(t *testing.T) {
	le := binary.LittleEndian
	cases := []struct {
		dtype DType
		put   func(b []byte, i int)
	}{
		{DTypeF64, func(b []byte, i int) { le.PutUint64(b, math.Float64bits(float64(i)-2)) }},
		{DTypeF32, func(b []byte, i int) { le.PutUint32(b, math.Float32bits(float32(i)-2)) }},
		{DTypeF16, func(b []byte, i int) { le.PutUint16(b, float16.Fromfloat32(float32(i)-2).Bits()) }},
		{DTypeBF16, func(b []byte, i int) { le.PutUint16(b, uint16(math.Float32bits(float32(i)-2)>>16)) }},
		{DTypeI64, func(b []byte, i int) { le.PutUint64(b, uint64(int64(i)-2)) }},
		{DTypeI32, func(b []byte, i int) { le.PutUint32(b, uint32(int32(i)-2)) }},
		{DTypeI16, func(b []byte, i int) { le.PutUint16(b, uint16(int16(i)-2)) }},
		{DTypeI8, func(b []byte, i int) { b[0] = byte(int8(i) - 2) }},
	}

	for _, tt := range cases {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			s := storage(tt.dtype, 4, tt.put)
			data, err := view(s, 0, 2, 2).Half()
			require.NoError(t, err)
			assert.Equal(t, []float32{-2, -1, 0, 1}, halves(t, data))
		})
	}
}

func TestHalfUnsigned(t *testing.T) {
	u8 := &Storage{DType: DTypeU8, Len: 3, Data: []byte{0, 7, 255}}
	data, err := view(u8, 0, 3).Half()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 7, 255}, halves(t, data))

	b := &Storage{DType: DTypeBool, Len: 3, Data: []byte{1, 0, 1}}
	data, err = view(b, 0, 3).Half()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 1}, halves(t, data))
}

func TestHalfOverflow(t *testing.T) {
	s := storage(DTypeF32, 3, func(b []byte, i int) {
		binary.LittleEndian.PutUint32(b, math.Float32bits([]float32{1e6, -1e6, 0.1}[i]))
	})

	data, err := view(s, 0, 3).Half()
	require.NoError(t, err)

	got := halves(t, data)
	assert.True(t, math.IsInf(float64(got[0]), 1))
	assert.True(t, math.IsInf(float64(got[1]), -1))
	assert.InDelta(t, 0.1, got[2], 1e-4)
}

func TestHalfStrided(t *testing.T) {
	// 2x3 storage, transposed view is 3x2 with strides (1, 3)
	s := storage(DTypeF32, 6, func(b []byte, i int) {
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(i)))
	})

	transposed := &Tensor{Storage: s, Shape: []int{3, 2}, Stride: []int{1, 3}}
	assert.False(t, transposed.IsContiguous())

	data, err := transposed.Half()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, halves(t, data))

	column := &Tensor{Storage: s, Offset: 1, Shape: []int{2}, Stride: []int{3}}
	data, err = column.Half()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4}, halves(t, data))

	scalar := &Tensor{Storage: s, Offset: 5}
	assert.True(t, scalar.IsContiguous())
	data, err = scalar.Half()
	require.NoError(t, err)
	assert.Equal(t, []float32{5}, halves(t, data))

	empty := &Tensor{Storage: s, Shape: []int{0, 3}, Stride: []int{3, 1}}
	data, err = empty.Half()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestHalfOutOfBounds(t *testing.T) {
	s := storage(DTypeF32, 4, func([]byte, int) {})
	_, err := view(s, 2, 4).Half()
	assert.ErrorIs(t, err, ErrOutOfBounds)

	truncated := &Storage{DType: DTypeF32, Len: 4, Data: make([]byte, 8)}
	_, err = view(truncated, 0, 4).Half()
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestHalfShapeOverflow(t *testing.T) {
	s := storage(DTypeF32, 1, func([]byte, int) {})
	for _, shape := range [][]int{{3, math.MaxInt / 2}, {math.MaxInt/2 + 1, 2}} {
		tt := &Tensor{Storage: s, Shape: shape, Stride: make([]int, len(shape))}
		_, err := tt.Half()
		assert.ErrorIs(t, err, safetensors.ErrShapeOverflow, "%v", shape)

		sd := NewStateDict()
		sd.Put("w", tt)
		_, err = Normalize(sd)
		assert.ErrorIs(t, err, safetensors.ErrShapeOverflow, "%v", shape)
	}
}

func TestNormalize(t *testing.T) {
	s := storage(DTypeF32, 6, func(b []byte, i int) {
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(i)))
	})

	sd := newTestStateDict(
		"a", view(s, 0, 2, 3),
		"b", &Tensor{Storage: s, Shape: []int{3, 2}, Stride: []int{1, 3}},
	)

	tensors, err := Normalize(sd)
	require.NoError(t, err)
	require.Len(t, tensors, 2)

	for name, tt := range tensors {
		assert.Equal(t, safetensors.F16, tt.DType, name)
		assert.Len(t, tt.Data, 2*tt.NumElements(), name)
	}

	assert.Equal(t, []int{2, 3}, tensors["a"].Shape)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, halves(t, tensors["b"].Data))

	sd.Put("bad", view(s, 5, 2))
	_, err = Normalize(sd)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.ErrorContains(t, err, "bad")
}
