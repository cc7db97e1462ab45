package convert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/jmorganca/safeconvert/fs/safetensors"
	"github.com/jmorganca/safeconvert/logutil"
)

var ErrOutOfBounds = errors.New("tensor view exceeds its storage")

// Normalize converts every tensor in sd into a contiguous F16 tensor. Wider
// and integer types are narrowed; values outside the F16 range become
// infinities.
func Normalize(sd *StateDict) (map[string]safetensors.Tensor, error) {
	tensors := make(map[string]safetensors.Tensor, sd.Len())

	var err error
	sd.Each(func(name string, t *Tensor) {
		if err != nil {
			return
		}

		var data []byte
		data, err = t.Half()
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			return
		}

		logutil.Trace("normalized", "name", name, "tensor", t, "contiguous", t.IsContiguous())
		tensors[name] = safetensors.Tensor{
			DType: safetensors.F16,
			Shape: append([]int{}, t.Shape...),
			Data:  data,
		}
	})

	return tensors, err
}

// Half gathers the tensor's elements in row-major order and encodes them as
// little-endian F16.
func (t *Tensor) Half() ([]byte, error) {
	size, err := safetensors.Bytes(t.Shape, 2)
	if err != nil {
		return nil, err
	}

	n := size / 2
	out := make([]byte, size)
	if n == 0 {
		return out, nil
	}

	last := t.Offset
	for i := range t.Shape {
		last += (t.Shape[i] - 1) * t.Stride[i]
	}

	if last >= t.Storage.Len || len(t.Storage.Data) < t.Storage.Len*t.Storage.DType.Size() {
		return nil, fmt.Errorf("%w: element %d of %d", ErrOutOfBounds, last, t.Storage.Len)
	}

	at, err := halfAt(t.Storage)
	if err != nil {
		return nil, err
	}

	index := make([]int, len(t.Shape))
	pos := t.Offset
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], at(pos))

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			pos += t.Stride[d]
			if index[d] < t.Shape[d] {
				break
			}

			pos -= index[d] * t.Stride[d]
			index[d] = 0
		}
	}

	return out, nil
}

// halfAt returns a function producing the F16 bits of element i of s.
func halfAt(s *Storage) (func(int) uint16, error) {
	b := s.Data
	le := binary.LittleEndian
	half := func(f float32) uint16 { return float16.Fromfloat32(f).Bits() }

	switch s.DType {
	case DTypeF16:
		return func(i int) uint16 { return le.Uint16(b[2*i:]) }, nil
	case DTypeF32:
		return func(i int) uint16 { return half(math.Float32frombits(le.Uint32(b[4*i:]))) }, nil
	case DTypeF64:
		return func(i int) uint16 { return half(float32(math.Float64frombits(le.Uint64(b[8*i:])))) }, nil
	case DTypeBF16:
		f32s := bfloat16.DecodeFloat32(b[:2*s.Len])
		return func(i int) uint16 { return half(f32s[i]) }, nil
	case DTypeI64:
		return func(i int) uint16 { return half(float32(int64(le.Uint64(b[8*i:])))) }, nil
	case DTypeI32:
		return func(i int) uint16 { return half(float32(int32(le.Uint32(b[4*i:])))) }, nil
	case DTypeI16:
		return func(i int) uint16 { return half(float32(int16(le.Uint16(b[2*i:])))) }, nil
	case DTypeI8:
		return func(i int) uint16 { return half(float32(int8(b[i]))) }, nil
	case DTypeU8:
		return func(i int) uint16 { return half(float32(b[i])) }, nil
	case DTypeBool:
		return func(i int) uint16 {
			if b[i] != 0 {
				return half(1)
			}
			return half(0)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", s.DType)
	}
}
