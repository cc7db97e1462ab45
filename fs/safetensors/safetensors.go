// Package safetensors reads and writes the safetensors container format: an
// 8 byte little-endian header length, a JSON header describing every tensor,
// and the raw tensor bytes.
package safetensors

import (
	"errors"
	"fmt"
	"math"
)

type DType string

const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I64  DType = "I64"
	I32  DType = "I32"
	I16  DType = "I16"
	I8   DType = "I8"
	U8   DType = "U8"
	BOOL DType = "BOOL"
)

// Size returns the number of bytes per element, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case F64, I64:
		return 8
	case F32, I32:
		return 4
	case F16, BF16, I16:
		return 2
	case I8, U8, BOOL:
		return 1
	default:
		return 0
	}
}

// metadataKey is the reserved header entry holding string metadata.
const metadataKey = "__metadata__"

// maxHeaderSize matches the limit enforced by the reference implementation.
const maxHeaderSize = 100 << 20

var (
	ErrHeaderTooLarge = errors.New("safetensors: header exceeds maximum size")
	ErrInvalidHeader  = errors.New("safetensors: invalid header")
	ErrOutOfBounds    = errors.New("safetensors: tensor data out of bounds")
	ErrUnknownDType   = errors.New("safetensors: unknown dtype")
	ErrTensorNotFound = errors.New("safetensors: tensor not found")
	ErrShapeOverflow  = errors.New("safetensors: tensor too large")
)

// Bytes returns the size of a dense tensor of the given shape whose elements
// are size bytes wide.
func Bytes(shape []int, size int) (int, error) {
	n := size
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}

		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: shape %v", ErrShapeOverflow, shape)
		}
		n *= d
	}
	return n, nil
}

// Tensor is a dense, row-major tensor with little-endian element bytes.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Tensor) validate() error {
	size := t.DType.Size()
	if size == 0 {
		return fmt.Errorf("%w %q", ErrUnknownDType, t.DType)
	}

	want, err := Bytes(t.Shape, size)
	if err != nil {
		return err
	}

	if len(t.Data) != want {
		return fmt.Errorf("%s%v expects %d bytes, have %d", t.DType, t.Shape, want, len(t.Data))
	}

	return nil
}

type tensorInfo struct {
	DType   DType    `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}
