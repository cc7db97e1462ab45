package convert

import (
	"fmt"
	"log/slog"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/jmorganca/safeconvert/fs/safetensors"
)

// DType is the element type of a torch storage.
type DType int

const (
	DTypeF64 DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI64
	DTypeI32
	DTypeI16
	DTypeI8
	DTypeU8
	DTypeBool
)

var dtypes = []safetensors.DType{
	DTypeF64:  safetensors.F64,
	DTypeF32:  safetensors.F32,
	DTypeF16:  safetensors.F16,
	DTypeBF16: safetensors.BF16,
	DTypeI64:  safetensors.I64,
	DTypeI32:  safetensors.I32,
	DTypeI16:  safetensors.I16,
	DTypeI8:   safetensors.I8,
	DTypeU8:   safetensors.U8,
	DTypeBool: safetensors.BOOL,
}

func (d DType) String() string {
	if int(d) < len(dtypes) {
		return string(dtypes[d])
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

func (d DType) Size() int {
	if int(d) < len(dtypes) {
		return dtypes[d].Size()
	}
	return 0
}

// storageTypes lists the torch storage classes a checkpoint may reference.
var storageTypes = map[string]DType{
	"DoubleStorage":   DTypeF64,
	"FloatStorage":    DTypeF32,
	"HalfStorage":     DTypeF16,
	"BFloat16Storage": DTypeBF16,
	"LongStorage":     DTypeI64,
	"IntStorage":      DTypeI32,
	"ShortStorage":    DTypeI16,
	"CharStorage":     DTypeI8,
	"ByteStorage":     DTypeU8,
	"BoolStorage":     DTypeBool,
}

// Storage is a flat buffer of little-endian elements. Tensors that share a
// Storage pointer share memory.
type Storage struct {
	Key   string
	DType DType
	Len   int
	Data  []byte
}

// Tensor is a strided view into a Storage. Offset and Stride count elements.
type Tensor struct {
	Storage *Storage
	Offset  int
	Shape   []int
	Stride  []int
}

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// IsContiguous reports whether the view is laid out in row-major order
// without gaps.
func (t *Tensor) IsContiguous() bool {
	want := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		if t.Shape[i] != 1 && t.Stride[i] != want {
			return false
		}
		want *= t.Shape[i]
	}
	return true
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("storage", t.Storage.Key),
		slog.String("dtype", t.Storage.DType.String()),
		slog.Any("shape", t.Shape),
		slog.Int("offset", t.Offset),
	)
}

// StateDict maps parameter names to tensors in checkpoint order.
type StateDict struct {
	m *linkedhashmap.Map
}

func NewStateDict() *StateDict {
	return &StateDict{m: linkedhashmap.New()}
}

func (sd *StateDict) Put(name string, t *Tensor) {
	sd.m.Put(name, t)
}

func (sd *StateDict) Get(name string) (*Tensor, bool) {
	v, ok := sd.m.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Tensor), true
}

func (sd *StateDict) Remove(name string) {
	sd.m.Remove(name)
}

func (sd *StateDict) Len() int {
	return sd.m.Size()
}

func (sd *StateDict) Names() []string {
	names := make([]string, 0, sd.m.Size())
	for _, k := range sd.m.Keys() {
		names = append(names, k.(string))
	}
	return names
}

// Each calls fn for every entry in insertion order.
func (sd *StateDict) Each(fn func(name string, t *Tensor)) {
	sd.m.Each(func(k, v any) {
		fn(k.(string), v.(*Tensor))
	})
}
