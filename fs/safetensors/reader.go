package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"

	"golang.org/x/exp/maps"
)

// File is a safetensors container opened for reading. Tensor data is served
// straight from the mapped file and is only valid until Close.
type File struct {
	data     []byte
	unmap    func() error
	start    int64
	tensors  map[string]tensorInfo
	metadata map[string]string
}

// Open maps the container at path read-only and validates its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if fi.Size() < 8 {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrInvalidHeader, fi.Size())
	}

	data, unmap, err := mmapFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	sf, err := parse(data)
	if err != nil {
		unmap()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sf.unmap = unmap
	return sf, nil
}

func parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, ErrInvalidHeader
	}

	n := binary.LittleEndian.Uint64(data)
	if n > maxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	if n > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrInvalidHeader, n)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	sf := File{
		data:    data,
		start:   int64(8 + n),
		tensors: make(map[string]tensorInfo, len(raw)),
	}

	for name, value := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(value, &sf.metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
			}
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrInvalidHeader, name, err)
		}

		sf.tensors[name] = info
	}

	if err := sf.validate(); err != nil {
		return nil, err
	}

	return &sf, nil
}

// validate checks that every tensor has a known dtype, that its byte range
// matches its shape, and that ranges neither overlap nor leave the file.
func (sf *File) validate() error {
	size := int64(len(sf.data)) - sf.start

	names := maps.Keys(sf.tensors)
	sort.Slice(names, func(i, j int) bool {
		return sf.tensors[names[i]].Offsets[0] < sf.tensors[names[j]].Offsets[0]
	})

	var end int64
	for i, name := range names {
		info := sf.tensors[name]
		if info.DType.Size() == 0 {
			return fmt.Errorf("tensor %s: %w %q", name, ErrUnknownDType, info.DType)
		}

		n, err := Bytes(info.Shape, info.DType.Size())
		if err != nil {
			return fmt.Errorf("tensor %s: %w: %w", name, ErrInvalidHeader, err)
		}

		begin, stop := info.Offsets[0], info.Offsets[1]
		switch {
		case begin < 0 || stop < begin:
			return fmt.Errorf("tensor %s: %w: offsets %v", name, ErrOutOfBounds, info.Offsets)
		case stop > size:
			return fmt.Errorf("tensor %s: %w: ends at %d, data section is %d bytes", name, ErrOutOfBounds, stop, size)
		case i > 0 && begin < end:
			return fmt.Errorf("tensor %s: %w: overlaps %s", name, ErrOutOfBounds, names[i-1])
		case stop-begin != int64(n):
			return fmt.Errorf("tensor %s: %w: %d bytes for %s%v", name, ErrInvalidHeader, stop-begin, info.DType, info.Shape)
		}

		end = stop
	}

	return nil
}

// Names returns tensor names in sorted order.
func (sf *File) Names() []string {
	names := maps.Keys(sf.tensors)
	slices.Sort(names)
	return names
}

func (sf *File) Metadata() map[string]string {
	return sf.metadata
}

// Tensor returns a view of the named tensor. Data aliases the mapped file.
func (sf *File) Tensor(name string) (Tensor, error) {
	info, ok := sf.tensors[name]
	if !ok {
		return Tensor{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}

	begin, end := sf.start+info.Offsets[0], sf.start+info.Offsets[1]
	return Tensor{
		DType: info.DType,
		Shape: slices.Clone(info.Shape),
		Data:  sf.data[begin:end:end],
	}, nil
}

func (sf *File) Close() error {
	if sf.unmap == nil {
		return nil
	}

	unmap := sf.unmap
	sf.unmap, sf.data = nil, nil
	return unmap()
}
