package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/exp/maps"
)

// WriteFile writes tensors and metadata to path, creating parent directories
// as needed.
func WriteFile(path string, tensors map[string]Tensor, metadata map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := Write(f, tensors, metadata); err != nil {
		return err
	}

	return f.Close()
}

// Write encodes tensors in name order. The header is padded with spaces so
// that tensor data starts on an 8 byte boundary.
func Write(w io.Writer, tensors map[string]Tensor, metadata map[string]string) error {
	names := maps.Keys(tensors)
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		if name == metadataKey {
			return fmt.Errorf("%w: tensor name %q is reserved", ErrInvalidHeader, name)
		}

		t := tensors[name]
		if err := t.validate(); err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}

		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}

		header[name] = tensorInfo{
			DType:   t.DType,
			Shape:   shape,
			Offsets: [2]int64{offset, offset + int64(len(t.Data))},
		}
		offset += int64(len(t.Data))
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	if n := len(bts) % 8; n != 0 {
		bts = append(bts, bytes.Repeat([]byte{' '}, 8-n)...)
	}

	if len(bts) > maxHeaderSize {
		return ErrHeaderTooLarge
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(bts))); err != nil {
		return err
	}

	if _, err := bw.Write(bts); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := bw.Write(tensors[name].Data); err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
	}

	return bw.Flush()
}
