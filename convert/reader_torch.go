package convert

import (
	"archive/zip"
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"os"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/jmorganca/safeconvert/fs/safetensors"
)

var (
	ErrDisallowedGlobal = errors.New("disallowed global in checkpoint")
	ErrUnknownFormat    = errors.New("unknown checkpoint format")
	ErrNotTensor        = errors.New("state dict entry is not a tensor")
)

// legacyMagic opens checkpoints written before torch adopted zip archives.
var legacyMagic, _ = new(big.Int).SetString("1950a86a20f9469cfc6c", 16)

const legacyProtocolVersion = 1001

// LoadTorch reads a torch checkpoint from p. Only tensors, storages,
// primitives, and dictionaries are decoded; any other class referenced by the
// pickle stream is rejected. A top-level "state_dict" entry is unwrapped.
func LoadTorch(p string) (*StateDict, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var obj any
	if zr, err := zip.NewReader(f, fi.Size()); err == nil {
		obj, err = loadZip(zr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	} else if errors.Is(err, zip.ErrFormat) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}

		obj, err = loadLegacy(bufio.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	} else {
		return nil, err
	}

	return stateDict(obj)
}

type torchUnpickler struct {
	storages map[string]*Storage

	// open fills a storage's data when it is first referenced. It is nil
	// when data follows the pickle stream.
	open func(*Storage) error
}

func (tu *torchUnpickler) unpickle(r io.Reader) (any, error) {
	u := pickle.NewUnpickler(r)
	u.FindClass = findClass
	u.PersistentLoad = tu.persistentLoad
	return u.Load()
}

// findClass resolves the globals a weights-only checkpoint may reference.
func findClass(module, name string) (any, error) {
	switch module + "." + name {
	case "collections.OrderedDict":
		return &types.OrderedDictClass{}, nil
	case "torch._utils._rebuild_tensor":
		return callable(rebuildTensor), nil
	case "torch._utils._rebuild_tensor_v2":
		return callable(rebuildTensor), nil
	case "torch._utils._rebuild_parameter":
		return callable(rebuildParameter), nil
	}

	if module == "torch" {
		if dtype, ok := storageTypes[name]; ok {
			return storageClass{dtype}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s.%s", ErrDisallowedGlobal, module, name)
}

// noClasses is used for the small pickles framing a legacy checkpoint.
func noClasses(module, name string) (any, error) {
	return nil, fmt.Errorf("%w: %s.%s", ErrDisallowedGlobal, module, name)
}

type callable func(...any) (any, error)

func (fn callable) Call(args ...any) (any, error) {
	return fn(args...)
}

type storageClass struct {
	dtype DType
}

// persistentLoad resolves ('storage', class, key, location, numel[, view])
// records. Every reference to the same key yields the same *Storage.
func (tu *torchUnpickler) persistentLoad(id any) (any, error) {
	t, ok := id.(*types.Tuple)
	if !ok || t.Len() < 5 {
		return nil, fmt.Errorf("unexpected persistent id %v", id)
	}

	if kind, _ := t.Get(0).(string); kind != "storage" {
		return nil, fmt.Errorf("unexpected persistent id type %v", t.Get(0))
	}

	class, ok := t.Get(1).(storageClass)
	if !ok {
		return nil, fmt.Errorf("unexpected storage class %T", t.Get(1))
	}

	key, ok := t.Get(2).(string)
	if !ok {
		return nil, fmt.Errorf("unexpected storage key %v", t.Get(2))
	}

	numel, ok := t.Get(4).(int)
	if !ok || numel < 0 {
		return nil, fmt.Errorf("storage %s: unexpected size %v", key, t.Get(4))
	}

	if t.Len() > 5 && t.Get(5) != nil {
		return nil, fmt.Errorf("storage %s: storage views are not supported", key)
	}

	if s, ok := tu.storages[key]; ok {
		return s, nil
	}

	s := &Storage{Key: key, DType: class.dtype, Len: numel}
	if tu.open != nil {
		if err := tu.open(s); err != nil {
			return nil, err
		}
	}

	tu.storages[key] = s
	return s, nil
}

// rebuildTensor handles _rebuild_tensor(storage, offset, size, stride) and
// _rebuild_tensor_v2 which appends requires_grad, hooks, and metadata.
func rebuildTensor(args ...any) (any, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("rebuild tensor: expected at least 4 arguments, got %d", len(args))
	}

	s, ok := args[0].(*Storage)
	if !ok {
		return nil, fmt.Errorf("rebuild tensor: unexpected storage %T", args[0])
	}

	offset, ok := args[1].(int)
	if !ok || offset < 0 {
		return nil, fmt.Errorf("rebuild tensor: unexpected offset %v", args[1])
	}

	shape, err := ints(args[2])
	if err != nil {
		return nil, fmt.Errorf("rebuild tensor: size: %w", err)
	}

	stride, err := ints(args[3])
	if err != nil {
		return nil, fmt.Errorf("rebuild tensor: stride: %w", err)
	}

	if len(shape) != len(stride) {
		return nil, fmt.Errorf("rebuild tensor: size %v and stride %v differ in rank", shape, stride)
	}

	if _, err := safetensors.Bytes(shape, s.DType.Size()); err != nil {
		return nil, fmt.Errorf("rebuild tensor: %w", err)
	}

	return &Tensor{Storage: s, Offset: offset, Shape: shape, Stride: stride}, nil
}

// rebuildParameter unwraps nn.Parameter(data, requires_grad, hooks).
func rebuildParameter(args ...any) (any, error) {
	if len(args) < 1 {
		return nil, errors.New("rebuild parameter: missing data")
	}

	t, ok := args[0].(*Tensor)
	if !ok {
		return nil, fmt.Errorf("rebuild parameter: unexpected data %T", args[0])
	}

	return t, nil
}

func ints(v any) ([]int, error) {
	t, ok := v.(*types.Tuple)
	if !ok {
		return nil, fmt.Errorf("expected tuple, got %T", v)
	}

	s := make([]int, t.Len())
	for i := range s {
		var n int
		switch v := t.Get(i).(type) {
		case int:
			n = v
		case *big.Int:
			if !v.IsInt64() || v.Int64() > math.MaxInt {
				return nil, fmt.Errorf("%w: dimension %v", safetensors.ErrShapeOverflow, v)
			}
			n = int(v.Int64())
		default:
			return nil, fmt.Errorf("unexpected dimension %v", v)
		}

		if n < 0 {
			return nil, fmt.Errorf("unexpected dimension %v", n)
		}
		s[i] = n
	}

	return s, nil
}

func loadZip(zr *zip.Reader) (any, error) {
	files := make(map[string]*zip.File, len(zr.File))
	var prefix string
	for _, f := range zr.File {
		files[f.Name] = f
		if f.Name == "data.pkl" || strings.HasSuffix(f.Name, "/data.pkl") {
			prefix = strings.TrimSuffix(f.Name, "data.pkl")
		}
	}

	pkl, ok := files[prefix+"data.pkl"]
	if !ok {
		return nil, fmt.Errorf("%w: archive has no data.pkl", ErrUnknownFormat)
	}

	if f, ok := files[prefix+"byteorder"]; ok {
		bts, err := readZipFile(f)
		if err != nil {
			return nil, err
		}

		if order := strings.TrimSpace(string(bts)); order != "little" {
			return nil, fmt.Errorf("unsupported byte order %q", order)
		}
	}

	tu := torchUnpickler{
		storages: make(map[string]*Storage),
		open: func(s *Storage) error {
			f, ok := files[prefix+"data/"+s.Key]
			if !ok {
				return fmt.Errorf("storage %s: record not found", s.Key)
			}

			bts, err := readZipFile(f)
			if err != nil {
				return fmt.Errorf("storage %s: %w", s.Key, err)
			}

			n := s.Len * s.DType.Size()
			if len(bts) < n {
				return fmt.Errorf("storage %s: expected %d bytes, have %d", s.Key, n, len(bts))
			}

			s.Data = bts[:n]
			slog.Debug("storage", "key", s.Key, "dtype", s.DType, "elements", s.Len)
			return nil
		},
	}

	r, err := pkl.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return tu.unpickle(bufio.NewReader(r))
}

func readZipFile(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// loadLegacy reads the pre-zip layout: magic number, protocol version, system
// info, the object pickle, a pickled list of storage keys, and then each
// storage's element count and data in that order.
func loadLegacy(r io.Reader) (any, error) {
	frame := torchUnpickler{storages: make(map[string]*Storage)}
	unpickleFrame := func() (any, error) {
		u := pickle.NewUnpickler(r)
		u.FindClass = noClasses
		u.PersistentLoad = frame.persistentLoad
		return u.Load()
	}

	magic, err := unpickleFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}

	if m, ok := magic.(*big.Int); !ok || m.Cmp(legacyMagic) != 0 {
		return nil, fmt.Errorf("%w: bad magic number", ErrUnknownFormat)
	}

	version, err := unpickleFrame()
	if err != nil {
		return nil, err
	}

	if version != legacyProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %v", version)
	}

	info, err := unpickleFrame()
	if err != nil {
		return nil, err
	}

	if little, ok := lookup(info, "little_endian"); ok && little != true {
		return nil, errors.New("big endian checkpoints are not supported")
	}

	tu := torchUnpickler{storages: make(map[string]*Storage)}
	obj, err := tu.unpickle(r)
	if err != nil {
		return nil, err
	}

	keys, err := unpickleFrame()
	if err != nil {
		return nil, err
	}

	list, ok := keys.(*types.List)
	if !ok {
		return nil, fmt.Errorf("unexpected storage key list %T", keys)
	}

	for i := 0; i < list.Len(); i++ {
		key, ok := list.Get(i).(string)
		if !ok {
			return nil, fmt.Errorf("unexpected storage key %v", list.Get(i))
		}

		s, ok := tu.storages[key]
		if !ok {
			return nil, fmt.Errorf("storage %s: not referenced by checkpoint", key)
		}

		var numel int64
		if err := binary.Read(r, binary.LittleEndian, &numel); err != nil {
			return nil, fmt.Errorf("storage %s: %w", key, err)
		}

		if numel != int64(s.Len) {
			return nil, fmt.Errorf("storage %s: expected %d elements, have %d", key, s.Len, numel)
		}

		s.Data = make([]byte, s.Len*s.DType.Size())
		if _, err := io.ReadFull(r, s.Data); err != nil {
			return nil, fmt.Errorf("storage %s: %w", key, err)
		}
	}

	for key, s := range tu.storages {
		if s.Data == nil && s.Len > 0 {
			return nil, fmt.Errorf("storage %s: data missing", key)
		}
	}

	return obj, nil
}

func lookup(obj any, key string) (any, bool) {
	switch d := obj.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		return d.Get(key)
	}
	return nil, false
}

func each(obj any, fn func(k, v any) error) error {
	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if err := fn(k, d.MustGet(k)); err != nil {
				return err
			}
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := fn(entry.Key, entry.Value); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: expected a dictionary, got %T", ErrUnknownFormat, obj)
	}
	return nil
}

func stateDict(obj any) (*StateDict, error) {
	if inner, ok := lookup(obj, "state_dict"); ok {
		slog.Debug("unwrapping state_dict")
		obj = inner
	}

	sd := NewStateDict()
	if err := each(obj, func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("%w: unexpected key %v", ErrUnknownFormat, k)
		}

		t, ok := v.(*Tensor)
		if !ok {
			return fmt.Errorf("%w: %s is %T", ErrNotTensor, name, v)
		}

		sd.Put(name, t)
		return nil
	}); err != nil {
		return nil, err
	}

	return sd, nil
}
