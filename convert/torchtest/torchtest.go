// Package torchtest writes small torch checkpoints for tests. It emits the
// same pickle opcodes torch.save does for a state dict of plain tensors.
package torchtest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"strings"
	"testing"
)

// Storage is one storage record. Class is the torch storage class name, such
// as "FloatStorage". Len counts elements.
type Storage struct {
	Key   string
	Class string
	Len   int
	Data  []byte
}

// Entry names a view into a storage.
type Entry struct {
	Name    string
	Storage string
	Offset  int
	Shape   []int
	Stride  []int
}

type Checkpoint struct {
	Storages []Storage
	Entries  []Entry

	// Wrap nests the entries under a "state_dict" key.
	Wrap bool

	// Global, when set, adds an entry built by calling module.name.
	Global [2]string

	// Ordered writes the state dict as torch.save(model.state_dict()) does:
	// a collections.OrderedDict carrying _metadata, with memoized globals and
	// one byte integers.
	Ordered bool
}

// Float32s returns a FloatStorage holding values.
func Float32s(key string, values ...float32) Storage {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return Storage{Key: key, Class: "FloatStorage", Len: len(values), Data: b}
}

// Contiguous returns an entry covering shape in row-major order.
func Contiguous(name, storage string, offset int, shape ...int) Entry {
	stride := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = n
		n *= shape[i]
	}
	return Entry{Name: name, Storage: storage, Offset: offset, Shape: shape, Stride: stride}
}

// WriteZip writes c in the zip layout used by torch.save since 1.6.
func (c Checkpoint) WriteZip(t testing.TB, path string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	add := func(name string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: "archive/" + name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}

	add("data.pkl", c.pickle(false))
	add("byteorder", []byte("little"))
	for _, s := range c.Storages {
		add("data/"+s.Key, s.Data)
	}
	add("version", []byte("3\n"))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// WriteLegacy writes c in the pre-zip stream layout.
func (c Checkpoint) WriteLegacy(t testing.TB, path string) {
	t.Helper()

	var b bytes.Buffer

	var p pickler
	p.proto()
	p.long1([]byte{0x6c, 0xfc, 0x9c, 0x46, 0xf9, 0x20, 0x6a, 0xa8, 0x50, 0x19})
	p.stop()

	p.proto()
	p.int(1001)
	p.stop()

	p.proto()
	p.emptyDict()
	p.mark()
	p.str("protocol_version")
	p.int(1001)
	p.str("little_endian")
	p.WriteByte(0x88)
	p.setItems()
	p.stop()
	b.Write(p.Bytes())

	b.Write(c.pickle(true))

	p.Reset()
	p.proto()
	p.WriteByte(']')
	p.mark()
	for _, s := range c.Storages {
		p.str(s.Key)
	}
	p.WriteByte('e')
	p.stop()
	b.Write(p.Bytes())

	for _, s := range c.Storages {
		binary.Write(&b, binary.LittleEndian, int64(s.Len))
		b.Write(s.Data)
	}

	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (c Checkpoint) pickle(legacy bool) []byte {
	classes := make(map[string]Storage, len(c.Storages))
	for _, s := range c.Storages {
		classes[s.Key] = s
	}

	var p pickler
	if c.Ordered {
		p.memo = make(map[string]int)
	}

	p.proto()
	if c.Ordered {
		p.orderedDict()
	} else {
		p.emptyDict()
	}

	if c.Wrap {
		p.mark()
		p.str("state_dict")
		p.orderedDict()
	}

	p.mark()
	for _, e := range c.Entries {
		s := classes[e.Storage]

		p.str(e.Name)
		p.global("torch._utils", "_rebuild_tensor_v2")
		p.mark()
		{
			p.mark()
			p.str("storage")
			p.global("torch", s.Class)
			p.str(s.Key)
			p.str("cpu")
			p.int(s.Len)
			if legacy {
				p.WriteByte('N')
			}
			p.WriteByte('t')
			p.WriteByte('Q')
		}
		p.int(e.Offset)
		p.ints(e.Shape)
		p.ints(e.Stride)
		p.WriteByte(0x89)
		p.orderedDict()
		p.WriteByte('t')
		p.WriteByte('R')
		p.put()
	}

	if c.Global != [2]string{} {
		p.str("injected")
		p.global(c.Global[0], c.Global[1])
		p.mark()
		p.str("echo pwned")
		p.WriteByte('t')
		p.WriteByte('R')
	}
	p.setItems()

	if c.Ordered {
		p.metadata(c.Entries)
	}

	if c.Wrap {
		p.setItems()
	}

	p.stop()
	return p.Bytes()
}

type pickler struct {
	bytes.Buffer

	// memo maps globals to their memo slot. Memoization is off when nil.
	memo map[string]int
	next int
}

func (p *pickler) proto() {
	p.WriteByte(0x80)
	p.WriteByte(2)
}

func (p *pickler) stop()      { p.WriteByte('.') }
func (p *pickler) mark()      { p.WriteByte('(') }
func (p *pickler) emptyDict() { p.WriteByte('}') }
func (p *pickler) setItems()  { p.WriteByte('u') }

func (p *pickler) str(s string) {
	p.WriteByte('X')
	binary.Write(&p.Buffer, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *pickler) int(n int) {
	switch {
	case p.memo != nil && n >= 0 && n <= math.MaxUint8:
		p.WriteByte('K')
		p.WriteByte(byte(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		p.WriteByte('J')
		binary.Write(&p.Buffer, binary.LittleEndian, int32(n))
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(n))
		p.long1(b[:])
	}
}

func (p *pickler) ints(ns []int) {
	p.mark()
	for _, n := range ns {
		p.int(n)
	}
	p.WriteByte('t')
}

func (p *pickler) long1(b []byte) {
	p.WriteByte(0x8a)
	p.WriteByte(byte(len(b)))
	p.Write(b)
}

func (p *pickler) global(module, name string) {
	key := module + "\n" + name + "\n"
	if i, ok := p.memo[key]; ok {
		p.WriteByte('h')
		p.WriteByte(byte(i))
		return
	}

	p.WriteByte('c')
	p.WriteString(key)
	if p.memo != nil {
		p.memo[key] = p.next
		p.put()
	}
}

// put stores the top of the stack in the next memo slot.
func (p *pickler) put() {
	if p.memo == nil {
		return
	}

	p.WriteByte('q')
	p.WriteByte(byte(p.next))
	p.next++
}

// orderedDict pushes an empty collections.OrderedDict.
func (p *pickler) orderedDict() {
	p.global("collections", "OrderedDict")
	p.WriteByte(')')
	p.WriteByte('R')
	p.put()
}

// metadata applies the {"_metadata": OrderedDict} state nn.Module attaches
// to its state dict, with one version record per module prefix.
func (p *pickler) metadata(entries []Entry) {
	p.emptyDict()
	p.str("_metadata")
	p.orderedDict()
	p.mark()
	p.str("")
	p.emptyDict()
	p.str("version")
	p.int(1)
	p.WriteByte('s')
	seen := make(map[string]bool)
	for _, e := range entries {
		if i := strings.LastIndexByte(e.Name, '.'); i > 0 && !seen[e.Name[:i]] {
			seen[e.Name[:i]] = true
			p.str(e.Name[:i])
			p.emptyDict()
			p.str("version")
			p.int(1)
			p.WriteByte('s')
		}
	}
	p.setItems()
	p.WriteByte('s')
	p.WriteByte('b')
}
