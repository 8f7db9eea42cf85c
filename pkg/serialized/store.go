package serialized

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/EchoTools/patchman/pkg/binio"
)

// objectAlignment is the boundary objects are placed on when the data
// section is laid out again.
const objectAlignment = 8

// SchemaSource resolves class layouts for files stored without type trees.
type SchemaSource interface {
	Resolve(engineVersion string, classID int32) (*TypeNode, error)
}

// Object is one entry of a store's object table together with its data.
type Object struct {
	ObjectInfo

	store   *Store
	data    []byte
	root    *Field
	tail    []byte
	clipped int
	dirty   bool
}

// Dirty reports whether a field of the object has been written.
func (o *Object) Dirty() bool { return o.dirty }

// Data returns the object's original bytes.
func (o *Object) Data() []byte { return o.data }

// Tree returns the decoded field tree, decoding it on first use.
func (o *Object) Tree() (*Field, error) { return o.store.FieldTree(o) }

// PartialLayout reports whether the decoded layout stopped short of the
// object's size. Such objects cannot change length.
func (o *Object) PartialLayout() bool { return o.tail != nil }

func (o *Object) encode() []byte {
	out := o.root.Encode(o.store.order)
	if o.clipped > 0 && len(out) >= o.clipped && isZero(out[len(out)-o.clipped:]) {
		out = out[:len(out)-o.clipped]
	}
	return append(out, o.tail...)
}

func (o *Object) encodedLen() int { return len(o.encode()) }

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Store is an open serialized file.
type Store struct {
	Header   Header
	Metadata Metadata

	data    []byte
	order   binary.ByteOrder
	schema  SchemaSource
	hint    string
	objects []*Object
}

// Open parses a serialized file held in memory. engineVersionHint is used
// when the file's metadata does not record an engine version; schema
// supplies layouts for files without type trees and may be nil.
func Open(data []byte, engineVersionHint string, schema SchemaSource) (*Store, error) {
	s := &Store{data: data, schema: schema, hint: engineVersionHint}

	r := binio.NewReader(data, binary.BigEndian)
	if err := s.Header.DecodeFrom(r); err != nil {
		return nil, err
	}
	if s.Header.DataOffset < int64(s.Header.Size()) || s.Header.DataOffset > int64(len(data)) {
		return nil, fmt.Errorf("%w: data offset %d outside %d byte file", ErrTruncated, s.Header.DataOffset, len(data))
	}

	s.order = s.Header.ByteOrder()
	r.SetOrder(s.order)
	if err := s.Metadata.decode(r, s.Header.Version); err != nil {
		return nil, err
	}

	s.objects = make([]*Object, len(s.Metadata.Objects))
	for i, info := range s.Metadata.Objects {
		start := s.Header.DataOffset + info.ByteStart
		end := start + int64(info.ByteSize)
		if info.ByteStart < 0 || end > int64(len(data)) {
			return nil, fmt.Errorf("%w: object %d spans %d..%d of %d bytes", ErrTruncated, info.PathID, start, end, len(data))
		}
		s.objects[i] = &Object{ObjectInfo: info, store: s, data: data[start:end]}
	}
	return s, nil
}

// Version returns the serialized format version.
func (s *Store) Version() uint32 { return s.Header.Version }

// ByteOrder returns the byte order of object data.
func (s *Store) ByteOrder() binary.ByteOrder { return s.order }

// EngineVersion returns the engine version used for layout resolution: the
// recorded one, or the hint when the file records none.
func (s *Store) EngineVersion() string {
	if v := s.Metadata.EngineVersion; v != "" && v != "0.0.0" {
		return v
	}
	return s.hint
}

// Objects returns every object in table order.
func (s *Store) Objects() []*Object { return s.objects }

// ObjectsOfClass returns the objects with the given class ID in table order.
func (s *Store) ObjectsOfClass(classID int32) []*Object {
	var out []*Object
	for _, o := range s.objects {
		if o.ClassID == classID {
			out = append(out, o)
		}
	}
	return out
}

// Object returns the object with the given path ID, or nil.
func (s *Store) Object(pathID int64) *Object {
	for _, o := range s.objects {
		if o.PathID == pathID {
			return o
		}
	}
	return nil
}

// layout returns the type tree for o, preferring the embedded one.
func (s *Store) layout(o *Object) (*TypeNode, error) {
	if t := s.Metadata.TypeOf(&o.ObjectInfo, s.Header.Version); t != nil && t.Tree != nil {
		return t.Tree, nil
	}
	version := s.EngineVersion()
	if version == "" || s.schema == nil {
		return nil, fmt.Errorf("%w: no layout source for class %d", ErrUnknownEngineVersion, o.ClassID)
	}
	return s.schema.Resolve(version, o.ClassID)
}

// FieldTree decodes the field tree of o. The tree is cached on the object;
// writes through it are reflected by Serialize.
func (s *Store) FieldTree(o *Object) (*Field, error) {
	if o.root != nil {
		return o.root, nil
	}
	node, err := s.layout(o)
	if err != nil {
		return nil, err
	}

	d := &decoder{r: binio.NewReader(o.data, s.order), owner: o}
	root, err := d.read(node)
	if err != nil {
		return nil, fmt.Errorf("decode object %d (class %d): %w", o.PathID, o.ClassID, err)
	}
	if rest := d.r.Remaining(); rest > 0 {
		o.tail = bytes.Clone(o.data[d.r.Pos():])
	}
	o.root = root
	o.clipped = d.clipped
	return root, nil
}

// SetField writes value at path in the object's field tree.
func (s *Store) SetField(o *Object, path []string, value any) error {
	root, err := s.FieldTree(o)
	if err != nil {
		return err
	}
	f, err := root.Lookup(path...)
	if err != nil {
		return err
	}
	return f.Set(value)
}

// Dirty reports whether any object has been written.
func (s *Store) Dirty() bool {
	for _, o := range s.objects {
		if o.dirty {
			return true
		}
	}
	return false
}

// Serialize returns the file with every written object re-encoded. An
// untouched store yields its original bytes. When every dirty object keeps
// its size the objects are overwritten in place; otherwise the data section
// is laid out again, objects placed on 8-byte boundaries from the first
// resized one on, and the object table and header file size updated.
func (s *Store) Serialize() ([]byte, error) {
	encoded := make(map[*Object][]byte)
	resized := false
	for _, o := range s.objects {
		if !o.dirty {
			continue
		}
		b := o.encode()
		if o.tail != nil && len(b) != len(o.data) {
			return nil, fmt.Errorf("%w: object %d", ErrUnsupportedResize, o.PathID)
		}
		encoded[o] = b
		if len(b) != len(o.data) {
			resized = true
		}
	}

	out := bytes.Clone(s.data)
	if len(encoded) == 0 {
		return out, nil
	}
	if !resized {
		for o, b := range encoded {
			copy(out[s.Header.DataOffset+o.ByteStart:], b)
		}
		return out, nil
	}
	return s.relayout(out[:s.Header.DataOffset], encoded)
}

func (s *Store) relayout(prefix []byte, encoded map[*Object][]byte) ([]byte, error) {
	ordered := make([]*Object, len(s.objects))
	copy(ordered, s.objects)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ByteStart < ordered[j].ByteStart })

	section := s.data[s.Header.DataOffset:]
	w := binio.NewWriter(s.order, len(section))
	var (
		origEnd int64
		shifted bool
		starts  = make(map[*Object]int64, len(ordered))
	)
	for _, o := range ordered {
		if o.ByteStart < origEnd {
			return nil, fmt.Errorf("%w: object %d overlaps its predecessor", ErrFormat, o.PathID)
		}
		if shifted {
			w.Align(objectAlignment)
		} else {
			w.Raw(section[origEnd:o.ByteStart])
		}
		starts[o] = int64(w.Len())

		b, ok := encoded[o]
		if !ok {
			b = o.data
		}
		w.Raw(b)
		if len(b) != len(o.data) {
			shifted = true
		}
		origEnd = o.ByteStart + int64(len(o.data))
	}
	w.Raw(section[origEnd:])

	out := append(prefix, w.Bytes()...)
	for _, o := range ordered {
		size := uint32(len(o.data))
		if b, ok := encoded[o]; ok {
			size = uint32(len(b))
		}
		if s.Header.Version >= LargeHeaderVersion {
			s.order.PutUint64(out[o.startPos:], uint64(starts[o]))
		} else {
			if starts[o] > 0xFFFFFFFF {
				return nil, fmt.Errorf("%w: object %d offset %d exceeds 32 bits", ErrFormat, o.PathID, starts[o])
			}
			s.order.PutUint32(out[o.startPos:], uint32(starts[o]))
		}
		s.order.PutUint32(out[o.sizePos:], size)
	}
	s.Header.putFileSize(out, int64(len(out)))
	return out, nil
}
