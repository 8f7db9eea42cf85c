// Package testutil builds serialized asset files and bundles for tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/EchoTools/patchman/pkg/binio"
	"github.com/EchoTools/patchman/pkg/bundle"
	"github.com/EchoTools/patchman/pkg/serialized"
)

// TestObject is one object placed in a synthesized serialized file.
type TestObject struct {
	PathID  int64
	ClassID int32
	Data    []byte
}

// FileOptions controls the layout of a synthesized serialized file.
type FileOptions struct {
	Version       uint32 // format version, 22 when zero
	EngineVersion string
	BigEndian     bool

	// Trees embeds type trees by class ID. When nil the file carries none.
	Trees map[int32]*serialized.TypeNode
}

// Order returns the byte order of object data in files built with o.
func (o FileOptions) Order() binary.ByteOrder {
	if o.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// BuildSerialized encodes a serialized file holding objects in the given order.
func BuildSerialized(tb testing.TB, opts FileOptions, objects ...TestObject) []byte {
	tb.Helper()

	version := opts.Version
	if version == 0 {
		version = 22
	}
	order := opts.Order()
	headerSize := 20
	if version >= serialized.LargeHeaderVersion {
		headerSize = 48
	}

	var classes []int32
	typeIndex := map[int32]int{}
	for _, o := range objects {
		if _, ok := typeIndex[o.ClassID]; !ok {
			typeIndex[o.ClassID] = len(classes)
			classes = append(classes, o.ClassID)
		}
	}

	// Object placement within the data section.
	starts := make([]int64, len(objects))
	var cursor int64
	for i, o := range objects {
		cursor = (cursor + 7) &^ 7
		starts[i] = cursor
		cursor += int64(len(o.Data))
	}

	m := binio.NewWriter(order, 256)
	m.CString(opts.EngineVersion)
	m.I32(19)
	if version >= 13 {
		m.Bool(opts.Trees != nil)
	}
	m.I32(int32(len(classes)))
	for _, id := range classes {
		m.I32(id)
		if version >= 16 {
			m.Bool(false)
		}
		if version >= 17 {
			m.I16(-1)
		}
		if version >= 13 {
			if (version < 16 && id < 0) || (version >= 16 && id == 114) {
				m.Raw(make([]byte, 16))
			}
			m.Raw(make([]byte, 16))
		}
		if opts.Trees != nil {
			tree := opts.Trees[id]
			if tree == nil {
				tb.Fatalf("no type tree for class %d", id)
			}
			serialized.EncodeTypeTree(m, tree, version)
			if version >= 21 {
				m.I32(0)
			}
		}
	}
	if version >= 7 && version < 14 {
		m.I32(0)
	}

	m.I32(int32(len(objects)))
	for i, o := range objects {
		if version >= 14 {
			// The metadata starts on a 4-byte boundary, so this matches file alignment.
			m.Align(4)
			m.I64(o.PathID)
		} else {
			m.I32(int32(o.PathID))
		}
		if version >= serialized.LargeHeaderVersion {
			m.I64(starts[i])
		} else {
			m.U32(uint32(starts[i]))
		}
		m.U32(uint32(len(o.Data)))
		if version >= 16 {
			m.I32(int32(typeIndex[o.ClassID]))
		} else {
			m.I32(o.ClassID)
			m.U16(uint16(o.ClassID))
		}
		if version < 11 {
			m.U16(0)
		}
		if version >= 11 && version < 17 {
			m.I16(-1)
		}
		if version == 15 || version == 16 {
			m.U8(0)
		}
	}
	m.I32(0) // script types
	m.I32(0) // externals
	if version >= 20 {
		m.I32(0) // ref types
	}
	m.CString("")

	metadata := m.Bytes()
	dataOffset := int64((headerSize + len(metadata) + 15) &^ 15)
	fileSize := dataOffset + cursor

	h := serialized.NewHeader(version, uint32(len(metadata)), dataOffset, fileSize)
	h.BigEndian = opts.BigEndian

	w := binio.NewWriter(binary.BigEndian, int(fileSize))
	h.EncodeTo(w)
	w.Raw(metadata)
	for int64(w.Len()) < dataOffset {
		w.U8(0)
	}
	for i, o := range objects {
		for int64(w.Len()) < dataOffset+starts[i] {
			w.U8(0)
		}
		w.Raw(o.Data)
	}
	return w.Bytes()
}

// EncodeObject builds a zero-valued field tree for node, applies values
// keyed by dotted path, and returns the encoded object bytes.
func EncodeObject(tb testing.TB, node *serialized.TypeNode, order binary.ByteOrder, values map[string]any) []byte {
	tb.Helper()

	root, err := serialized.NewTree(node)
	if err != nil {
		tb.Fatalf("build tree for %s: %v", node.Type, err)
	}
	for path, v := range values {
		f, err := root.Lookup(strings.Split(path, ".")...)
		if err != nil {
			tb.Fatalf("lookup %s: %v", path, err)
		}
		if err := f.Set(v); err != nil {
			tb.Fatalf("set %s: %v", path, err)
		}
	}
	return root.Encode(order)
}

// BuildBundle packs members into a bundle with the given codec.
func BuildBundle(tb testing.TB, engineRevision string, codec bundle.Codec, members ...bundle.Member) []byte {
	tb.Helper()

	var buf bytes.Buffer
	if err := bundle.New(engineRevision, members...).Pack(&buf, codec); err != nil {
		tb.Fatalf("pack bundle: %v", err)
	}
	return buf.Bytes()
}
