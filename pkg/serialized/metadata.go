package serialized

import (
	"fmt"

	"github.com/EchoTools/patchman/pkg/binio"
)

const maxVersionString = 255

// SerializedType is an entry of the type table.
type SerializedType struct {
	ClassID         int32
	Stripped        bool
	ScriptTypeIndex int16
	ScriptID        [16]byte
	OldTypeHash     [16]byte
	Tree            *TypeNode // nil when the file carries no type trees
	Dependencies    []int32
}

// ObjectInfo is an entry of the object table.
type ObjectInfo struct {
	PathID          int64
	ByteStart       int64
	ByteSize        uint32
	TypeID          int32
	ClassID         int32
	ScriptTypeIndex int16
	Stripped        bool

	// File offsets of ByteStart and ByteSize, patched on re-layout.
	startPos int
	sizePos  int
}

// Metadata is the decoded prefix of the metadata section. Everything after
// the object table (script types, externals, ref types, user information)
// is left in the file untouched.
type Metadata struct {
	EngineVersion   string
	TargetPlatform  int32
	TypeTreeEnabled bool
	Types           []SerializedType
	BigIDEnabled    bool
	Objects         []ObjectInfo
}

// TypeOf returns the type table entry describing o, or nil.
func (m *Metadata) TypeOf(o *ObjectInfo, version uint32) *SerializedType {
	if version >= 16 {
		if o.TypeID >= 0 && int(o.TypeID) < len(m.Types) {
			return &m.Types[o.TypeID]
		}
		return nil
	}
	for i := range m.Types {
		if m.Types[i].ClassID == o.TypeID {
			return &m.Types[i]
		}
	}
	return nil
}

func (m *Metadata) decode(r *binio.Reader, version uint32) error {
	if version >= 7 {
		m.EngineVersion = r.CString(maxVersionString)
	}
	if version >= 8 {
		m.TargetPlatform = r.I32()
	}
	if version >= 13 {
		m.TypeTreeEnabled = r.Bool()
	}

	typeCount := r.I32()
	if err := r.Err(); err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if typeCount < 0 || int(typeCount) > r.Remaining() {
		return fmt.Errorf("%w: %d types", ErrFormat, typeCount)
	}
	m.Types = make([]SerializedType, typeCount)
	for i := range m.Types {
		if err := m.Types[i].decode(r, version, m.TypeTreeEnabled); err != nil {
			return fmt.Errorf("read type %d: %w", i, err)
		}
	}

	if version >= 7 && version < 14 {
		m.BigIDEnabled = r.I32() != 0
	}

	objectCount := r.I32()
	if err := r.Err(); err != nil {
		return fmt.Errorf("read object count: %w", err)
	}
	if objectCount < 0 || int(objectCount) > r.Remaining() {
		return fmt.Errorf("%w: %d objects", ErrFormat, objectCount)
	}
	m.Objects = make([]ObjectInfo, objectCount)
	for i := range m.Objects {
		if err := m.Objects[i].decode(r, version, m); err != nil {
			return fmt.Errorf("read object %d: %w", i, err)
		}
	}
	return nil
}

func (t *SerializedType) decode(r *binio.Reader, version uint32, typeTrees bool) error {
	t.ClassID = r.I32()
	if version >= 16 {
		t.Stripped = r.Bool()
	}
	if version >= 17 {
		t.ScriptTypeIndex = r.I16()
	}
	if version >= 13 {
		if (version < 16 && t.ClassID < 0) || (version >= 16 && t.ClassID == 114) {
			copy(t.ScriptID[:], r.Bytes(16))
		}
		copy(t.OldTypeHash[:], r.Bytes(16))
	}
	if err := r.Err(); err != nil {
		return err
	}
	if !typeTrees {
		return nil
	}

	if version < 12 && version != 10 {
		return fmt.Errorf("%w: legacy type tree format %d", ErrFormat, version)
	}
	tree, err := decodeTypeTree(r, version)
	if err != nil {
		return err
	}
	t.Tree = tree

	if version >= 21 {
		n := r.I32()
		if n < 0 || int(n)*4 > r.Remaining() {
			return fmt.Errorf("%w: %d type dependencies", ErrFormat, n)
		}
		t.Dependencies = make([]int32, n)
		for i := range t.Dependencies {
			t.Dependencies[i] = r.I32()
		}
	}
	return r.Err()
}

func (o *ObjectInfo) decode(r *binio.Reader, version uint32, m *Metadata) error {
	if version >= 14 {
		r.Align(4)
	}
	if version >= 14 || m.BigIDEnabled {
		o.PathID = r.I64()
	} else {
		o.PathID = int64(r.I32())
	}

	o.startPos = r.Pos()
	if version >= LargeHeaderVersion {
		o.ByteStart = r.I64()
	} else {
		o.ByteStart = int64(r.U32())
	}
	o.sizePos = r.Pos()
	o.ByteSize = r.U32()
	o.TypeID = r.I32()

	if version < 16 {
		o.ClassID = int32(r.U16())
	} else if t := m.TypeOf(o, version); t != nil {
		o.ClassID = t.ClassID
	} else if r.Err() == nil {
		return fmt.Errorf("%w: type index %d out of range", ErrFormat, o.TypeID)
	}
	if version < 11 {
		r.U16() // destroyed flag
	}
	if version >= 11 && version < 17 {
		o.ScriptTypeIndex = r.I16()
	}
	if version == 15 || version == 16 {
		o.Stripped = r.U8() != 0
	}
	return r.Err()
}
