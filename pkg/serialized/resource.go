package serialized

import (
	"fmt"
)

// Location is where an object's payload is streamed from: a path inside or
// beside the archive, a byte offset, and a byte length.
type Location struct {
	Path   string
	Offset int64
	Size   int64
}

func (l Location) String() string {
	return fmt.Sprintf("%s@%d+%d", l.Path, l.Offset, l.Size)
}

// ResourceFields names the composite and leaves holding a Location.
type ResourceFields struct {
	Field  string
	Path   string
	Offset string
	Size   string
}

var (
	// StreamingInfo is the layout used by textures and meshes.
	StreamingInfo = ResourceFields{Field: "m_StreamData", Path: "path", Offset: "offset", Size: "size"}

	// StreamedResource is the layout used by audio and video clips.
	StreamedResource = ResourceFields{Field: "m_Resource", Path: "m_Source", Offset: "m_Offset", Size: "m_Size"}
)

// Present reports whether root has the resource composite.
func (rf ResourceFields) Present(root *Field) bool {
	return root.Child(rf.Field) != nil
}

// Read returns the location stored under root.
func (rf ResourceFields) Read(root *Field) (Location, error) {
	var loc Location
	path, err := root.Lookup(rf.Field, rf.Path)
	if err != nil {
		return loc, err
	}
	if loc.Path, err = path.AsString(); err != nil {
		return loc, err
	}
	offset, err := root.Lookup(rf.Field, rf.Offset)
	if err != nil {
		return loc, err
	}
	if loc.Offset, err = offset.AsInt(); err != nil {
		return loc, err
	}
	size, err := root.Lookup(rf.Field, rf.Size)
	if err != nil {
		return loc, err
	}
	if loc.Size, err = size.AsInt(); err != nil {
		return loc, err
	}
	return loc, nil
}

// Write stores loc in the object's resource fields. All three leaves are
// resolved before any is written.
func (rf ResourceFields) Write(s *Store, o *Object, loc Location) error {
	root, err := s.FieldTree(o)
	if err != nil {
		return err
	}
	var leaves [3]*Field
	for i, name := range []string{rf.Path, rf.Offset, rf.Size} {
		if leaves[i], err = root.Lookup(rf.Field, name); err != nil {
			return err
		}
	}
	if err := leaves[0].Set(loc.Path); err != nil {
		return err
	}
	if err := leaves[1].Set(loc.Offset); err != nil {
		return err
	}
	return leaves[2].Set(loc.Size)
}
