// Package texture repoints Texture2D objects at externally supplied image data.
//
// A Texture2D keeps its pixel payload either inline ("image data") or in a
// streamed resource described by m_StreamData (path, offset, size). Older
// layouts use m_Resource with m_Source, m_Offset and m_Size instead.
// Repointing rewrites that location and, optionally, the dimensions; the
// pixel bytes themselves are never touched.
package texture

import (
	"fmt"

	"github.com/EchoTools/patchman/pkg/serialized"
)

// ClassID is the engine class ID of Texture2D.
const ClassID int32 = 28

// Info is the subset of a Texture2D the patcher reads.
type Info struct {
	Name              string
	Width             int64
	Height            int64
	CompleteImageSize int64
	Format            int64
	Resource          serialized.Location
}

// Describe reads the name, dimensions and stream location of a texture.
func Describe(s *serialized.Store, obj *serialized.Object) (*Info, error) {
	root, err := s.FieldTree(obj)
	if err != nil {
		return nil, err
	}

	info := &Info{}
	name, err := root.Lookup("m_Name")
	if err != nil {
		return nil, err
	}
	if info.Name, err = name.AsString(); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"m_Width", &info.Width},
		{"m_Height", &info.Height},
		{"m_CompleteImageSize", &info.CompleteImageSize},
		{"m_TextureFormat", &info.Format},
	} {
		if field := root.Child(f.name); field != nil {
			if *f.dst, err = field.AsInt(); err != nil {
				return nil, err
			}
		}
	}

	fields, err := resourceFields(root)
	if err != nil {
		return nil, err
	}
	if info.Resource, err = fields.Read(root); err != nil {
		return nil, err
	}
	return info, nil
}

// Repoint is a new stream location for a texture. Zero Width or Height
// leaves that dimension unchanged.
type Repoint struct {
	Path   string
	Offset int64
	Size   int64
	Width  int
	Height int
}

func (r Repoint) String() string {
	s := serialized.Location{Path: r.Path, Offset: r.Offset, Size: r.Size}.String()
	if r.Width != 0 || r.Height != 0 {
		s += fmt.Sprintf(" %dx%d", r.Width, r.Height)
	}
	return s
}

// Apply writes the repoint into obj. m_CompleteImageSize follows Size when
// the layout has it.
func (r Repoint) Apply(s *serialized.Store, obj *serialized.Object) error {
	root, err := s.FieldTree(obj)
	if err != nil {
		return err
	}
	fields, err := resourceFields(root)
	if err != nil {
		return err
	}

	loc := serialized.Location{Path: r.Path, Offset: r.Offset, Size: r.Size}
	if err := fields.Write(s, obj, loc); err != nil {
		return fmt.Errorf("write %s: %w", fields.Field, err)
	}

	if root.Has("m_CompleteImageSize") {
		if err := s.SetField(obj, []string{"m_CompleteImageSize"}, r.Size); err != nil {
			return err
		}
	}
	if r.Width != 0 {
		if err := s.SetField(obj, []string{"m_Width"}, r.Width); err != nil {
			return err
		}
	}
	if r.Height != 0 {
		if err := s.SetField(obj, []string{"m_Height"}, r.Height); err != nil {
			return err
		}
	}
	return nil
}

func resourceFields(root *serialized.Field) (serialized.ResourceFields, error) {
	switch {
	case serialized.StreamingInfo.Present(root):
		return serialized.StreamingInfo, nil
	case serialized.StreamedResource.Present(root):
		return serialized.StreamedResource, nil
	}
	return serialized.ResourceFields{}, fmt.Errorf("%w: texture has neither %s nor %s",
		serialized.ErrFieldNotFound, serialized.StreamingInfo.Field, serialized.StreamedResource.Field)
}
