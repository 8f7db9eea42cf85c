// Package audio repoints AudioClip objects at externally supplied sample data.
//
// An AudioClip streams its samples from m_Resource (m_Source, m_Offset,
// m_Size). m_Length holds the playback duration in seconds.
package audio

import (
	"fmt"

	"github.com/EchoTools/patchman/pkg/serialized"
)

// ClassID is the engine class ID of AudioClip.
const ClassID int32 = 83

// Info is the subset of an AudioClip the patcher reads.
type Info struct {
	Name      string
	Channels  int64
	Frequency int64
	Length    float64
	Resource  serialized.Location
}

// Describe reads the name, format and stream location of a clip.
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
	if f := root.Child("m_Channels"); f != nil {
		if info.Channels, err = f.AsInt(); err != nil {
			return nil, err
		}
	}
	if f := root.Child("m_Frequency"); f != nil {
		if info.Frequency, err = f.AsInt(); err != nil {
			return nil, err
		}
	}
	if f := root.Child("m_Length"); f != nil {
		if info.Length, err = f.AsFloat(); err != nil {
			return nil, err
		}
	}
	if info.Resource, err = serialized.StreamedResource.Read(root); err != nil {
		return nil, err
	}
	return info, nil
}

// Repoint is a new stream location for a clip. A zero Length leaves the
// duration unchanged.
type Repoint struct {
	Path   string
	Offset int64
	Size   int64
	Length float64
}

func (r Repoint) String() string {
	s := serialized.Location{Path: r.Path, Offset: r.Offset, Size: r.Size}.String()
	if r.Length != 0 {
		s += fmt.Sprintf(" %.3fs", r.Length)
	}
	return s
}

// Apply writes the repoint into obj.
func (r Repoint) Apply(s *serialized.Store, obj *serialized.Object) error {
	loc := serialized.Location{Path: r.Path, Offset: r.Offset, Size: r.Size}
	if err := serialized.StreamedResource.Write(s, obj, loc); err != nil {
		return fmt.Errorf("write %s: %w", serialized.StreamedResource.Field, err)
	}
	if r.Length != 0 {
		if err := s.SetField(obj, []string{"m_Length"}, r.Length); err != nil {
			return err
		}
	}
	return nil
}
