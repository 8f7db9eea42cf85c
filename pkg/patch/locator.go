package patch

import (
	"fmt"

	"github.com/EchoTools/patchman/pkg/serialized"
)

// FindByName returns the first object of classID, in storage order, whose
// m_Name equals name exactly. It returns nil when there is none.
func FindByName(s *serialized.Store, classID int32, name string) (*serialized.Object, error) {
	for _, obj := range s.ObjectsOfClass(classID) {
		root, err := s.FieldTree(obj)
		if err != nil {
			return nil, err
		}
		f, err := root.Lookup("m_Name")
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", obj.PathID, err)
		}
		got, err := f.AsString()
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", obj.PathID, err)
		}
		if got == name {
			return obj, nil
		}
	}
	return nil, nil
}
