package serialized

import (
	"errors"

	"github.com/EchoTools/patchman/pkg/binio"
)

var (
	// ErrFormat is returned for headers and metadata this package cannot parse.
	ErrFormat = errors.New("malformed serialized file")

	// ErrTruncated is returned when a structure extends past the end of its buffer.
	ErrTruncated = binio.ErrTruncated

	// ErrUnknownEngineVersion is returned when no field layout exists for the
	// file's engine version.
	ErrUnknownEngineVersion = errors.New("unknown engine version")

	// ErrUnknownClass is returned when the resolved layout has no entry for a class.
	ErrUnknownClass = errors.New("unknown class")

	// ErrFieldNotFound is returned when a path segment names no child field.
	ErrFieldNotFound = errors.New("field not found")

	// ErrTypeMismatch is returned when a value cannot be stored in a field.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUnsupportedResize is returned when a write would change the encoded
	// length of an object whose layout is only partly known.
	ErrUnsupportedResize = errors.New("unsupported resize")
)
