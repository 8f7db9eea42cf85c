package bundle

import (
	"errors"

	"github.com/EchoTools/patchman/pkg/binio"
)

var (
	// ErrFormat is returned for a bad signature, an inconsistent header, or a
	// directory that points outside the data stream.
	ErrFormat = errors.New("malformed bundle")

	// ErrTruncated is returned when block data ends before its declared size.
	ErrTruncated = binio.ErrTruncated

	// ErrUnsupportedCodec is returned for compression types this package cannot
	// decode, and for unknown codec names when packing.
	ErrUnsupportedCodec = errors.New("unsupported compression")
)
