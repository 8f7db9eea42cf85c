// Package detect classifies Unity files by inspecting their leading bytes.
//
// A bundle container starts with the "UnityFS" signature. A bare serialized
// asset file has no magic; it is recognised heuristically by a plausible format
// version and a clean engine-version string at the position the header layout
// implies. Classification never fails: anything unrecognisable is Unknown.
package detect

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// FileType is the result of classifying a file.
type FileType int

const (
	Unknown FileType = iota
	SerializedAsset
	BundleContainer
)

// BundleSignature is the magic string at the start of a bundle container.
const BundleSignature = "UnityFS"

const (
	minSize          = 0x20
	maxVersionLength = 0xFF
	largeHeaderFrom  = 0x16
	maxFormat        = 0xFF
	minVersionChars  = 5
)

// String returns the file type name.
func (t FileType) String() string {
	switch t {
	case SerializedAsset:
		return "SerializedAsset"
	case BundleContainer:
		return "BundleContainer"
	default:
		return "Unknown"
	}
}

// Classify inspects data and reports what kind of Unity file it holds.
func Classify(data []byte) FileType {
	if len(data) < minSize {
		return Unknown
	}
	if string(data[:len(BundleSignature)]) == BundleSignature {
		return BundleContainer
	}

	format := binary.BigEndian.Uint32(data[8:12])
	pos := 0x14
	if format >= largeHeaderFrom {
		pos = 0x30
	}

	var clean, dirty int
	for count := 0; pos < len(data) && data[pos] != 0; pos++ {
		if isVersionChar(data[pos]) {
			clean++
		} else {
			dirty++
		}
		count++
		if count > maxVersionLength {
			break
		}
	}

	if format < maxFormat && dirty == 0 && clean >= minVersionChars {
		return SerializedAsset
	}
	return Unknown
}

// ClassifyReader classifies the first bytes readable from r.
func ClassifyReader(r io.ReaderAt, size int64) (FileType, error) {
	// Enough for the largest header plus a maximal version string.
	const window = 0x30 + maxVersionLength + 2
	n := int64(window)
	if size < n {
		n = size
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("read header bytes: %w", err)
	}
	return Classify(buf), nil
}

// ClassifyFile opens path and classifies it.
func ClassifyFile(path string) (FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Unknown, fmt.Errorf("stat file: %w", err)
	}
	return ClassifyReader(f, info.Size())
}

func isVersionChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '-', c == '\n':
		return true
	}
	return false
}
