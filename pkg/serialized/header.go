// Package serialized reads and rewrites Unity serialized asset files.
//
// A serialized file is a big-endian header, a metadata section (engine
// version, type table with optional type trees, object table, and external
// references), and a data section holding each object's bytes. Objects are
// decoded into a typed Field tree using the embedded type tree when present,
// or a layout resolved by engine version from a SchemaSource otherwise.
package serialized

import (
	"encoding/binary"
	"fmt"

	"github.com/EchoTools/patchman/pkg/binio"
)

const (
	// MinVersion is the oldest format version supported.
	MinVersion = 9

	// LargeHeaderVersion is the first format with 64-bit header fields.
	LargeHeaderVersion = 22

	smallHeaderSize = 20
	largeHeaderSize = 48
)

// Header is the fixed prefix of a serialized file. It is always big-endian.
type Header struct {
	MetadataSize uint32
	FileSize     int64
	Version      uint32
	DataOffset   int64
	BigEndian    bool
	Reserved     [3]byte
	Unknown      int64

	// Legacy 32-bit fields kept verbatim in the large header.
	legacy [16]byte
}

// Size returns the encoded size of the header.
func (h *Header) Size() int {
	if h.Version >= LargeHeaderVersion {
		return largeHeaderSize
	}
	return smallHeaderSize
}

// ByteOrder returns the order of the metadata and object data.
func (h *Header) ByteOrder() binary.ByteOrder {
	if h.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// DecodeFrom reads the header from r.
func (h *Header) DecodeFrom(r *binio.Reader) error {
	start := r.Pos()
	h.MetadataSize = r.U32()
	h.FileSize = int64(r.U32())
	h.Version = r.U32()
	h.DataOffset = int64(r.U32())
	if r.Err() != nil {
		return fmt.Errorf("%w: header: %v", ErrFormat, r.Err())
	}
	if h.Version < MinVersion || h.Version > 0xFF {
		return fmt.Errorf("%w: unsupported format version %d", ErrFormat, h.Version)
	}

	h.BigEndian = r.Bool()
	copy(h.Reserved[:], r.Bytes(3))

	if h.Version >= LargeHeaderVersion {
		end := r.Pos()
		r.Seek(start)
		copy(h.legacy[:], r.Bytes(16))
		r.Seek(end)

		h.MetadataSize = r.U32()
		h.FileSize = r.I64()
		h.DataOffset = r.I64()
		h.Unknown = r.I64()
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	return nil
}

// EncodeTo writes the header to w.
func (h *Header) EncodeTo(w *binio.Writer) {
	w.SetOrder(binary.BigEndian)
	if h.Version >= LargeHeaderVersion {
		w.Raw(h.legacy[:])
	} else {
		w.U32(h.MetadataSize)
		w.U32(uint32(h.FileSize))
		w.U32(h.Version)
		w.U32(uint32(h.DataOffset))
	}
	w.Bool(h.BigEndian)
	w.Raw(h.Reserved[:])
	if h.Version >= LargeHeaderVersion {
		w.U32(h.MetadataSize)
		w.I64(h.FileSize)
		w.I64(h.DataOffset)
		w.I64(h.Unknown)
	}
}

// NewHeader returns a header for a new file of the given format version. The
// legacy fields of a large header carry the version so the sniffer and older
// readers can identify the file.
func NewHeader(version uint32, metadataSize uint32, dataOffset, fileSize int64) *Header {
	h := &Header{
		MetadataSize: metadataSize,
		FileSize:     fileSize,
		Version:      version,
		DataOffset:   dataOffset,
	}
	if version >= LargeHeaderVersion {
		binary.BigEndian.PutUint32(h.legacy[8:12], version)
	}
	return h
}

// putFileSize patches the file size field of an encoded header in place.
func (h *Header) putFileSize(data []byte, size int64) {
	if h.Version >= LargeHeaderVersion {
		binary.BigEndian.PutUint64(data[24:32], uint64(size))
		return
	}
	binary.BigEndian.PutUint32(data[4:8], uint32(size))
}
