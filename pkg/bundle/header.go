// Package bundle reads and writes UnityFS asset bundle containers.
//
// A bundle is a header, a block-info section holding the block table and the
// member directory, and a stream of blocks. Each block may be compressed on its
// own; the member directory addresses the concatenation of the decompressed
// blocks. The block-info section is itself compressed with the codec named in
// the header flags.
package bundle

import (
	"encoding/binary"
	"fmt"

	"github.com/EchoTools/patchman/pkg/binio"
)

// Signature identifies a UnityFS container.
const Signature = "UnityFS"

// Header flag bits.
const (
	FlagCompressionMask = 0x3F
	FlagInfoCombined    = 0x40
	FlagInfoAtEnd       = 0x80
	FlagOldWebPlugin    = 0x100
	FlagInfoPadding     = 0x200
)

// Block flag bits.
const (
	BlockCompressionMask = 0x3F
	BlockStreamed        = 0x40
)

// EntrySerialized marks a directory entry holding a serialized asset file.
const EntrySerialized = 0x04

const (
	hashSize       = 16
	maxStringBytes = 1 << 12
)

// Header is the fixed prefix of a bundle file. All fields are big-endian.
type Header struct {
	Signature            string
	Version              uint32
	EngineVersion        string // generation string, e.g. "5.x.x"
	EngineRevision       string // full engine version, e.g. "2019.4.40f1"
	Size                 int64  // total file size
	CompressedInfoSize   uint32
	UncompressedInfoSize uint32
	Flags                uint32
}

// Compression returns the codec used for the block-info section.
func (h *Header) Compression() Compression {
	return Compression(h.Flags & FlagCompressionMask)
}

// SetCompression replaces the block-info codec bits.
func (h *Header) SetCompression(c Compression) {
	h.Flags = h.Flags&^FlagCompressionMask | uint32(c)&FlagCompressionMask
}

// Len returns the encoded length of the header, before any alignment.
func (h *Header) Len() int {
	return len(h.Signature) + 1 + 4 + len(h.EngineVersion) + 1 + len(h.EngineRevision) + 1 + 8 + 4 + 4 + 4
}

// Validate checks the header for validity.
func (h *Header) Validate() error {
	if h.Signature != Signature {
		return fmt.Errorf("%w: invalid signature %q", ErrFormat, h.Signature)
	}
	if h.Version < 6 {
		return fmt.Errorf("%w: unsupported format version %d", ErrFormat, h.Version)
	}
	if h.Size < int64(h.Len()) {
		return fmt.Errorf("%w: declared size %d shorter than header", ErrFormat, h.Size)
	}
	if h.UncompressedInfoSize == 0 {
		return fmt.Errorf("%w: empty block info", ErrFormat)
	}
	return nil
}

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	w := binio.NewWriter(binary.BigEndian, h.Len())
	h.EncodeTo(w)
	return w.Bytes(), nil
}

// EncodeTo appends the header to w.
func (h *Header) EncodeTo(w *binio.Writer) {
	w.CString(h.Signature)
	w.U32(h.Version)
	w.CString(h.EngineVersion)
	w.CString(h.EngineRevision)
	w.I64(h.Size)
	w.U32(h.CompressedInfoSize)
	w.U32(h.UncompressedInfoSize)
	w.U32(h.Flags)
}

// UnmarshalBinary decodes and validates the header.
func (h *Header) UnmarshalBinary(data []byte) error {
	r := binio.NewReader(data, binary.BigEndian)
	if err := h.DecodeFrom(r); err != nil {
		return err
	}
	return h.Validate()
}

// DecodeFrom reads the header from r without validating it.
func (h *Header) DecodeFrom(r *binio.Reader) error {
	h.Signature = r.CString(len(Signature))
	if r.Err() != nil {
		return fmt.Errorf("%w: missing signature", ErrFormat)
	}
	h.Version = r.U32()
	h.EngineVersion = r.CString(maxStringBytes)
	h.EngineRevision = r.CString(maxStringBytes)
	h.Size = r.I64()
	h.CompressedInfoSize = r.U32()
	h.UncompressedInfoSize = r.U32()
	h.Flags = r.U32()
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	return nil
}

// infoOffset reports where the block-info section and the block data begin,
// given the position immediately after the header.
func (h *Header) infoOffset(afterHeader int64) (info, data int64) {
	pos := afterHeader
	if h.Version >= 7 {
		pos = align(pos, 16)
	}
	if h.Flags&FlagInfoAtEnd != 0 {
		return h.Size - int64(h.CompressedInfoSize), pos
	}
	data = pos + int64(h.CompressedInfoSize)
	if h.Flags&FlagInfoPadding != 0 {
		data = align(data, 16)
	}
	return pos, data
}

func align(v, n int64) int64 {
	if rem := v % n; rem != 0 {
		return v + n - rem
	}
	return v
}

// BlockInfo describes one storage block.
type BlockInfo struct {
	UncompressedSize uint32
	CompressedSize   uint32
	Flags            uint16
}

// Compression returns the block codec.
func (b BlockInfo) Compression() Compression {
	return Compression(b.Flags & BlockCompressionMask)
}

// DirectoryEntry names a member of the bundle and its extent in the
// decompressed data stream.
type DirectoryEntry struct {
	Offset int64
	Size   int64
	Flags  uint32
	Name   string
}

// blockInfo is the decoded block-info section.
type blockInfo struct {
	Hash    [hashSize]byte
	Blocks  []BlockInfo
	Entries []DirectoryEntry
}

func (bi *blockInfo) decode(data []byte) error {
	r := binio.NewReader(data, binary.BigEndian)
	copy(bi.Hash[:], r.Bytes(hashSize))

	count := r.I32()
	if count < 0 || int(count) > r.Remaining()/10 {
		return fmt.Errorf("%w: block count %d", ErrFormat, count)
	}
	bi.Blocks = make([]BlockInfo, count)
	for i := range bi.Blocks {
		bi.Blocks[i] = BlockInfo{
			UncompressedSize: r.U32(),
			CompressedSize:   r.U32(),
			Flags:            r.U16(),
		}
	}

	count = r.I32()
	if count < 0 || int(count) > r.Remaining()/21 {
		return fmt.Errorf("%w: directory count %d", ErrFormat, count)
	}
	bi.Entries = make([]DirectoryEntry, count)
	for i := range bi.Entries {
		bi.Entries[i] = DirectoryEntry{
			Offset: r.I64(),
			Size:   r.I64(),
			Flags:  r.U32(),
			Name:   r.CString(maxStringBytes),
		}
	}

	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: block info: %v", ErrFormat, err)
	}
	return nil
}

func (bi *blockInfo) encode() []byte {
	w := binio.NewWriter(binary.BigEndian, hashSize+8+len(bi.Blocks)*10+len(bi.Entries)*32)
	w.Raw(bi.Hash[:])
	w.I32(int32(len(bi.Blocks)))
	for _, b := range bi.Blocks {
		w.U32(b.UncompressedSize)
		w.U32(b.CompressedSize)
		w.U16(b.Flags)
	}
	w.I32(int32(len(bi.Entries)))
	for _, e := range bi.Entries {
		w.I64(e.Offset)
		w.I64(e.Size)
		w.U32(e.Flags)
		w.CString(e.Name)
	}
	return w.Bytes()
}

// dataSize returns the total decompressed length addressed by the blocks.
func (bi *blockInfo) dataSize() int64 {
	var total int64
	for _, b := range bi.Blocks {
		total += int64(b.UncompressedSize)
	}
	return total
}
