package bundle

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/EchoTools/patchman/pkg/binio"
)

// File is an opened bundle. Member payloads are read lazily from the
// underlying reader, decompressing only the blocks they overlap.
type File struct {
	Header Header

	info      blockInfo
	r         io.ReaderAt
	dataStart int64

	// blockStarts[i] is the file offset of block i's stored bytes.
	blockStarts []int64

	replaced map[int][]byte

	// Decompression cache
	lastBlock     int
	lastBlockData []byte
}

// Open parses the header and block info of the bundle stored in r.
func Open(r io.ReaderAt, size int64) (*File, error) {
	// The header is small; 4 KiB covers any real engine version strings.
	headBuf := make([]byte, min(size, 4096))
	if _, err := r.ReadAt(headBuf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}

	f := &File{r: r, lastBlock: -1}
	hr := binio.NewReader(headBuf, binary.BigEndian)
	if err := f.Header.DecodeFrom(hr); err != nil {
		return nil, err
	}
	if err := f.Header.Validate(); err != nil {
		return nil, err
	}
	if f.Header.Size > size {
		return nil, fmt.Errorf("%w: header declares %d bytes, file has %d", ErrTruncated, f.Header.Size, size)
	}

	infoPos, dataStart := f.Header.infoOffset(int64(hr.Pos()))
	if infoPos < 0 || infoPos+int64(f.Header.CompressedInfoSize) > size {
		return nil, fmt.Errorf("%w: block info at %d+%d beyond file size %d", ErrTruncated, infoPos, f.Header.CompressedInfoSize, size)
	}
	raw := make([]byte, f.Header.CompressedInfoSize)
	if err := readFull(r, raw, infoPos); err != nil {
		return nil, fmt.Errorf("read block info: %w", err)
	}
	infoData, err := Decompress(f.Header.Compression(), raw, int(f.Header.UncompressedInfoSize))
	if err != nil {
		return nil, fmt.Errorf("decompress block info: %w", err)
	}
	if err := f.info.decode(infoData); err != nil {
		return nil, err
	}

	f.dataStart = dataStart
	f.blockStarts = make([]int64, len(f.info.Blocks))
	pos := dataStart
	for i, b := range f.info.Blocks {
		f.blockStarts[i] = pos
		pos += int64(b.CompressedSize)
	}
	if pos > size {
		return nil, fmt.Errorf("%w: block data ends at %d, file has %d bytes", ErrTruncated, pos, size)
	}

	total := f.info.dataSize()
	for _, e := range f.info.Entries {
		if e.Offset < 0 || e.Size < 0 || e.Offset+e.Size > total {
			return nil, fmt.Errorf("%w: entry %q at %d+%d outside %d data bytes", ErrFormat, e.Name, e.Offset, e.Size, total)
		}
	}

	return f, nil
}

// OpenFile opens the bundle at path. The caller must close the returned file.
func OpenFile(path string) (*File, *os.File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, nil, fmt.Errorf("stat bundle: %w", err)
	}
	f, err := Open(fh, info.Size())
	if err != nil {
		fh.Close()
		return nil, nil, err
	}
	return f, fh, nil
}

// Entries returns the member directory as stored in the file.
func (f *File) Entries() []DirectoryEntry {
	return f.info.Entries
}

// Blocks returns the block table as stored in the file.
func (f *File) Blocks() []BlockInfo {
	return f.info.Blocks
}

// Compressed reports whether any block or the block info is compressed.
func (f *File) Compressed() bool {
	if f.Header.Compression() != CompressionNone {
		return true
	}
	for _, b := range f.info.Blocks {
		if b.Compression() != CompressionNone {
			return true
		}
	}
	return false
}

// EntryIndex returns the index of the entry named name, or -1.
func (f *File) EntryIndex(name string) int {
	for i, e := range f.info.Entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// LoadEntry returns the payload of entry i, including any replacement.
func (f *File) LoadEntry(i int) ([]byte, error) {
	if i < 0 || i >= len(f.info.Entries) {
		return nil, fmt.Errorf("entry index %d out of range [0,%d)", i, len(f.info.Entries))
	}
	if data, ok := f.replaced[i]; ok {
		return data, nil
	}
	e := f.info.Entries[i]
	out := make([]byte, 0, e.Size)
	if err := f.readData(e.Offset, e.Size, func(p []byte) error {
		out = append(out, p...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load entry %q: %w", e.Name, err)
	}
	return out, nil
}

// ReplaceEntry queues new payload bytes for entry i. Offsets of this and every
// following entry are recomputed when the bundle is written.
func (f *File) ReplaceEntry(i int, data []byte) error {
	if i < 0 || i >= len(f.info.Entries) {
		return fmt.Errorf("entry index %d out of range [0,%d)", i, len(f.info.Entries))
	}
	if f.replaced == nil {
		f.replaced = make(map[int][]byte)
	}
	f.replaced[i] = data
	return nil
}

// Layout returns the directory as it will be written: every entry in directory
// order, laid out back to back from offset zero.
func (f *File) Layout() []DirectoryEntry {
	entries := make([]DirectoryEntry, len(f.info.Entries))
	var offset int64
	for i, e := range f.info.Entries {
		size := e.Size
		if data, ok := f.replaced[i]; ok {
			size = int64(len(data))
		}
		entries[i] = DirectoryEntry{Offset: offset, Size: size, Flags: e.Flags, Name: e.Name}
		offset += size
	}
	return entries
}

// readData streams decompressed bytes [off, off+n) to emit.
func (f *File) readData(off, n int64, emit func([]byte) error) error {
	var blockOff int64
	for i, b := range f.info.Blocks {
		if n <= 0 {
			return nil
		}
		blockEnd := blockOff + int64(b.UncompressedSize)
		if off >= blockEnd {
			blockOff = blockEnd
			continue
		}
		data, err := f.block(i)
		if err != nil {
			return err
		}
		start := off - blockOff
		end := min(int64(len(data)), start+n)
		if err := emit(data[start:end]); err != nil {
			return err
		}
		n -= end - start
		off += end - start
		blockOff = blockEnd
	}
	if n > 0 {
		return fmt.Errorf("%w: %d bytes past the last block", ErrTruncated, n)
	}
	return nil
}

// block returns the decompressed contents of block i.
func (f *File) block(i int) ([]byte, error) {
	if f.lastBlockData != nil && f.lastBlock == i {
		return f.lastBlockData, nil
	}
	b := f.info.Blocks[i]
	raw := make([]byte, b.CompressedSize)
	if err := readFull(f.r, raw, f.blockStarts[i]); err != nil {
		return nil, fmt.Errorf("read block %d: %w", i, err)
	}
	data, err := Decompress(b.Compression(), raw, int(b.UncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("decompress block %d: %w", i, err)
	}
	f.lastBlock = i
	f.lastBlockData = data
	return data, nil
}

// Unpack writes a fully decompressed copy of the bundle to dst: the block info
// and every block are stored uncompressed, block boundaries and the directory
// are kept as they are. Reopen the written copy to read members directly.
func (f *File) Unpack(dst io.Writer) error {
	info := blockInfo{
		Hash:    f.info.Hash,
		Blocks:  make([]BlockInfo, len(f.info.Blocks)),
		Entries: f.info.Entries,
	}
	for i, b := range f.info.Blocks {
		info.Blocks[i] = BlockInfo{
			UncompressedSize: b.UncompressedSize,
			CompressedSize:   b.UncompressedSize,
			Flags:            b.Flags &^ BlockCompressionMask,
		}
	}

	blocks := func(emit func([]byte) error) error {
		for i := range f.info.Blocks {
			data, err := f.block(i)
			if err != nil {
				return err
			}
			if err := emit(data); err != nil {
				return err
			}
		}
		return nil
	}
	return writeBundle(dst, f.Header, info, CodecNone, blocks)
}

// readFull fills p from r at off. A short read is reported as ErrTruncated.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: read %d of %d bytes at offset %d", ErrTruncated, n, len(p), off)
	}
	return err
}

// Member is a payload placed in a bundle built with New.
type Member struct {
	Name  string
	Flags uint32
	Data  []byte
}

// New returns an in-memory bundle holding members, ready to Pack.
func New(engineRevision string, members ...Member) *File {
	f := &File{
		Header: Header{
			Signature:      Signature,
			Version:        7,
			EngineVersion:  "5.x.x",
			EngineRevision: engineRevision,
			Flags:          FlagInfoCombined,
		},
		lastBlock: -1,
		replaced:  make(map[int][]byte, len(members)),
	}
	for i, m := range members {
		f.info.Entries = append(f.info.Entries, DirectoryEntry{Size: int64(len(m.Data)), Flags: m.Flags, Name: m.Name})
		f.replaced[i] = m.Data
	}
	return f
}
