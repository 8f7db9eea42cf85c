package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/EchoTools/patchman/pkg/bundle"
	"github.com/EchoTools/patchman/pkg/serialized"
)

// primaryEntry is the bundle member holding the serialized asset file.
const primaryEntry = 0

// Scratch file suffixes, placed beside the destination.
const (
	decompressSuffix   = ".decomp"
	uncompressedSuffix = ".uncompressed"
)

// PatchBundle applies batch to the serialized file in the first member of
// a bundle and writes the rebuilt bundle compressed with codec. Scratch
// files are removed on every path. Nothing is written when no operation
// matched.
func (s *Session) PatchBundle(batch *Batch, codec bundle.Codec) (bool, error) {
	f, fh, err := bundle.OpenFile(batch.OriginalFilePath)
	if err != nil {
		return false, err
	}
	defer fh.Close()

	src, cleanup, err := s.decompress(f, batch.ModifiedFilePath+decompressSuffix)
	if err != nil {
		return false, fmt.Errorf("decompress %s: %w", batch.OriginalFilePath, err)
	}
	defer cleanup()

	entries := src.Entries()
	if len(entries) <= primaryEntry {
		return false, fmt.Errorf("%w: %s has no members", bundle.ErrFormat, batch.OriginalFilePath)
	}
	data, err := src.LoadEntry(primaryEntry)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", entries[primaryEntry].Name, err)
	}

	store, err := serialized.Open(data, src.Header.EngineRevision, s.schema)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", entries[primaryEntry].Name, err)
	}
	s.logger.Debug("opened bundle member", "bundle", batch.OriginalFilePath, "member", entries[primaryEntry].Name,
		"engine", store.EngineVersion(), "objects", len(store.Objects()))

	changed, err := s.Apply(store, batch)
	if err != nil {
		return false, err
	}
	if !changed {
		s.logger.Info("no operation matched, nothing written", "path", batch.OriginalFilePath)
		return false, nil
	}

	out, err := store.Serialize()
	if err != nil {
		return false, fmt.Errorf("serialize %s: %w", entries[primaryEntry].Name, err)
	}
	if err := src.ReplaceEntry(primaryEntry, out); err != nil {
		return false, err
	}

	if codec == bundle.CodecNone {
		err = s.renameUncompressed(src, batch.ModifiedFilePath)
	} else {
		err = writeFileAtomic(batch.ModifiedFilePath, func(w io.Writer) error {
			return src.Pack(w, codec)
		})
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("wrote bundle", "path", batch.ModifiedFilePath, "codec", codec)
	return true, nil
}

// renameUncompressed writes the rebuilt bundle uncompressed beside dst and
// moves it into place.
func (s *Session) renameUncompressed(src *bundle.File, dst string) error {
	intermediate := dst + uncompressedSuffix
	if err := writeFileAtomic(intermediate, src.WriteUncompressed); err != nil {
		return err
	}
	if err := os.Rename(intermediate, dst); err != nil {
		os.Remove(intermediate)
		return fmt.Errorf("rename to %s: %w", dst, err)
	}
	return nil
}

// decompress returns f itself when it is stored uncompressed, or an
// uncompressed copy in memory or in a scratch file at scratchPath. The
// cleanup function closes and removes the scratch file.
func (s *Session) decompress(f *bundle.File, scratchPath string) (*bundle.File, func(), error) {
	if !f.Compressed() {
		return f, func() {}, nil
	}

	var total int64
	for _, b := range f.Blocks() {
		total += int64(b.UncompressedSize)
	}
	mode := s.scratch
	if mode == ScratchAuto {
		mode = ScratchMemory
		if total >= autoScratchLimit {
			mode = ScratchDisk
		}
	}
	s.logger.Debug("decompressing bundle", "scratch", mode, "bytes", total)

	if mode == ScratchMemory {
		var buf bytes.Buffer
		buf.Grow(int(total) + 4096)
		if err := f.Unpack(&buf); err != nil {
			return nil, nil, err
		}
		out, err := bundle.Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		if err != nil {
			return nil, nil, err
		}
		return out, func() {}, nil
	}

	scratch, err := os.Create(scratchPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create scratch file: %w", err)
	}
	cleanup := func() {
		scratch.Close()
		if err := os.Remove(scratchPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove scratch file", "path", scratchPath, "error", err)
		}
	}

	if err := f.Unpack(scratch); err != nil {
		cleanup()
		return nil, nil, err
	}
	info, err := scratch.Stat()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("stat scratch file: %w", err)
	}
	out, err := bundle.Open(scratch, info.Size())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return out, cleanup, nil
}
