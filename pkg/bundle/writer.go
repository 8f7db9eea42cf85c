package bundle

import (
	"encoding/binary"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/EchoTools/patchman/pkg/binio"
)

// packConfig holds Pack options.
type packConfig struct {
	concurrency int
}

// PackOption configures Pack.
type PackOption func(*packConfig)

// WithConcurrency sets how many blocks are compressed at once.
func WithConcurrency(n int) PackOption {
	return func(c *packConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

type packedBlock struct {
	data []byte
	info BlockInfo
}

// Pack writes the bundle to dst with every block encoded by codec. The data
// stream is rebuilt from the directory returned by Layout, so replaced entries
// shift the entries after them. LZ4 output is split into 128 KiB blocks which
// are compressed concurrently; LZMA output is a single block.
func (f *File) Pack(dst io.Writer, codec Codec, opts ...PackOption) error {
	if codec < CodecNone || codec > CodecLZ4Fast {
		return fmt.Errorf("%w: codec %d", ErrUnsupportedCodec, int(codec))
	}
	cfg := &packConfig{concurrency: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(cfg)
	}

	entries := f.Layout()
	var total int64
	for _, e := range entries {
		total += e.Size
	}

	size := codec.blockSize()
	count := int((total + int64(size) - 1) / int64(size))
	results := make([]packedBlock, count)

	var g errgroup.Group
	g.SetLimit(cfg.concurrency)

	chunk := make([]byte, 0, min(int64(size), total))
	next := 0
	flush := func() {
		data, index := chunk, next
		next++
		g.Go(func() error {
			out, tag, err := Compress(codec, data)
			if err != nil {
				return fmt.Errorf("compress block %d: %w", index, err)
			}
			results[index] = packedBlock{
				data: out,
				info: BlockInfo{
					UncompressedSize: uint32(len(data)),
					CompressedSize:   uint32(len(out)),
					Flags:            uint16(tag),
				},
			}
			return nil
		})
		chunk = make([]byte, 0, max(0, min(int64(size), total-int64(next)*int64(size))))
	}

	for i := range entries {
		err := f.entryData(i, func(p []byte) error {
			for len(p) > 0 {
				n := min(size-len(chunk), len(p))
				chunk = append(chunk, p[:n]...)
				p = p[n:]
				if len(chunk) == size {
					flush()
				}
			}
			return nil
		})
		if err != nil {
			g.Wait()
			return fmt.Errorf("read entry %q: %w", entries[i].Name, err)
		}
	}
	if len(chunk) > 0 {
		flush()
	}
	if err := g.Wait(); err != nil {
		return err
	}

	info := blockInfo{
		Hash:    f.info.Hash,
		Blocks:  make([]BlockInfo, len(results)),
		Entries: entries,
	}
	for i, b := range results {
		info.Blocks[i] = b.info
	}

	infoCodec := codec
	if codec == CodecLZ4Fast {
		infoCodec = CodecLZ4
	}

	return writeBundle(dst, f.Header, info, infoCodec, func(emit func([]byte) error) error {
		for _, b := range results {
			if err := emit(b.data); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteUncompressed writes the rebuilt bundle with no compression anywhere.
func (f *File) WriteUncompressed(dst io.Writer) error {
	return f.Pack(dst, CodecNone)
}

// entryData streams the payload of entry i, honouring replacements.
func (f *File) entryData(i int, emit func([]byte) error) error {
	if data, ok := f.replaced[i]; ok {
		return emit(data)
	}
	e := f.info.Entries[i]
	return f.readData(e.Offset, e.Size, emit)
}

// writeBundle emits header, block info and blocks. The header template
// supplies version strings and flags; sizes, codec bits and the info
// placement are recomputed.
func writeBundle(dst io.Writer, h Header, info blockInfo, infoCodec Codec, blocks func(emit func([]byte) error) error) error {
	raw := info.encode()
	packed, tag, err := Compress(infoCodec, raw)
	if err != nil {
		return fmt.Errorf("compress block info: %w", err)
	}

	h.Signature = Signature
	h.Flags &^= FlagInfoAtEnd
	h.SetCompression(tag)
	h.CompressedInfoSize = uint32(len(packed))
	h.UncompressedInfoSize = uint32(len(raw))

	infoPos, dataStart := h.infoOffset(int64(h.Len()))
	var blockBytes int64
	for _, b := range info.Blocks {
		blockBytes += int64(b.CompressedSize)
	}
	h.Size = dataStart + blockBytes

	w := binio.NewWriter(binary.BigEndian, int(dataStart))
	h.EncodeTo(w)
	padTo(w, infoPos)
	w.Raw(packed)
	padTo(w, dataStart)
	if _, err := dst.Write(w.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var written int64
	err = blocks(func(p []byte) error {
		n, err := dst.Write(p)
		written += int64(n)
		return err
	})
	if err != nil {
		return fmt.Errorf("write blocks: %w", err)
	}
	if written != blockBytes {
		return fmt.Errorf("wrote %d block bytes, block table declares %d", written, blockBytes)
	}
	return nil
}

func padTo(w *binio.Writer, n int64) {
	for int64(w.Len()) < n {
		w.U8(0)
	}
}
