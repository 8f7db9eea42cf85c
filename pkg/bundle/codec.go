package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// Compression is the codec tag stored in header and block flags.
// These values are format constants.
type Compression uint8

const (
	CompressionNone  Compression = 0
	CompressionLZMA  Compression = 1
	CompressionLZ4   Compression = 2
	CompressionLZ4HC Compression = 3
	CompressionLZHAM Compression = 4
)

// String returns the human-readable name of a compression tag.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZMA:
		return "lzma"
	case CompressionLZ4:
		return "lz4"
	case CompressionLZ4HC:
		return "lz4hc"
	case CompressionLZHAM:
		return "lzham"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Codec selects the encoder used when packing a bundle.
type Codec int

const (
	CodecNone Codec = iota
	CodecLZMA
	CodecLZ4     // high-compression LZ4, the engine's default for chunk-based bundles
	CodecLZ4Fast // fast LZ4 encoder
)

// ParseCodec parses a codec selector: lzma, lz4, lz4fast or none.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "none":
		return CodecNone, nil
	case "lzma":
		return CodecLZMA, nil
	case "lz4", "lz4hc":
		return CodecLZ4, nil
	case "lz4fast":
		return CodecLZ4Fast, nil
	default:
		return 0, fmt.Errorf("%w: codec %q", ErrUnsupportedCodec, name)
	}
}

// String returns the selector name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZMA:
		return "lzma"
	case CodecLZ4:
		return "lz4"
	case CodecLZ4Fast:
		return "lz4fast"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Compression returns the tag written for blocks encoded with c.
func (c Codec) Compression() Compression {
	switch c {
	case CodecLZMA:
		return CompressionLZMA
	case CodecLZ4:
		return CompressionLZ4HC
	case CodecLZ4Fast:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// blockSize is the uncompressed chunk size used when splitting the data stream.
func (c Codec) blockSize() int {
	switch c {
	case CodecLZ4, CodecLZ4Fast:
		return lz4BlockSize
	default:
		return maxBlockSize
	}
}

const (
	lz4BlockSize = 128 << 10
	maxBlockSize = 1<<31 - 1

	lzmaPropsSize = 5
	lzmaDictCap   = 1 << 21
)

// Decompress decodes a block compressed with c into exactly size bytes.
func Decompress(c Compression, src []byte, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(src) < size {
			return nil, fmt.Errorf("%w: stored block has %d bytes, expected %d", ErrTruncated, len(src), size)
		}
		return src[:size], nil

	case CompressionLZMA:
		return decompressLZMA(src, size)

	case CompressionLZ4, CompressionLZ4HC:
		return decompressLZ4(src, size)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
}

// Compress encodes src with the codec. The returned tag is CompressionNone when
// an LZ4 block turned out to be incompressible; the data is then returned as-is.
func Compress(c Codec, src []byte) ([]byte, Compression, error) {
	switch c {
	case CodecNone:
		return src, CompressionNone, nil

	case CodecLZMA:
		out, err := compressLZMA(src)
		return out, CompressionLZMA, err

	case CodecLZ4, CodecLZ4Fast:
		out, err := compressLZ4(src, c == CodecLZ4)
		if errors.Is(err, errIncompressible) {
			return src, CompressionNone, nil
		}
		return out, c.Compression(), err

	default:
		return nil, 0, fmt.Errorf("%w: codec %d", ErrUnsupportedCodec, int(c))
	}
}

// errIncompressible is returned when LZ4 output would not be smaller than the input.
var errIncompressible = errors.New("data is incompressible")

func compressLZ4(data []byte, high bool) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))

	var (
		written int
		err     error
	)
	if high {
		c := lz4.CompressorHC{Level: lz4.Level9}
		written, err = c.CompressBlock(data, destination)
	} else {
		var c lz4.Compressor
		written, err = c.CompressBlock(data, destination)
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrTruncated, err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("%w: lz4 decompress: got %d bytes, expected %d", ErrTruncated, read, uncompressedSize)
	}
	return destination, nil
}

// Bundles store the five LZMA property bytes without the classic eight-byte
// size field, so one is spliced in for the decoder and cut out of the encoder
// output.

func compressLZMA(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{
		Properties:   &lzma.Properties{LC: 3, LP: 0, PB: 2},
		DictCap:      lzmaDictCap,
		SizeInHeader: true,
		Size:         int64(len(data)),
	}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("lzma writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lzma compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lzma close: %w", err)
	}

	out := buf.Bytes()
	return append(out[:lzmaPropsSize:lzmaPropsSize], out[lzmaPropsSize+8:]...), nil
}

func decompressLZMA(compressed []byte, uncompressedSize int) ([]byte, error) {
	if len(compressed) < lzmaPropsSize {
		return nil, fmt.Errorf("%w: lzma block shorter than its properties", ErrTruncated)
	}
	var header [lzmaPropsSize + 8]byte
	copy(header[:], compressed[:lzmaPropsSize])
	binary.LittleEndian.PutUint64(header[lzmaPropsSize:], uint64(uncompressedSize))

	body := bytes.NewReader(compressed[lzmaPropsSize:])
	r, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header[:]), body))
	if err != nil {
		return nil, fmt.Errorf("%w: lzma header: %v", ErrFormat, err)
	}

	destination := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, destination); err != nil {
		// Running out of input means the block was cut short; anything else is corrupt data.
		if body.Len() == 0 {
			return nil, fmt.Errorf("%w: lzma decompress: %v", ErrTruncated, err)
		}
		return nil, fmt.Errorf("%w: lzma decompress: %v", ErrFormat, err)
	}
	return destination, nil
}
