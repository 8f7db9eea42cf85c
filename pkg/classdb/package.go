package classdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/DataDog/zstd"
)

// PackageMagic identifies a compressed class database package.
var PackageMagic = [4]byte{'U', 'C', 'D', 'B'}

// PackageHeaderSize is the fixed binary size of a package header.
const PackageHeaderSize = 24 // 4 + 4 + 8 + 8 bytes

// DefaultCompressionLevel is the zstd level used by WritePackage.
const DefaultCompressionLevel = zstd.BestCompression

// ErrPackage is returned for malformed package files.
var ErrPackage = errors.New("invalid class database package")

// PackageHeader prefixes the zstd stream of a package.
type PackageHeader struct {
	Magic            [4]byte
	HeaderLength     uint32
	Length           uint64 // uncompressed size
	CompressedLength uint64
}

// Validate checks the header for validity.
func (h *PackageHeader) Validate() error {
	if h.Magic != PackageMagic {
		return fmt.Errorf("%w: magic %x", ErrPackage, h.Magic)
	}
	if h.HeaderLength != 16 {
		return fmt.Errorf("%w: header length %d", ErrPackage, h.HeaderLength)
	}
	if h.Length == 0 || h.CompressedLength == 0 {
		return fmt.Errorf("%w: empty payload", ErrPackage)
	}
	return nil
}

// EncodeTo writes the header to buf, which must hold PackageHeaderSize bytes.
func (h *PackageHeader) EncodeTo(buf []byte) {
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.HeaderLength)
	binary.LittleEndian.PutUint64(buf[8:16], h.Length)
	binary.LittleEndian.PutUint64(buf[16:24], h.CompressedLength)
}

// DecodeFrom reads the header from buf without validating it.
func (h *PackageHeader) DecodeFrom(buf []byte) {
	copy(h.Magic[:], buf[0:4])
	h.HeaderLength = binary.LittleEndian.Uint32(buf[4:8])
	h.Length = binary.LittleEndian.Uint64(buf[8:16])
	h.CompressedLength = binary.LittleEndian.Uint64(buf[16:24])
}

// IsPackage reports whether data starts with a package header.
func IsPackage(data []byte) bool {
	return len(data) >= PackageHeaderSize && bytes.Equal(data[:4], PackageMagic[:])
}

// ReadPackage decompresses a package and returns the YAML document inside.
func ReadPackage(r io.Reader) ([]byte, error) {
	var buf [PackageHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var h PackageHeader
	h.DecodeFrom(buf[:])
	if err := h.Validate(); err != nil {
		return nil, err
	}

	zr := zstd.NewReader(io.LimitReader(r, int64(h.CompressedLength)))
	defer zr.Close()

	data := make([]byte, h.Length)
	if _, err := io.ReadFull(zr, data); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return data, nil
}

// PackageOption configures WritePackage.
type PackageOption func(*packageConfig)

type packageConfig struct {
	level int
}

// WithCompressionLevel sets the zstd compression level.
func WithCompressionLevel(level int) PackageOption {
	return func(c *packageConfig) {
		c.level = level
	}
}

// EncodePackage compresses a YAML document into a package.
func EncodePackage(src []byte, opts ...PackageOption) ([]byte, error) {
	cfg := packageConfig{level: DefaultCompressionLevel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrPackage)
	}

	compressed, err := zstd.CompressLevel(nil, src, cfg.level)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}

	h := PackageHeader{
		Magic:            PackageMagic,
		HeaderLength:     16,
		Length:           uint64(len(src)),
		CompressedLength: uint64(len(compressed)),
	}
	out := make([]byte, PackageHeaderSize, PackageHeaderSize+len(compressed))
	h.EncodeTo(out)
	return append(out, compressed...), nil
}

// WritePackage validates a YAML database and writes it as a package to path.
func WritePackage(path string, src []byte, opts ...PackageOption) error {
	if _, err := Parse(src); err != nil {
		return err
	}
	data, err := EncodePackage(src, opts...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write package: %w", err)
	}
	return nil
}
