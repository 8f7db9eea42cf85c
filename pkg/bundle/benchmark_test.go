package bundle

import (
	"bytes"
	"fmt"
	"io"
	"testing"
)

func benchmarkPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// BenchmarkCompress benchmarks block compression per codec.
func BenchmarkCompress(b *testing.B) {
	data := benchmarkPayload(lz4BlockSize)

	for _, codec := range []Codec{CodecLZ4Fast, CodecLZ4, CodecLZMA} {
		b.Run(codec.String(), func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, _, err := Compress(codec, data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkDecompress benchmarks block decompression per codec.
func BenchmarkDecompress(b *testing.B) {
	data := benchmarkPayload(lz4BlockSize)

	for _, codec := range []Codec{CodecLZ4, CodecLZMA} {
		compressed, tag, err := Compress(codec, data)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(codec.String(), func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := Decompress(tag, compressed, len(data)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkPack benchmarks rebuilding a multi-block bundle.
func BenchmarkPack(b *testing.B) {
	f := New("2021.3.5f1",
		Member{Name: "CAB-bench", Flags: EntrySerialized, Data: benchmarkPayload(64 << 10)},
		Member{Name: "CAB-bench.resS", Data: benchmarkPayload(4 << 20)},
	)

	for _, workers := range []int{1, 4} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := f.Pack(io.Discard, CodecLZ4, WithConcurrency(workers)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkLoadEntry benchmarks reading a member out of a compressed bundle.
func BenchmarkLoadEntry(b *testing.B) {
	var buf bytes.Buffer
	f := New("2021.3.5f1", Member{Name: "CAB-bench", Data: benchmarkPayload(1 << 20)})
	if err := f.Pack(&buf, CodecLZ4); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		opened, err := Open(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			b.Fatal(err)
		}
		if _, err := opened.LoadEntry(0); err != nil {
			b.Fatal(err)
		}
	}
}
