package feed

import (
	"io"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// -----------------------------------------------------------------------------
// Gzip Compressor
// -----------------------------------------------------------------------------

// gzipCompressor implements Compressor using gzip compression.
type gzipCompressor struct{}

// NewGzipCompressor creates a gzip compressor for .gz chunk files.
func NewGzipCompressor() Compressor {
	return &gzipCompressor{}
}

func (g *gzipCompressor) Name() string {
	return "gzip"
}

func (g *gzipCompressor) Extension() string {
	return ".gz"
}

func (g *gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (g *gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// -----------------------------------------------------------------------------
// Zstd Compressor
// -----------------------------------------------------------------------------

// zstdCompressor implements Compressor using zstd compression.
type zstdCompressor struct{}

// NewZstdCompressor creates a zstd compressor for .zst chunk files.
func NewZstdCompressor() Compressor {
	return &zstdCompressor{}
}

func (z *zstdCompressor) Name() string {
	return "zstd"
}

func (z *zstdCompressor) Extension() string {
	return ".zst"
}

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (z *zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

// -----------------------------------------------------------------------------
// NoOp Compressor
// -----------------------------------------------------------------------------

// noopCompressor passes data through unchanged. It is never selected for
// discovery; ExportRecords uses it for paths without a compressor suffix.
type noopCompressor struct{}

// NewNoOpCompressor creates a noop compressor.
func NewNoOpCompressor() Compressor {
	return &noopCompressor{}
}

func (n *noopCompressor) Name() string {
	return "noop"
}

func (n *noopCompressor) Extension() string {
	return ""
}

func (n *noopCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &noopWriteCloser{w}, nil
}

func (n *noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type noopWriteCloser struct {
	io.Writer
}

func (n *noopWriteCloser) Close() error {
	return nil
}

// -----------------------------------------------------------------------------
// Selection
// -----------------------------------------------------------------------------

// chunkCompressors are the compressors a chunk file may be stored with.
var chunkCompressors = []Compressor{
	NewGzipCompressor(),
	NewZstdCompressor(),
}

// CompressorFor returns the compressor matching the extension of p, or
// false if p is not a recognized chunk file.
func CompressorFor(p string) (Compressor, bool) {
	ext := path.Ext(p)
	for _, c := range chunkCompressors {
		if c.Extension() == ext {
			return c, true
		}
	}
	return nil, false
}
