package squashfs

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses and decompresses the data and metadata blocks of a
// SquashFS image. The superblock's Compression field selects which
// Compressor a Reader uses; a Writer is configured with exactly one.
type Compressor interface {
	// ID is the on-disk compression identifier (e.g. zlibCompression).
	ID() uint16

	// Compress returns the compressed form of p; it does not write it
	// anywhere. Callers compare its length against len(p) to decide whether
	// storing the literal block is smaller (the kernel rejects a compressed
	// block that grew past the uncompressed size).
	Compress(p []byte) ([]byte, error)

	// Decompress decompresses exactly one block of src into dst[:n]; output
	// beyond len(dst) is not returned.
	Decompress(dst, src []byte) (n int, err error)
}

// compressorFor returns the Compressor matching a superblock's Compression
// field.
func compressorFor(id uint16) (Compressor, error) {
	switch id {
	case zlibCompression:
		return zlibCompressor{}, nil
	case zstdCompression:
		return newZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compressor id %d", id)
	}
}

type zlibCompressor struct{}

func (zlibCompressor) ID() uint16 { return zlibCompression }

func (zlibCompressor) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(dst, src []byte) (int, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	n, err := io.ReadFull(zr, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, err
	}
	return n, nil
}

// zstdCompressor wraps klauspost/compress/zstd. A *zstd.Encoder and
// *zstd.Decoder are both safe for concurrent use and expensive to
// construct, so one of each is kept per Compressor instance.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() *zstdCompressor {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err) // only fails on invalid options
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return &zstdCompressor{enc: enc, dec: dec}
}

func (c *zstdCompressor) ID() uint16 { return zstdCompression }

func (c *zstdCompressor) Compress(p []byte) ([]byte, error) {
	return c.enc.EncodeAll(p, nil), nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) (int, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, err
	}
	return copy(dst, out), nil
}
