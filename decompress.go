package digestindex

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	idxerrors "github.com/tamirms/digestindex/errors"
)

// Compression names reported in LoadStats.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

const magicLen = 4

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// detectCompression identifies a compressed stream from its first bytes.
// Anything unrecognised is plain text.
func detectCompression(head []byte) string {
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd
	case bytes.HasPrefix(head, lz4Magic):
		return CompressionLZ4
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// openDecompressed sniffs br and wraps it in the matching decoder.
// The returned close function releases decoder resources; it does not close
// the underlying source.
func openDecompressed(br *bufio.Reader) (io.Reader, string, func(), error) {
	head, err := br.Peek(magicLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", nil, fmt.Errorf("%w: %w", idxerrors.ErrSourceRead, err)
	}

	kind := detectCompression(head)
	switch kind {
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", nil, fmt.Errorf("%w: gzip header: %w", idxerrors.ErrSourceRead, err)
		}
		return zr, kind, func() { _ = zr.Close() }, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, "", nil, fmt.Errorf("%w: zstd header: %w", idxerrors.ErrSourceRead, err)
		}
		return zr, kind, zr.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(br), kind, func() {}, nil
	default:
		return br, kind, func() {}, nil
	}
}

type decoder struct {
	io.Reader
	release func()
}

func (d *decoder) Close() error {
	d.release()
	return nil
}

// Decompress returns a reader over the decoded contents of r, sniffing gzip,
// zstd and LZ4 framing the same way Load does. Close releases decoder
// resources but leaves r open.
func Decompress(r io.Reader) (io.ReadCloser, string, error) {
	br, ok := r.(*bufio.Reader)
	if !ok || br.Size() < magicLen {
		br = bufio.NewReaderSize(r, readBufferSize)
	}
	dr, kind, release, err := openDecompressed(br)
	if err != nil {
		return nil, "", err
	}
	return &decoder{Reader: dr, release: release}, kind, nil
}

// CompressionForPath picks a compression from a file name extension:
// .gz, .zst and .lz4 select gzip, zstd and LZ4; anything else is none.
func CompressionForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CompressionGzip
	case ".zst", ".zstd":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressor wraps w in an encoder for kind. Closing the encoder flushes
// it but does not close w.
func NewCompressor(w io.Writer, kind string) (io.WriteCloser, error) {
	switch kind {
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return zw, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", kind)
	}
}
