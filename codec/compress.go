package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/unkn0wn-root/objcache/internal/wire"
)

// Compression algorithm names.
const (
	AlgoGzip = "gzip"
	AlgoZstd = "zstd"
)

// Compressor is one compression backend behind a wire tag.
type Compressor interface {
	Tag() wire.Tag
	Compress(src []byte) ([]byte, error)
	// Decompress fails when the output would exceed limit bytes.
	Decompress(src []byte, limit int) ([]byte, error)
}

// ClampLevel bounds level to what algo accepts.
func ClampLevel(algo string, level int) int {
	hi := 9
	if algo == AlgoZstd {
		hi = 22
	}
	return max(1, min(level, hi))
}

// NewCompressor builds the encoder for algo at the given (clamped) level.
func NewCompressor(algo string, level int) (Compressor, error) {
	algo = strings.ToLower(strings.TrimSpace(algo))
	switch algo {
	case "", AlgoGzip:
		return gzipCompressor{level: ClampLevel(AlgoGzip, level)}, nil
	case AlgoZstd:
		return newZstd(ClampLevel(AlgoZstd, level), false)
	}
	return nil, fmt.Errorf("%w: compression %q", ErrUnknown, algo)
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", limit)
	}
	return out, nil
}

// ====== gzip ======

type gzipCompressor struct{ level int }

func (gzipCompressor) Tag() wire.Tag { return wire.TagGzip }

func (g gzipCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(src []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r, limit)
}

// ====== zstd ======

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd(level int, decoder bool) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	z := &zstdCompressor{enc: enc}
	if !decoder {
		return z, nil
	}
	z.dec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxPayload))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return z, nil
}

func (*zstdCompressor) Tag() wire.Tag { return wire.TagZstd }

// EncodeAll/DecodeAll are safe for concurrent use.
func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (z *zstdCompressor) Decompress(src []byte, limit int) ([]byte, error) {
	if z.dec == nil {
		return nil, fmt.Errorf("zstd: encoder-only instance")
	}
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", limit)
	}
	return out, nil
}

// ====== zlib (legacy tag) ======

type zlibCompressor struct{ level int }

func (zlibCompressor) Tag() wire.Tag { return wire.TagLegacy }

func (z zlibCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(src []byte, limit int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r, limit)
}
