package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/objcache/internal/wire"
)

const (
	DefaultMinCompressLength = 1024
	DefaultCompressionLevel  = 6

	// numeric payloads shorter than this stay raw so INCRBY keeps working on them
	shortNumericLen = 20
)

// CompressionOptions configure the compression step of a Pipeline.
type CompressionOptions struct {
	Disabled  bool   // default false (enabled)
	Algorithm string // gzip (default) | zstd
	MinLength int    // 0 => 1024
	Level     int    // 0 => 6, clamped per algorithm
}

type settings struct {
	enabled bool
	min     int
	comp    Compressor
}

// Pipeline serializes with an inner Codec and conditionally compresses the
// result behind a wire tag. It is itself a Codec and is safe for concurrent use.
type Pipeline[V any] struct {
	inner Codec[V]
	algo  string
	cur   atomic.Pointer[settings]
	zstd  *zstdCompressor

	decoders map[wire.Tag]Compressor
	stats    statsAccumulator

	falseOnce sync.Once
	falseForm []byte // canonical encoding of false, nil when V cannot hold a bool
}

var _ Codec[int] = (*Pipeline[int])(nil)

func NewPipeline[V any](inner Codec[V], opts CompressionOptions) (*Pipeline[V], error) {
	if inner == nil {
		return nil, fmt.Errorf("objcache: codec is required")
	}
	algo := opts.Algorithm
	if algo == "" {
		algo = AlgoGzip
	}
	zc, err := newZstd(DefaultCompressionLevel, true)
	if err != nil {
		return nil, err
	}
	p := &Pipeline[V]{
		inner: LimitCodec[V]{Inner: inner, MaxDecode: MaxPayload},
		algo:  algo,
		zstd:  zc,
		decoders: map[wire.Tag]Compressor{
			wire.TagGzip:   gzipCompressor{},
			wire.TagZstd:   zc,
			wire.TagLegacy: zlibCompressor{},
		},
	}
	if err := p.Configure(!opts.Disabled, opts.MinLength, opts.Level); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Configure swaps compression settings atomically. Zero minLength/level mean defaults.
func (p *Pipeline[V]) Configure(enabled bool, minLength, level int) error {
	if minLength <= 0 {
		minLength = DefaultMinCompressLength
	}
	if level == 0 {
		level = DefaultCompressionLevel
	}
	comp, err := NewCompressor(p.algo, level)
	if err != nil {
		return err
	}
	// the previous compressor may still be in use by a concurrent Encode; leave it to the GC
	p.cur.Store(&settings{enabled: enabled, min: minLength, comp: comp})
	return nil
}

// Close releases the zstd decoder. The pipeline must not be used afterwards.
func (p *Pipeline[V]) Close() {
	p.zstd.dec.Close()
	_ = p.zstd.enc.Close()
}

func (p *Pipeline[V]) Stats() CompressionStats { return p.stats.snapshot() }

func (p *Pipeline[V]) Encode(v V) ([]byte, error) {
	raw, err := p.inner.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	s := p.cur.Load()
	if !s.enabled || !compressible(raw, s.min) {
		return wire.Escape(raw), nil
	}
	out, err := s.comp.Compress(raw)
	if err != nil || len(out)+2 >= len(raw) {
		p.stats.skipped(len(raw))
		return wire.Escape(raw), nil
	}
	p.stats.compressed(len(raw), len(out))
	return wire.Frame(s.comp.Tag(), out), nil
}

func (p *Pipeline[V]) Decode(b []byte) (V, error) {
	var zero V
	tag, body, err := wire.Split(b)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	if tag != wire.TagNone && tag != wire.TagRaw {
		dec := p.decoders[tag]
		body, err = dec.Decompress(body, MaxPayload)
		if err != nil {
			return zero, fmt.Errorf("%w: tag %s: %w", ErrDecompression, tag, err)
		}
	}
	v, err := p.inner.Decode(body)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if f, ok := any(v).(bool); ok && !f && !p.isCanonicalFalse(body) {
		return zero, fmt.Errorf("%w: %q is not an encoded false", ErrDeserialization, truncate(body))
	}
	return v, nil
}

// isCanonicalFalse guards against decoders that map null/empty input to false.
func (p *Pipeline[V]) isCanonicalFalse(body []byte) bool {
	p.falseOnce.Do(func() {
		if fv, ok := any(false).(V); ok {
			p.falseForm, _ = p.inner.Encode(fv)
		}
	})
	return p.falseForm != nil && bytes.Equal(bytes.TrimSpace(body), p.falseForm)
}

func compressible(b []byte, minLen int) bool {
	switch {
	case len(b) < minLen:
		return false
	case wire.Peek(b) != wire.TagNone:
		return false
	case isShortNumeric(b):
		return false
	case wire.PreCompressed(b):
		return false
	}
	return true
}

func isShortNumeric(b []byte) bool {
	if len(b) == 0 || len(b) >= shortNumericLen {
		return false
	}
	_, err := strconv.ParseFloat(string(b), 64)
	return err == nil
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}
