package wire

import (
	"bytes"
	"errors"
)

// Tag marks a compressed payload. Uncompressed payloads carry no tag unless
// their first two bytes would read as one, in which case they are framed
// with TagRaw.
type Tag string

const (
	TagNone   Tag = ""
	TagGzip   Tag = "G:"
	TagZstd   Tag = "Z:"
	TagLegacy Tag = "C:" // zlib, decode only
	TagRaw    Tag = "R:" // uncompressed body that starts with a tag
)

const tagLen = 2

var ErrCorrupt = errors.New("objcache: corrupt compressed frame")

var (
	sigPNG   = []byte{0x89, 'P', 'N', 'G'}
	sigJPEG  = []byte{0xFF, 0xD8, 0xFF}
	sigGzip  = []byte{0x1F, 0x8B, 0x08}
	sigBzip2 = []byte{'B', 'Z', 'h'}
)

// Frame: tag(2) | body
func Frame(tag Tag, body []byte) []byte {
	if tag == TagNone {
		return body
	}
	var buf bytes.Buffer
	buf.Grow(tagLen + len(body))
	buf.WriteString(string(tag))
	buf.Write(body)
	return buf.Bytes()
}

// Split returns the tag and the body. Untagged input comes back as (TagNone, b).
func Split(b []byte) (Tag, []byte, error) {
	t := Peek(b)
	if t == TagNone {
		return TagNone, b, nil
	}
	body := b[tagLen:]
	if len(body) == 0 {
		return t, nil, ErrCorrupt
	}
	return t, body, nil
}

// Peek reports the tag b starts with without validating the body.
func Peek(b []byte) Tag {
	if len(b) < tagLen || b[1] != ':' {
		return TagNone
	}
	switch Tag(b[:tagLen]) {
	case TagGzip:
		return TagGzip
	case TagZstd:
		return TagZstd
	case TagLegacy:
		return TagLegacy
	case TagRaw:
		return TagRaw
	}
	return TagNone
}

// Escape frames b with TagRaw when its leading bytes would be mistaken for a
// tag. Any other payload is returned unchanged.
func Escape(b []byte) []byte {
	if Peek(b) == TagNone {
		return b
	}
	return Frame(TagRaw, b)
}

// PreCompressed sniffs image and archive magic numbers.
func PreCompressed(b []byte) bool {
	return bytes.HasPrefix(b, sigPNG) ||
		bytes.HasPrefix(b, sigJPEG) ||
		bytes.HasPrefix(b, sigGzip) ||
		bytes.HasPrefix(b, sigBzip2)
}
