// Package codec recognizes and unwraps compressed scene envelopes.
//
// Clients usually gzip scene files before upload, but zstd and LZ4 frames are
// accepted as well. Anything without a recognized magic number is treated as
// raw bytes.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format identifies a compression envelope.
type Format uint8

const (
	// FormatRaw is uncompressed data.
	FormatRaw Format = iota
	// FormatGzip is an RFC 1952 gzip stream.
	FormatGzip
	// FormatZstd is a zstd frame.
	FormatZstd
	// FormatLZ4 is an LZ4 frame.
	FormatLZ4
)

var (
	// ErrCorrupt is returned when data carries a known envelope but cannot be
	// decoded.
	ErrCorrupt = errors.New("codec: corrupt data")
	// ErrUnknownFormat is returned when no envelope is recognized.
	ErrUnknownFormat = errors.New("codec: unrecognized envelope")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	case FormatLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", f)
	}
}

// ParseFormat parses a format name.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "raw", "none", "":
		return FormatRaw, nil
	case "gzip", "gz":
		return FormatGzip, nil
	case "zstd":
		return FormatZstd, nil
	case "lz4":
		return FormatLZ4, nil
	default:
		return FormatRaw, fmt.Errorf("codec: unknown format %q", name)
	}
}

// Detect sniffs the envelope from the leading magic bytes.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(data, zstdMagic):
		return FormatZstd
	case bytes.HasPrefix(data, lz4Magic):
		return FormatLZ4
	default:
		return FormatRaw
	}
}

// Decompress unwraps data according to its detected envelope. It returns
// ErrUnknownFormat for raw data and an error wrapping ErrCorrupt when the
// envelope is recognized but decoding fails.
func Decompress(data []byte) ([]byte, Format, error) {
	format := Detect(data)
	var (
		out []byte
		err error
	)
	switch format {
	case FormatGzip:
		out, err = decompressGzip(data)
	case FormatZstd:
		out, err = decompressZstd(data)
	case FormatLZ4:
		out, err = io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, FormatRaw, ErrUnknownFormat
	}
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %v", ErrCorrupt, format, err)
	}
	return out, format, nil
}

// Unwrap is the permissive form of Decompress: when data cannot be decoded it
// is returned unchanged with FormatRaw. The decode error, if any, is returned
// for logging and never means the payload is unusable.
func Unwrap(data []byte) ([]byte, Format, error) {
	out, format, err := Decompress(data)
	if err != nil {
		if errors.Is(err, ErrUnknownFormat) {
			return data, FormatRaw, nil
		}
		return data, FormatRaw, err
	}
	return out, format, nil
}

func decompressGzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// NewWriter wraps w so that bytes written are encoded in format. Closing the
// returned writer flushes the envelope but does not close w.
func NewWriter(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case FormatRaw:
		return nopCloser{w}, nil
	case FormatGzip:
		return gzip.NewWriter(w), nil
	case FormatZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd writer: %w", err)
		}
		return enc, nil
	case FormatLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("codec: unsupported format %s", format)
	}
}

// Compress encodes data in format.
func Compress(data []byte, format Format) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, format)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("codec: %s encode: %w", format, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: %s flush: %w", format, err)
	}
	return buf.Bytes(), nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
