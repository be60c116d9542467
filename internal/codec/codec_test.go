package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var scene = []byte("options\n{\n xres 640\n yres 480\n}\n")

func TestDecompress_KnownEnvelopes(t *testing.T) {
	for _, format := range []Format{FormatGzip, FormatZstd, FormatLZ4} {
		t.Run(format.String(), func(t *testing.T) {
			packed, err := Compress(scene, format)
			require.NoError(t, err)
			require.Equal(t, format, Detect(packed))

			out, got, err := Decompress(packed)
			require.NoError(t, err)
			require.Equal(t, format, got)
			require.Equal(t, scene, out)
		})
	}
}

func TestDecompress_RawIsUnknown(t *testing.T) {
	_, format, err := Decompress(scene)
	require.ErrorIs(t, err, ErrUnknownFormat)
	require.Equal(t, FormatRaw, format)
}

func TestDecompress_TruncatedGzipIsCorrupt(t *testing.T) {
	packed, err := Compress(bytes.Repeat(scene, 50), FormatGzip)
	require.NoError(t, err)

	_, format, err := Decompress(packed[:len(packed)/2])
	require.ErrorIs(t, err, ErrCorrupt)
	require.Equal(t, FormatGzip, format)
}

func TestUnwrap_FallsBackToRaw(t *testing.T) {
	out, format, err := Unwrap(scene)
	require.NoError(t, err)
	require.Equal(t, FormatRaw, format)
	require.Equal(t, scene, out)

	// A gzip magic followed by garbage is returned untouched.
	bogus := append([]byte{0x1f, 0x8b}, []byte("not really gzip")...)
	out, format, err = Unwrap(bogus)
	require.ErrorIs(t, err, ErrCorrupt)
	require.Equal(t, FormatRaw, format)
	require.Equal(t, bogus, out)
}

func TestUnwrap_CompressedAndRawAgree(t *testing.T) {
	packed, err := Compress(scene, FormatGzip)
	require.NoError(t, err)

	fromPacked, _, err := Unwrap(packed)
	require.NoError(t, err)
	fromRaw, _, err := Unwrap(scene)
	require.NoError(t, err)
	require.Equal(t, fromRaw, fromPacked)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("gz")
	require.NoError(t, err)
	require.Equal(t, FormatGzip, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatRaw, f)

	_, err = ParseFormat("brotli")
	require.Error(t, err)
}
