package artifact

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("tmp_scene/scene.ass", []byte("options {}")))
	require.True(t, s.Exists("tmp_scene/scene.ass"))

	got, err := s.ReadAll("tmp_scene/scene.ass")
	require.NoError(t, err)
	require.Equal(t, "options {}", string(got))

	size, err := s.Size("tmp_scene/scene.ass")
	require.NoError(t, err)
	require.EqualValues(t, len("options {}"), size)
}

func TestStore_WriteOverwritesWithoutLeavingTemps(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("out.buf", []byte("first")))
	require.NoError(t, s.Write("out.buf", []byte("second")))

	got, err := s.ReadAll("out.buf")
	require.NoError(t, err)
	require.Equal(t, "second", string(got))

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "out.buf", entries[0].Name())
}

func TestStore_MissingArtifacts(t *testing.T) {
	s := newTestStore(t)

	require.False(t, s.Exists("nope"))
	require.NoError(t, s.Delete("nope"))

	_, err := s.ReadAll("nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Open("nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Size("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteRemovesFile(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("render_done.out", []byte("0")))
	require.NoError(t, s.Delete("render_done.out"))
	require.False(t, s.Exists("render_done.out"))
	require.NoError(t, s.Delete("render_done.out"))
}

func TestStore_ExistsIgnoresDirectories(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "dir"), 0o755))
	require.False(t, s.Exists("dir"))
}

func TestStore_OpenStreams(t *testing.T) {
	s := newTestStore(t)
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, s.Write("buffer_out.buf", payload))

	rc, size, err := s.Open("buffer_out.buf")
	require.NoError(t, err)
	defer rc.Close()
	require.EqualValues(t, len(payload), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStore_AbsolutePathsBypassRoot(t *testing.T) {
	s := newTestStore(t)
	other := filepath.Join(t.TempDir(), "abs.out")

	require.NoError(t, s.Write(other, []byte("x")))
	require.True(t, s.Exists(other))
	require.Equal(t, other, s.Path(other))
}
