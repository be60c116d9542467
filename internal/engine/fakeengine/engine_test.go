package fakeengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bhandras/dumiverse/internal/artifact"
	"github.com/bhandras/dumiverse/internal/engine"
	"github.com/stretchr/testify/require"
)

var testArtifacts = engine.Artifacts{
	Output: "buffer_out.buf",
	Marker: "render_done.out",
}

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestEngine_ImplementsInterface(t *testing.T) {
	var _ engine.Engine = (*Engine)(nil)
}

func TestEngine_RenderWritesOutputThenMarker(t *testing.T) {
	store := newStore(t)
	e := New(store, testArtifacts, WithDimensions(4, 2), WithOutput([]byte("pixels")))

	require.NoError(t, store.Write("scene.ass", []byte("scene")))
	require.NoError(t, e.Init(context.Background(), []byte("{}"), "scene.ass"))

	w, h := e.Dimensions()
	require.Equal(t, 4, w)
	require.Equal(t, 2, h)

	require.Equal(t, engine.StatusOK, e.Render([]byte("p"), []byte("s")))
	e.Wait()

	out, err := store.ReadAll(testArtifacts.Output)
	require.NoError(t, err)
	require.Equal(t, "pixels", string(out))

	marker, err := store.ReadAll(testArtifacts.Marker)
	require.NoError(t, err)
	require.Equal(t, "0", string(marker))
	require.Equal(t, 100.0, e.Progress())
}

func TestEngine_InitRequiresStagedScene(t *testing.T) {
	e := New(newStore(t), testArtifacts)
	require.Error(t, e.Init(context.Background(), []byte("{}"), "missing.ass"))

	boom := errors.New("boom")
	e = New(newStore(t), testArtifacts, WithInitError(boom))
	require.ErrorIs(t, e.Init(context.Background(), nil, "x"), boom)
}

func TestEngine_DispatchFailure(t *testing.T) {
	store := newStore(t)
	e := New(store, testArtifacts, WithDispatchStatus(3))

	require.Equal(t, 3, e.Render(nil, nil))
	require.False(t, e.Rendering())
	require.False(t, store.Exists(testArtifacts.Marker))
}

func TestEngine_BusyWhileRendering(t *testing.T) {
	e := New(newStore(t), testArtifacts, WithManualCompletion())

	require.Equal(t, engine.StatusOK, e.Render(nil, nil))
	require.Equal(t, engine.StatusBusy, e.Render(nil, nil))

	require.True(t, e.Complete(5))
	e.Wait()
	require.Equal(t, []int{5}, e.Statuses())
}

func TestEngine_InterruptWritesInterruptedStatus(t *testing.T) {
	store := newStore(t)
	e := New(store, testArtifacts, WithRenderDelay(time.Hour))

	require.Equal(t, engine.StatusOK, e.Render(nil, nil))
	e.Interrupt()
	e.Wait()

	marker, err := store.ReadAll(testArtifacts.Marker)
	require.NoError(t, err)
	require.Equal(t, "2", string(marker))
	require.False(t, store.Exists(testArtifacts.Output))
	require.Equal(t, 1, e.Calls().Interrupt)
}

func TestEngine_InterruptIdleIsNoop(t *testing.T) {
	store := newStore(t)
	e := New(store, testArtifacts)
	e.Interrupt()
	require.False(t, store.Exists(testArtifacts.Marker))
}

func TestEngine_CloseStopsPendingRender(t *testing.T) {
	e := New(newStore(t), testArtifacts, WithManualCompletion())
	require.Equal(t, engine.StatusOK, e.Render(nil, nil))

	done := make(chan struct{})
	go func() {
		_ = e.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	require.False(t, e.Rendering())
}
