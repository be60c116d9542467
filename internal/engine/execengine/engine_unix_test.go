//go:build darwin || linux

package execengine

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhandras/dumiverse/internal/artifact"
	"github.com/bhandras/dumiverse/internal/engine"
	"github.com/stretchr/testify/require"
)

const rendererScript = `#!/bin/sh
sub="$1"; shift
case "$sub" in
probe)
  echo '{"width":32,"height":16}'
  ;;
render)
  while [ $# -gt 0 ]; do
    case "$1" in
      --output) out="$2" ;;
      --marker) marker="$2" ;;
      --progress) progress="$2" ;;
      --settings) settings="$2" ;;
    esac
    shift 2
  done
  mode=$(cat "$settings")
  case "$mode" in
    exit3) exit 3 ;;
    hang)
      trap 'printf 2 > "$marker"; exit 0' INT
      echo 50 > "$progress"
      while true; do sleep 0.05; done
      ;;
  esac
  printf 'frame' > "$out"
  printf 0 > "$marker"
  ;;
*)
  exit 64
  ;;
esac
`

var testArtifacts = engine.Artifacts{
	Output:   "buffer_out.buf",
	Marker:   "render_done.out",
	Progress: "render_progress.out",
}

func newTestEngine(t *testing.T) (*Engine, *artifact.Store) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "renderer.sh")
	require.NoError(t, os.WriteFile(script, []byte(rendererScript), 0o755))

	store, err := artifact.NewStore(filepath.Join(dir, "work"))
	require.NoError(t, err)
	require.NoError(t, store.Write("scene.ass", []byte("options {}")))

	e, err := New(store, Config{Command: script, Artifacts: testArtifacts})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, store
}

func awaitMarker(t *testing.T, store *artifact.Store) string {
	t.Helper()
	require.Eventually(t, func() bool {
		raw, err := store.ReadAll(testArtifacts.Marker)
		return err == nil && len(raw) > 0
	}, 5*time.Second, 10*time.Millisecond)
	raw, err := store.ReadAll(testArtifacts.Marker)
	require.NoError(t, err)
	return string(raw)
}

func TestNew_Validation(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = New(store, Config{Artifacts: testArtifacts})
	require.Error(t, err)

	_, err = New(store, Config{Command: "sh"})
	require.Error(t, err)

	_, err = New(store, Config{Command: "definitely-not-a-renderer-binary", Artifacts: testArtifacts})
	require.Error(t, err)
}

func TestEngine_ProbeAndRender(t *testing.T) {
	e, store := newTestEngine(t)

	require.NoError(t, e.Init(context.Background(), []byte(`{"devices":[]}`), "scene.ass"))
	w, h := e.Dimensions()
	require.Equal(t, 32, w)
	require.Equal(t, 16, h)

	require.Equal(t, engine.StatusOK, e.Render([]byte(`{}`), []byte(`ok`)))
	require.Equal(t, "0", awaitMarker(t, store))

	out, err := store.ReadAll(testArtifacts.Output)
	require.NoError(t, err)
	require.Equal(t, "frame", string(out))
}

func TestEngine_RenderBeforeInitFails(t *testing.T) {
	e, _ := newTestEngine(t)
	require.Equal(t, engine.StatusFailed, e.Render(nil, nil))
}

func TestEngine_FallbackMarkerCarriesExitCode(t *testing.T) {
	e, store := newTestEngine(t)
	require.NoError(t, e.Init(context.Background(), []byte(`{}`), "scene.ass"))

	require.Equal(t, engine.StatusOK, e.Render([]byte(`{}`), []byte(`exit3`)))
	require.Equal(t, "3", awaitMarker(t, store))
}

func TestEngine_InterruptAndProgress(t *testing.T) {
	e, store := newTestEngine(t)
	require.NoError(t, e.Init(context.Background(), []byte(`{}`), "scene.ass"))

	require.Equal(t, engine.StatusOK, e.Render([]byte(`{}`), []byte(`hang`)))
	require.Eventually(t, func() bool { return e.Progress() == 50 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, engine.StatusBusy, e.Render([]byte(`{}`), []byte(`hang`)))

	e.Interrupt()
	require.Equal(t, "2", awaitMarker(t, store))
}

func TestEngine_CloseStopsRenderer(t *testing.T) {
	e, store := newTestEngine(t)
	require.NoError(t, e.Init(context.Background(), []byte(`{}`), "scene.ass"))
	require.Equal(t, engine.StatusOK, e.Render([]byte(`{}`), []byte(`hang`)))
	require.Eventually(t, func() bool { return e.Progress() == 50 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Close())
	require.False(t, e.Rendering())

	require.False(t, store.Exists(patchFile))
	require.False(t, store.Exists(parametersFile))
	w, h := e.Dimensions()
	require.Zero(t, w)
	require.Zero(t, h)
}

// stubKillGroup counts SIGKILL escalations and shortens the grace period.
func stubKillGroup(t *testing.T) *atomic.Int32 {
	t.Helper()
	var kills atomic.Int32
	prevKill, prevGrace := killGroup, stopInterruptGrace
	killGroup = func(pid int) {
		kills.Add(1)
		prevKill(pid)
	}
	stopInterruptGrace = 20 * time.Millisecond
	t.Cleanup(func() {
		killGroup, stopInterruptGrace = prevKill, prevGrace
	})
	return &kills
}

// startGroup runs script in its own process group and waits until it prints
// its first line.
func startGroup(t *testing.T, script string) (*exec.Cmd, chan struct{}) {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	configureProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	_, err = bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return cmd, done
}

func awaitExit(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStopCmd_NoKillAfterExit(t *testing.T) {
	kills := stubKillGroup(t)
	cmd, done := startGroup(t, `echo ready; exec sleep 5`)

	stopCmd(cmd, done)
	awaitExit(t, done)

	time.Sleep(10 * stopInterruptGrace)
	require.Zero(t, kills.Load())
}

func TestStopCmd_EscalatesWhenInterruptIgnored(t *testing.T) {
	kills := stubKillGroup(t)
	cmd, done := startGroup(t, `trap "" INT; echo ready; while true; do sleep 0.05; done`)

	stopCmd(cmd, done)
	awaitExit(t, done)
	require.Equal(t, int32(1), kills.Load())
}
