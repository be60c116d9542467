// Package execengine drives an out-of-process renderer through a command line
// contract.
//
// The renderer binary is invoked as:
//
//	<command> [args...] probe  --scene S --patch P
//	<command> [args...] render --scene S --patch P --parameters F --settings G \
//	    --output O --marker M --progress R
//
// probe prints {"width":W,"height":H} on stdout. render runs until the frame
// is written to O and its integer status to M, optionally updating R with a
// percentage as it goes. If render exits without writing M the engine writes
// the exit code there itself.
package execengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/dumiverse/internal/artifact"
	"github.com/bhandras/dumiverse/internal/engine"
	"github.com/bhandras/dumiverse/internal/logger"
)

const (
	patchFile      = "render_patch.json"
	parametersFile = "render_parameters.json"
	settingsFile   = "render_settings.json"

	// closeWaitTimeout bounds how long Close waits for a stopped renderer to
	// exit before giving up on it.
	closeWaitTimeout = 5 * time.Second
)

// Config configures the renderer command.
type Config struct {
	// Command is the renderer executable.
	Command string
	// Args are passed before the subcommand.
	Args []string
	// Artifacts are the files the renderer writes.
	Artifacts engine.Artifacts
}

// Engine implements engine.Engine by spawning renderer processes.
type Engine struct {
	cfg   Config
	store *artifact.Store

	mu        sync.Mutex
	scenePath string
	width     int
	height    int
	cmd       *exec.Cmd
	done      chan struct{}
	closing   bool
}

// New validates cfg and returns an engine writing through store.
func New(store *artifact.Store, cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("execengine: renderer command is required")
	}
	if cfg.Artifacts.Output == "" || cfg.Artifacts.Marker == "" {
		return nil, errors.New("execengine: output and marker paths are required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("execengine: renderer command: %w", err)
	}
	return &Engine{cfg: cfg, store: store}, nil
}

type probeResult struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (e *Engine) args(sub string, extra ...string) []string {
	args := append([]string(nil), e.cfg.Args...)
	args = append(args, sub)
	return append(args, extra...)
}

// Init implements engine.Engine.
func (e *Engine) Init(ctx context.Context, patch []byte, scenePath string) error {
	if err := e.store.Write(patchFile, patch); err != nil {
		return fmt.Errorf("execengine: stage patch: %w", err)
	}
	scene := e.store.Path(scenePath)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cfg.Command, e.args("probe",
		"--scene", scene,
		"--patch", e.store.Path(patchFile),
	)...)
	cmd.Dir = e.store.Root()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("execengine: probe %s: %w: %s", scene, err, strings.TrimSpace(stderr.String()))
	}

	var res probeResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return fmt.Errorf("execengine: decode probe output: %w", err)
	}
	if res.Width <= 0 || res.Height <= 0 {
		return fmt.Errorf("execengine: probe reported invalid size %dx%d", res.Width, res.Height)
	}

	e.mu.Lock()
	e.scenePath = scene
	e.width = res.Width
	e.height = res.Height
	e.closing = false
	e.mu.Unlock()
	logger.Debugf("[engine] probed %s: %dx%d", scene, res.Width, res.Height)
	return nil
}

// Dimensions implements engine.Engine.
func (e *Engine) Dimensions() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.width, e.height
}

// Render implements engine.Engine.
func (e *Engine) Render(parameters, settings []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scenePath == "" {
		logger.Warnf("[engine] render requested before init")
		return engine.StatusFailed
	}
	if e.cmd != nil {
		return engine.StatusBusy
	}
	if err := e.store.Write(parametersFile, parameters); err != nil {
		logger.Errorf("[engine] stage parameters: %v", err)
		return engine.StatusFailed
	}
	if err := e.store.Write(settingsFile, settings); err != nil {
		logger.Errorf("[engine] stage settings: %v", err)
		return engine.StatusFailed
	}

	extra := []string{
		"--scene", e.scenePath,
		"--patch", e.store.Path(patchFile),
		"--parameters", e.store.Path(parametersFile),
		"--settings", e.store.Path(settingsFile),
		"--output", e.store.Path(e.cfg.Artifacts.Output),
		"--marker", e.store.Path(e.cfg.Artifacts.Marker),
	}
	if e.cfg.Artifacts.Progress != "" {
		extra = append(extra, "--progress", e.store.Path(e.cfg.Artifacts.Progress))
	}
	cmd := exec.Command(e.cfg.Command, e.args("render", extra...)...)
	cmd.Dir = e.store.Root()
	configureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		logger.Errorf("[engine] start renderer: %v", err)
		return engine.StatusFailed
	}

	done := make(chan struct{})
	e.cmd = cmd
	e.done = done
	go e.wait(cmd, done)
	logger.Debugf("[engine] renderer started (pid %d)", cmd.Process.Pid)
	return engine.StatusOK
}

// wait is the single waiter for cmd.
func (e *Engine) wait(cmd *exec.Cmd, done chan struct{}) {
	defer close(done)

	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = engine.StatusFailed
		}
	}
	if code < 0 {
		// Killed by a signal.
		code = engine.StatusFailed
	}

	e.mu.Lock()
	closing := e.closing
	e.cmd = nil
	e.done = nil
	e.mu.Unlock()

	logger.Debugf("[engine] renderer exited with code %d", code)
	if closing || e.store.Exists(e.cfg.Artifacts.Marker) {
		return
	}
	if err := e.store.Write(e.cfg.Artifacts.Marker, engine.FormatMarker(code)); err != nil {
		logger.Warnf("[engine] write fallback marker: %v", err)
	}
}

// Rendering reports whether a renderer process is running.
func (e *Engine) Rendering() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil
}

// Interrupt implements engine.Engine.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil {
		return
	}
	interruptCmd(cmd)
}

// Progress implements engine.Engine.
func (e *Engine) Progress() float64 {
	if e.cfg.Artifacts.Progress == "" {
		return 0
	}
	raw, err := e.store.ReadAll(e.cfg.Artifacts.Progress)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	return engine.ClampPercent(p)
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closing = true
	cmd := e.cmd
	done := e.done
	e.scenePath = ""
	e.width = 0
	e.height = 0
	e.mu.Unlock()

	var errs []error
	if cmd != nil {
		stopCmd(cmd, done)
		select {
		case <-done:
		case <-time.After(closeWaitTimeout):
			errs = append(errs, fmt.Errorf("execengine: renderer pid %d did not exit", cmd.Process.Pid))
		}
	}
	for _, name := range []string{patchFile, parametersFile, settingsFile} {
		if err := e.store.Delete(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
