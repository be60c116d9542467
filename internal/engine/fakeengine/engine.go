// Package fakeengine provides a deterministic in-process renderer.
//
// It follows the same marker protocol as a real renderer: after a successful
// dispatch it writes the output buffer and then the completion marker through
// the artifact store. Tests and demos use it to drive the coordinator without
// a rendering backend.
package fakeengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bhandras/dumiverse/internal/artifact"
	"github.com/bhandras/dumiverse/internal/engine"
)

const (
	// defaultWidth and defaultHeight match a small preview frame.
	defaultWidth  = 64
	defaultHeight = 48

	// InterruptedStatus is the marker status written when a render is
	// interrupted.
	InterruptedStatus = 2
)

// Option configures an Engine.
type Option func(*Engine)

// WithDimensions sets the reported scene size.
func WithDimensions(width, height int) Option {
	return func(e *Engine) {
		e.width = width
		e.height = height
	}
}

// WithInitError makes Init fail with err.
func WithInitError(err error) Option {
	return func(e *Engine) { e.initErr = err }
}

// WithDispatchStatus makes Render return status without starting a render.
func WithDispatchStatus(status int) Option {
	return func(e *Engine) { e.dispatchStatus = status }
}

// WithRenderStatus sets the status written to the completion marker.
func WithRenderStatus(status int) Option {
	return func(e *Engine) { e.renderStatus = status }
}

// WithRenderDelay delays completion by d after dispatch.
func WithRenderDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

// WithOutput sets the bytes written to the output artifact. By default a
// zeroed RGBA float buffer of the configured size is written.
func WithOutput(output []byte) Option {
	return func(e *Engine) { e.output = output }
}

// WithManualCompletion disables automatic completion; the render finishes
// only when Complete or Interrupt is called.
func WithManualCompletion() Option {
	return func(e *Engine) { e.manual = true }
}

// WithoutMarker makes renders never write a completion marker, simulating a
// hung renderer.
func WithoutMarker() Option {
	return func(e *Engine) { e.noMarker = true }
}

// Calls counts the capability invocations seen by the engine.
type Calls struct {
	Init       int
	Render     int
	Interrupt  int
	Progress   int
	Close      int
	Dimensions int
}

// Engine implements engine.Engine in memory.
type Engine struct {
	store     *artifact.Store
	artifacts engine.Artifacts

	width          int
	height         int
	initErr        error
	dispatchStatus int
	renderStatus   int
	delay          time.Duration
	output         []byte
	manual         bool
	noMarker       bool

	mu           sync.Mutex
	calls        Calls
	patch        []byte
	scenePath    string
	parameters   []byte
	settings     []byte
	rendering    bool
	progress     float64
	finish       chan int
	wg           sync.WaitGroup
	lastStatuses []int
}

// New returns a fake engine that writes its artifacts to store.
func New(store *artifact.Store, artifacts engine.Artifacts, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		artifacts: artifacts,
		width:     defaultWidth,
		height:    defaultHeight,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init implements engine.Engine.
func (e *Engine) Init(ctx context.Context, patch []byte, scenePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls.Init++
	if e.initErr != nil {
		return e.initErr
	}
	if !e.store.Exists(scenePath) {
		return errors.New("fakeengine: scene not staged")
	}
	e.patch = append([]byte(nil), patch...)
	e.scenePath = scenePath
	return nil
}

// Dimensions implements engine.Engine.
func (e *Engine) Dimensions() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls.Dimensions++
	return e.width, e.height
}

// Render implements engine.Engine.
func (e *Engine) Render(parameters, settings []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls.Render++
	if e.dispatchStatus != engine.StatusOK {
		return e.dispatchStatus
	}
	if e.rendering {
		return engine.StatusBusy
	}
	e.parameters = append([]byte(nil), parameters...)
	e.settings = append([]byte(nil), settings...)
	e.rendering = true
	e.progress = 0
	e.finish = make(chan int, 1)

	e.wg.Add(1)
	go e.run(e.finish)
	return engine.StatusOK
}

func (e *Engine) run(finish <-chan int) {
	defer e.wg.Done()

	status := e.renderStatus
	if e.manual {
		status = <-finish
	} else {
		timer := time.NewTimer(e.delay)
		select {
		case <-timer.C:
		case status = <-finish:
			timer.Stop()
		}
	}

	e.mu.Lock()
	e.progress = 100
	e.mu.Unlock()

	if status == engine.StatusOK {
		_ = e.store.Write(e.artifacts.Output, e.frame())
	}
	if !e.noMarker {
		_ = e.store.Write(e.artifacts.Marker, engine.FormatMarker(status))
	}

	e.mu.Lock()
	e.rendering = false
	e.lastStatuses = append(e.lastStatuses, status)
	e.mu.Unlock()
}

func (e *Engine) frame() []byte {
	if e.output != nil {
		return e.output
	}
	return make([]byte, e.width*e.height*16)
}

// Complete finishes a pending render with status. It reports whether a
// render was pending.
func (e *Engine) Complete(status int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rendering {
		return false
	}
	select {
	case e.finish <- status:
		return true
	default:
		return false
	}
}

// Interrupt implements engine.Engine.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	e.calls.Interrupt++
	e.mu.Unlock()
	e.Complete(InterruptedStatus)
}

// SetProgress sets the value reported by Progress.
func (e *Engine) SetProgress(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = p
}

// Progress implements engine.Engine.
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls.Progress++
	return engine.ClampPercent(e.progress)
}

// Close implements engine.Engine. A pending render is interrupted and waited
// for.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.calls.Close++
	e.patch = nil
	e.scenePath = ""
	e.mu.Unlock()

	e.Complete(InterruptedStatus)
	e.wg.Wait()
	return nil
}

// Wait blocks until every dispatched render has written its artifacts.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Calls returns a snapshot of the invocation counters.
func (e *Engine) Calls() Calls {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Rendering reports whether a render is in flight.
func (e *Engine) Rendering() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rendering
}

// LastInit returns the patch and scene path passed to the last Init.
func (e *Engine) LastInit() ([]byte, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patch, e.scenePath
}

// LastRender returns the parameters and settings of the last dispatch.
func (e *Engine) LastRender() ([]byte, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parameters, e.settings
}

// Statuses returns the marker statuses written so far, oldest first.
func (e *Engine) Statuses() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.lastStatuses...)
}
