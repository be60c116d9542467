// Package session implements the single-tenant render session state machine.
//
// A Coordinator admits one client connection at a time, stages the scene it
// uploads, dispatches renders to an engine and hands back the output once the
// engine's completion marker appears. Close always returns the coordinator to
// a clean Closed state, removing every staged artifact.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bhandras/dumiverse/internal/artifact"
	"github.com/bhandras/dumiverse/internal/codec"
	"github.com/bhandras/dumiverse/internal/engine"
	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/bhandras/dumiverse/internal/watcher"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is the coordinator's position in the session lifecycle.
type State int

const (
	// StateClosed means no client holds the connection.
	StateClosed State = iota
	// StateOpen means a client holds the connection but no scene is loaded.
	StateOpen
	// StateInitialized means a scene is loaded and renders may be dispatched.
	StateInitialized
	// StateRendering means a render is pending.
	StateRendering
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateInitialized:
		return "initialized"
	case StateRendering:
		return "rendering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// JobStatus is the lifecycle status of a render job.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobSucceeded      JobStatus = "succeeded"
	JobFailed         JobStatus = "failed"
	JobDispatchFailed JobStatus = "dispatch_failed"
	JobTimedOut       JobStatus = "timed_out"
	JobCanceled       JobStatus = "canceled"
)

// Paths are the fixed artifact locations of a session.
type Paths struct {
	Scene    string
	Output   string
	Marker   string
	Progress string
}

// Artifacts returns the subset of paths written by the engine.
func (p Paths) Artifacts() engine.Artifacts {
	return engine.Artifacts{Output: p.Output, Marker: p.Marker, Progress: p.Progress}
}

func (p Paths) all() []string {
	return []string{p.Scene, p.Output, p.Marker, p.Progress}
}

// Recorder observes session and render lifecycle events.
type Recorder interface {
	SessionOpened()
	SessionClosed()
	RenderFinished(status JobStatus, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened()                         {}
func (nopRecorder) SessionClosed()                         {}
func (nopRecorder) RenderFinished(JobStatus, time.Duration) {}

// Config configures a Coordinator.
type Config struct {
	Store  *artifact.Store
	Engine engine.Engine
	Paths  Paths

	// PollInterval is the completion marker poll interval.
	PollInterval time.Duration
	// PollTimeout bounds a render; zero waits indefinitely.
	PollTimeout time.Duration
	// Notify enables filesystem notifications for marker detection.
	Notify bool

	Recorder Recorder
	Now      func() time.Time
	NewID    func() string
}

// Dimensions is the output size reported by the engine.
type Dimensions struct {
	Width  int
	Height int
}

// JobInfo describes the current or most recent render job.
type JobInfo struct {
	ID         string
	Status     JobStatus
	Code       int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	State      State
	Dimensions Dimensions
	Job        *JobInfo
}

// Open reports whether a client holds the connection.
func (s Snapshot) Open() bool {
	return s.State != StateClosed
}

// Result is a successful render. The caller must close Body.
type Result struct {
	JobID      string
	Dimensions Dimensions
	Size       int64
	Body       io.ReadCloser
}

// BufferInfo describes the output artifact.
type BufferInfo struct {
	Exists bool
	Size   int64
}

type job struct {
	info   JobInfo
	handle *watcher.Handle
	// recorded is closed once the outcome is reflected in the session state.
	recorded chan struct{}

	// Set by track under Coordinator.mu before the job is released, so a
	// later render cannot replace the output this job hands back.
	body    io.ReadCloser
	size    int64
	openErr error
	dims    Dimensions
	// abandoned is set under Coordinator.mu when the caller stops waiting.
	abandoned bool
}

func (j *job) id() string {
	return j.info.ID
}

// Coordinator owns the session state. It is safe for concurrent use.
type Coordinator struct {
	cfg Config

	mu         sync.Mutex
	state      State
	closing    bool
	dims       Dimensions
	current    *job
	last       *JobInfo
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	// initializing is set while the engine loads a scene without c.mu held.
	initializing bool

	trackers sync.WaitGroup
	inits    sync.WaitGroup
}

// New validates cfg and returns a closed coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: artifact store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("session: engine is required")
	}
	if cfg.Paths.Scene == "" || cfg.Paths.Output == "" || cfg.Paths.Marker == "" {
		return nil, errors.New("session: scene, output and marker paths are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = watcher.DefaultInterval
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Coordinator{cfg: cfg}, nil
}

func (c *Coordinator) requireOpenLocked() error {
	if c.state == StateClosed || c.closing {
		return ErrNotOpen
	}
	return nil
}

// Open admits a client.
func (c *Coordinator) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed || c.closing {
		return ErrAlreadyOpen
	}
	c.state = StateOpen
	c.jobCtx, c.cancelJobs = context.WithCancel(context.Background())
	c.cfg.Recorder.SessionOpened()
	logger.Infof("[session] connection opened")
	return nil
}

// Init stages the scene, loads it into the engine and returns its size.
// Compressed scenes are unwrapped; payloads that fail to decompress are
// staged as-is. The engine runs without the session lock so progress, status
// and close stay responsive while a scene loads.
func (c *Coordinator) Init(ctx context.Context, scene, patch []byte) (Dimensions, error) {
	c.mu.Lock()
	if err := c.requireOpenLocked(); err != nil {
		c.mu.Unlock()
		return Dimensions{}, err
	}
	if len(scene) == 0 || len(patch) == 0 {
		c.mu.Unlock()
		return Dimensions{}, ErrMissingParameters
	}
	if c.current != nil {
		c.mu.Unlock()
		return Dimensions{}, ErrRenderInProgress
	}
	if c.initializing {
		c.mu.Unlock()
		return Dimensions{}, ErrInitInProgress
	}
	c.initializing = true
	c.inits.Add(1)
	jobCtx := c.jobCtx
	c.mu.Unlock()
	defer c.inits.Done()

	// Close cancels the load along with pending renders.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(jobCtx, cancel)
	defer stop()

	dims, err := c.loadScene(ctx, scene, patch)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.initializing = false
	if c.closing || c.state == StateClosed {
		return Dimensions{}, ErrNotOpen
	}
	if err != nil {
		c.dims = Dimensions{}
		c.state = StateOpen
		return Dimensions{}, err
	}
	c.dims = dims
	c.state = StateInitialized
	return dims, nil
}

func (c *Coordinator) loadScene(ctx context.Context, scene, patch []byte) (Dimensions, error) {
	payload, format, err := codec.Unwrap(scene)
	if err != nil {
		logger.Warnf("[session] unable to decompress scene, assuming it is not compressed: %v", err)
	} else if format != codec.FormatRaw {
		logger.Debugf("[session] unwrapped %s scene: %s -> %s", format,
			humanize.Bytes(uint64(len(scene))), humanize.Bytes(uint64(len(payload))))
	}

	if err := c.cfg.Store.Write(c.cfg.Paths.Scene, payload); err != nil {
		return Dimensions{}, fmt.Errorf("stage scene: %w", err)
	}

	if err := c.cfg.Engine.Init(ctx, patch, c.cfg.Paths.Scene); err != nil {
		logger.Errorf("[session] renderer init failed: %v", err)
		return Dimensions{}, fmt.Errorf("%w: %v", ErrEngineInit, err)
	}

	w, h := c.cfg.Engine.Dimensions()
	logger.Infof("[session] initialized scene (%s, %dx%d)", humanize.Bytes(uint64(len(payload))), w, h)
	return Dimensions{Width: w, Height: h}, nil
}

// Render dispatches a render and waits for its outcome. If ctx ends first the
// render keeps running and its outcome is recorded without a recipient.
func (c *Coordinator) Render(ctx context.Context, parameters, settings []byte) (*Result, error) {
	c.mu.Lock()
	if err := c.requireOpenLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrRenderInProgress
	}
	if c.initializing {
		c.mu.Unlock()
		return nil, ErrInitInProgress
	}
	if c.state != StateInitialized {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}

	// A marker left by an earlier, abandoned render must not resolve this one.
	if err := c.cfg.Store.Delete(c.cfg.Paths.Marker); err != nil {
		logger.Warnf("[session] remove stale marker: %v", err)
	}

	id := c.cfg.NewID()
	now := c.cfg.Now()
	status := c.cfg.Engine.Render(parameters, settings)
	if status != engine.StatusOK {
		c.last = &JobInfo{ID: id, Status: JobDispatchFailed, Code: status, StartedAt: now, FinishedAt: now}
		c.mu.Unlock()
		c.cfg.Recorder.RenderFinished(JobDispatchFailed, 0)
		logger.Warnf("[session] render %s dispatch failed with code %d", id, status)
		return nil, &RenderDispatchError{Code: status}
	}

	w := watcher.New(watcher.Config{
		Store:    c.cfg.Store,
		Marker:   c.cfg.Paths.Marker,
		Output:   c.cfg.Paths.Output,
		Interval: c.cfg.PollInterval,
		Timeout:  c.cfg.PollTimeout,
		Notify:   c.cfg.Notify,
	})
	j := &job{
		info:     JobInfo{ID: id, Status: JobPending, StartedAt: now},
		handle:   w.Start(c.jobCtx),
		recorded: make(chan struct{}),
	}
	c.current = j
	c.state = StateRendering
	c.trackers.Add(1)
	go c.track(j)
	c.mu.Unlock()

	logger.Infof("[session] render %s dispatched, waiting for completion", id)

	select {
	case <-j.recorded:
	case <-ctx.Done():
		logger.Warnf("[session] caller left before render %s finished: %v", id, ctx.Err())
		c.abandon(j)
		return nil, ctx.Err()
	}
	return c.deliver(j)
}

// abandon releases j's output once no caller will read it.
func (c *Coordinator) abandon(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j.abandoned = true
	if j.body != nil {
		_ = j.body.Close()
		j.body = nil
	}
}

// track records the outcome of j once its handle resolves.
func (c *Coordinator) track(j *job) {
	defer c.trackers.Done()
	defer close(j.recorded)

	outcome, err := j.handle.Result()
	status := JobSucceeded
	code := outcome.Status
	switch {
	case errors.Is(err, watcher.ErrTimedOut):
		status = JobTimedOut
	case errors.Is(err, context.Canceled):
		status = JobCanceled
	case err != nil, !outcome.Succeeded():
		status = JobFailed
	}

	c.mu.Lock()
	if status == JobSucceeded {
		j.body, j.size, j.openErr = c.cfg.Store.Open(outcome.Output)
		if j.body != nil && j.abandoned {
			_ = j.body.Close()
			j.body = nil
		}
	}
	j.dims = c.dims
	j.info.Status = status
	j.info.Code = code
	j.info.FinishedAt = c.cfg.Now()
	info := j.info
	if c.current == j {
		c.current = nil
		if c.state == StateRendering {
			c.state = StateInitialized
		}
	}
	c.last = &info
	c.mu.Unlock()

	if status == JobTimedOut {
		// Stop the renderer; its late marker is swept by the next dispatch.
		c.cfg.Engine.Interrupt()
	}

	elapsed := info.FinishedAt.Sub(info.StartedAt)
	c.cfg.Recorder.RenderFinished(status, elapsed)
	logger.Infof("[session] render %s finished: %s (code %d, %v)", info.ID, status, code, elapsed)
}

func (c *Coordinator) deliver(j *job) (*Result, error) {
	outcome, err := j.handle.Result()
	if err != nil {
		switch {
		case errors.Is(err, watcher.ErrTimedOut):
			return nil, &RenderTimeoutError{After: c.cfg.PollTimeout}
		case errors.Is(err, context.Canceled):
			return nil, ErrRenderCanceled
		default:
			return nil, fmt.Errorf("await render: %w", err)
		}
	}
	if !outcome.Succeeded() {
		return nil, &RenderError{Code: outcome.Status, Raw: outcome.Raw}
	}

	if j.openErr != nil {
		if errors.Is(j.openErr, artifact.ErrNotFound) {
			return nil, ErrOutputMissing
		}
		return nil, fmt.Errorf("open render output: %w", j.openErr)
	}

	return &Result{
		JobID:      j.id(),
		Dimensions: j.dims,
		Size:       j.size,
		Body:       j.body,
	}, nil
}

// Interrupt forwards an interrupt to the engine. It is a no-op for the engine
// when nothing is rendering; the pending render still resolves through its
// completion marker.
func (c *Coordinator) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOpenLocked(); err != nil {
		return err
	}
	c.cfg.Engine.Interrupt()
	if c.current != nil {
		logger.Infof("[session] interrupt sent for render %s", c.current.id())
	}
	return nil
}

// Progress returns the engine's completion percentage.
func (c *Coordinator) Progress() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOpenLocked(); err != nil {
		return 0, err
	}
	return engine.ClampPercent(c.cfg.Engine.Progress()), nil
}

// CheckBuffer reports whether an output buffer is present.
func (c *Coordinator) CheckBuffer() (BufferInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOpenLocked(); err != nil {
		return BufferInfo{}, err
	}
	size, err := c.cfg.Store.Size(c.cfg.Paths.Output)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return BufferInfo{}, nil
		}
		return BufferInfo{}, err
	}
	return BufferInfo{Exists: true, Size: size}, nil
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state, Dimensions: c.dims}
	switch {
	case c.current != nil:
		info := c.current.info
		snap.Job = &info
	case c.last != nil:
		info := *c.last
		snap.Job = &info
	}
	return snap
}

// Close tears the session down. Without an open session it returns
// ErrNotOpen and changes nothing. Otherwise a pending render is interrupted,
// every staged artifact is removed, the engine is closed and the coordinator
// returns to StateClosed even if individual cleanup steps fail.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.closing {
		c.mu.Unlock()
		return ErrNotOpen
	}
	c.closing = true
	pending := c.current
	cancel := c.cancelJobs
	c.mu.Unlock()

	logger.Infof("[session] closing connection")
	if cancel != nil {
		cancel()
	}
	if pending != nil {
		logger.Infof("[session] interrupting pending render %s", pending.id())
		c.cfg.Engine.Interrupt()
	}
	c.trackers.Wait()
	c.inits.Wait()

	c.removeArtifacts()
	if err := c.cfg.Engine.Close(); err != nil {
		logger.Warnf("[session] renderer close: %v", err)
	}
	// The engine may flush output or a marker while shutting down.
	c.removeArtifacts()

	c.mu.Lock()
	c.state = StateClosed
	c.closing = false
	c.dims = Dimensions{}
	c.current = nil
	c.last = nil
	c.jobCtx = nil
	c.cancelJobs = nil
	c.mu.Unlock()

	c.cfg.Recorder.SessionClosed()
	logger.Infof("[session] connection closed")
	return nil
}

// removeArtifacts deletes the staged files concurrently. Failures are logged
// and otherwise ignored.
func (c *Coordinator) removeArtifacts() {
	var g errgroup.Group
	for _, name := range c.cfg.Paths.all() {
		if name == "" {
			continue
		}
		g.Go(func() error {
			if err := c.cfg.Store.Delete(name); err != nil {
				logger.Warnf("[session] cleanup failed for %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
